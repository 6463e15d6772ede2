// Package attr implements the framed attribute protocol used by every
// service in this repository to talk to every other service: an ordered
// sequence of typed, named attributes terminated by an empty-name marker.
//
// Two wire encodings exist side by side, picked once per stream:
//
//   - text: debuggable "name=value\n" pairs, record terminated by "@\n";
//   - binary: length-prefixed name/value pairs, record terminated by a
//     zero-length name.
//
// Three attribute kinds exist: signed integers, length-delimited strings,
// and string-keyed hashes (repeated key/value string pairs under one
// attribute name). Both writers encode all three; the readers decode
// integers and strings only and do not reassemble hashes.
package attr

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind identifies the wire type of an Attr.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindHash
)

// Attr is one named, typed value in a record.
type Attr struct {
	Name string
	Kind Kind

	Int    int64
	String string
	Hash   map[string]string
}

func Int(name string, v int64) Attr     { return Attr{Name: name, Kind: KindInt, Int: v} }
func Str(name string, v string) Attr    { return Attr{Name: name, Kind: KindString, String: v} }
func Hash(name string, v map[string]string) Attr {
	return Attr{Name: name, Kind: KindHash, Hash: v}
}

// ErrLineTooLong is returned by the text reader when a line exceeds the
// configured line_length_limit; the caller must drop the connection.
var ErrLineTooLong = errors.New("attr: line exceeds line_length_limit")

// ErrMissing is wrapped into the error returned by ReadStrict when a
// strictly-required attribute name never appeared in the record.
var ErrMissing = errors.New("attr: missing required attribute")

// DefaultLineLengthLimit mirrors Postfix's line_length_limit default.
const DefaultLineLengthLimit = 2048

// Format selects which wire encoding a Writer/Reader pair uses. A stream
// picks one format at connection setup and keeps it for its lifetime.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

// Writer serializes records in one Format to an underlying stream.
type Writer struct {
	w      *bufio.Writer
	format Format
}

func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{w: bufio.NewWriter(w), format: format}
}

// WriteRecord writes attrs followed by the record terminator and flushes.
func (w *Writer) WriteRecord(attrs ...Attr) error {
	for _, a := range attrs {
		if err := w.writeAttr(a); err != nil {
			return err
		}
	}
	if err := w.writeEnd(); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) writeAttr(a Attr) error {
	switch w.format {
	case FormatText:
		return w.writeAttrText(a)
	default:
		return w.writeAttrBinary(a)
	}
}

func (w *Writer) writeAttrText(a Attr) error {
	switch a.Kind {
	case KindInt:
		_, err := fmt.Fprintf(w.w, "%s=%d\n", a.Name, a.Int)
		return err
	case KindString:
		_, err := fmt.Fprintf(w.w, "%s=%s\n", a.Name, a.String)
		return err
	case KindHash:
		if _, err := fmt.Fprintf(w.w, "%s=%d\n", a.Name, len(a.Hash)); err != nil {
			return err
		}
		for k, v := range a.Hash {
			if _, err := fmt.Fprintf(w.w, "%s=%s\n", k, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("attr: unknown kind %d", a.Kind)
	}
}

func (w *Writer) writeEnd() error {
	if w.format == FormatText {
		_, err := w.w.WriteString("@\n")
		return err
	}
	return binary.Write(w.w, binary.BigEndian, uint32(0))
}

func (w *Writer) writeAttrBinary(a Attr) error {
	if err := writeLenPrefixed(w.w, a.Name); err != nil {
		return err
	}
	switch a.Kind {
	case KindInt:
		return writeLenPrefixed(w.w, strconv.FormatInt(a.Int, 10))
	case KindString:
		return writeLenPrefixed(w.w, a.String)
	case KindHash:
		if err := binary.Write(w.w, binary.BigEndian, uint32(len(a.Hash))); err != nil {
			return err
		}
		for k, v := range a.Hash {
			if err := writeLenPrefixed(w.w, k); err != nil {
				return err
			}
			if err := writeLenPrefixed(w.w, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("attr: unknown kind %d", a.Kind)
	}
}

func writeLenPrefixed(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Reader deserializes records in one Format from an underlying stream.
type Reader struct {
	r          *bufio.Reader
	format     Format
	lineLimit  int
}

func NewReader(r io.Reader, format Format) *Reader {
	return &Reader{r: bufio.NewReader(r), format: format, lineLimit: DefaultLineLengthLimit}
}

func (r *Reader) SetLineLimit(n int) { r.lineLimit = n }

// ReadRecord reads attributes up to the terminator into an ordered slice.
func (r *Reader) ReadRecord() ([]Attr, error) {
	if r.format == FormatText {
		return r.readRecordText()
	}
	return r.readRecordBinary()
}

func (r *Reader) readRecordText() ([]Attr, error) {
	var out []Attr
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "@" {
			return out, nil
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("attr: malformed line %q", line)
		}
		if n, err := strconv.Atoi(value); err == nil && looksLikeHashCount(name, out) {
			h := make(map[string]string, n)
			for i := 0; i < n; i++ {
				kvLine, err := r.readLine()
				if err != nil {
					return nil, err
				}
				k, v, ok := strings.Cut(kvLine, "=")
				if !ok {
					return nil, fmt.Errorf("attr: malformed hash entry %q", kvLine)
				}
				h[k] = v
			}
			out = append(out, Hash(name, h))
			continue
		} else if err == nil {
			out = append(out, Int(name, int64(n)))
			continue
		}
		out = append(out, Str(name, value))
	}
}

// looksLikeHashCount is a hook point: pure integer-valued attributes and
// hash-count prefixes share the same "name=<int>" text. It always reports
// false, so every integer-valued line is read as KindInt; neither
// ReadRecord nor ReadStrict decodes hash attributes.
func looksLikeHashCount(name string, _ []Attr) bool { return false }

func (r *Reader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\n"), nil
		}
		return "", err
	}
	if len(line) > r.lineLimit {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(line, "\n"), nil
}

func (r *Reader) readRecordBinary() ([]Attr, error) {
	var out []Attr
	for {
		name, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		if name == "" {
			return out, nil
		}
		value, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		if n, err := strconv.Atoi(value); err == nil {
			out = append(out, Int(name, int64(n)))
			continue
		}
		out = append(out, Str(name, value))
	}
}

func (r *Reader) readLenPrefixed() (string, error) {
	var n uint32
	if err := binary.Read(r.r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.lineLimit {
		return "", ErrLineTooLong
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadStrict reads one record and requires that every name in wanted is
// present; missing names are reported via a wrapped ErrMissing unless the
// name also appears in optional.
func (r *Reader) ReadStrict(wanted []string, optional []string) (map[string]Attr, error) {
	attrs, err := r.ReadRecord()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Attr, len(attrs))
	for _, a := range attrs {
		byName[a.Name] = a
	}
	optSet := make(map[string]bool, len(optional))
	for _, o := range optional {
		optSet[o] = true
	}
	for _, w := range wanted {
		if _, ok := byName[w]; !ok && !optSet[w] {
			return nil, fmt.Errorf("%w: %s", ErrMissing, w)
		}
	}
	return byName, nil
}

// Lookup helpers for call sites that only care about one attribute.

func LookupInt(m map[string]Attr, name string) (int64, bool) {
	a, ok := m[name]
	if !ok || a.Kind != KindInt {
		return 0, false
	}
	return a.Int, true
}

func LookupString(m map[string]Attr, name string) (string, bool) {
	a, ok := m[name]
	if !ok || a.Kind != KindString {
		return "", false
	}
	return a.String, true
}
