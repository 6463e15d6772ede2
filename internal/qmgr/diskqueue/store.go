package diskqueue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/postfixcore/framework/buffer"
	"github.com/foxcpp/postfixcore/framework/log"
)

// Store is one queue directory (incoming/active/deferred/...),
// grounded on internal/target/queue/queue.go's file-triplet
// convention: {id}.header, {id}.body, {id}.meta, plus {id}.rcpt for
// the recipient list.
type Store struct {
	location string
	Log      log.Logger
}

func NewStore(location string, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(location, os.ModePerm); err != nil {
		return nil, err
	}
	return &Store{location: location, Log: logger}, nil
}

func (s *Store) path(id, suffix string) string {
	return filepath.Join(s.location, id+suffix)
}

// StoreNewMessage writes a brand new message's header, body and
// recipient list to disk, mirroring storeNewMessage; it returns a
// re-openable Buffer for the body the caller can keep using without
// re-reading it from disk.
func (s *Store) StoreNewMessage(meta MessageMeta, header textproto.Header, body buffer.Buffer, rcpts []RecipientRecord) (buffer.Buffer, error) {
	id := meta.QueueID

	headerPath := s.path(id, ".header")
	headerFile, err := os.Create(headerPath)
	if err != nil {
		return nil, err
	}
	defer headerFile.Close()
	if err := textproto.WriteHeader(headerFile, header); err != nil {
		s.removeDangling(id + ".header")
		return nil, err
	}

	bodyReader, err := body.Open()
	if err != nil {
		s.removeDangling(id + ".header")
		return nil, err
	}
	defer bodyReader.Close()

	bodyPath := s.path(id, ".body")
	bodyFile, err := os.Create(bodyPath)
	if err != nil {
		s.removeDangling(id + ".header")
		return nil, err
	}
	defer bodyFile.Close()
	if _, err := io.Copy(bodyFile, bodyReader); err != nil {
		s.removeDangling(id + ".body")
		s.removeDangling(id + ".header")
		return nil, err
	}

	meta.RcptLimit = len(rcpts)
	if err := s.writeRecipients(id, rcpts); err != nil {
		s.removeDangling(id + ".body")
		s.removeDangling(id + ".header")
		return nil, err
	}

	if err := s.writeMeta(meta); err != nil {
		s.removeDangling(id + ".rcpt")
		s.removeDangling(id + ".body")
		s.removeDangling(id + ".header")
		return nil, err
	}

	if err := headerFile.Sync(); err != nil {
		return nil, err
	}
	if err := bodyFile.Sync(); err != nil {
		return nil, err
	}

	return buffer.FileBuffer{Path: bodyPath, LenHint: body.Len()}, nil
}

func (s *Store) writeMeta(meta MessageMeta) error {
	metaPath := s.path(meta.QueueID, ".meta")

	var file *os.File
	var err error
	if runtime.GOOS == "windows" {
		file, err = os.Create(metaPath)
	} else {
		file, err = os.Create(metaPath + ".new")
	}
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(meta); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		return os.Rename(metaPath+".new", metaPath)
	}
	return nil
}

func encodeRecord(status byte, rec RecipientRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(payload)+1 > recordSize {
		return nil, fmt.Errorf("diskqueue: recipient record too large (%d bytes, limit %d)", len(payload)+1, recordSize)
	}
	buf := make([]byte, recordSize)
	buf[0] = status
	copy(buf[1:], payload)
	return buf, nil
}

func decodeRecord(buf []byte) (RecipientRecord, bool, error) {
	status := buf[0]
	payload := bytes.TrimRight(buf[1:], "\x00")
	var rec RecipientRecord
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec); err != nil {
			return RecipientRecord{}, false, err
		}
	}
	rec.Done = status == statusDone
	return rec, status == statusDone, nil
}

func (s *Store) writeRecipients(id string, rcpts []RecipientRecord) error {
	f, err := os.Create(s.path(id, ".rcpt"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range rcpts {
		buf, err := encodeRecord(statusPending, rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadRecipients reads up to limit not-yet-Done recipients starting
// at byte offset, mirroring how qmgr reads rcpt_limit recipients at a
// time starting from message->rcpt_offset. It returns the offset to
// resume from on the next call; a returned offset of -1 means the
// whole file has been consumed (message->rcpt_offset == 0, no more
// recipients left on disk).
func (s *Store) ReadRecipients(id string, offset int64, limit int) (recs []RecipientRecord, nextOffset int64, err error) {
	f, err := os.Open(s.path(id, ".rcpt"))
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, -1, err
	}

	buf := make([]byte, recordSize)
	pos := offset
	for len(recs) < limit {
		recOffset := pos
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, -1, nil
			}
			return recs, -1, err
		}
		pos += recordSize

		rec, done, decErr := decodeRecord(buf)
		if decErr != nil {
			return recs, -1, decErr
		}
		if done {
			continue
		}
		rec.Offset = recOffset
		recs = append(recs, rec)
	}

	if info, statErr := f.Stat(); statErr == nil && pos >= info.Size() {
		return recs, -1, nil
	}
	return recs, pos, nil
}

// MarkRecipientDone flips the status byte of the record at offset
// in place - the Go rendition of Postfix overwriting a recipient's
// queue-file line so the entry is never re-delivered after a crash.
func (s *Store) MarkRecipientDone(id string, offset int64) error {
	f, err := os.OpenFile(s.path(id, ".rcpt"), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt([]byte{statusDone}, offset)
	return err
}

// OpenMessage reads back a message's metadata, header and a Buffer
// over its body, mirroring openMessage.
func (s *Store) OpenMessage(id string) (MessageMeta, textproto.Header, buffer.Buffer, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return MessageMeta{}, textproto.Header{}, nil, err
	}

	bodyPath := s.path(id, ".body")
	if _, err := os.Stat(bodyPath); err != nil {
		if os.IsNotExist(err) {
			s.removeDangling(id + ".meta")
		}
		return MessageMeta{}, textproto.Header{}, nil, err
	}
	body := buffer.FileBuffer{Path: bodyPath}

	headerFile, err := os.Open(s.path(id, ".header"))
	if err != nil {
		if os.IsNotExist(err) {
			s.removeDangling(id + ".meta")
			s.removeDangling(id + ".body")
		}
		return MessageMeta{}, textproto.Header{}, nil, err
	}
	defer headerFile.Close()

	header, err := textproto.ReadHeader(bufio.NewReader(headerFile))
	if err != nil {
		return MessageMeta{}, textproto.Header{}, nil, err
	}

	return meta, header, body, nil
}

func (s *Store) readMeta(id string) (MessageMeta, error) {
	f, err := os.Open(s.path(id, ".meta"))
	if err != nil {
		return MessageMeta{}, err
	}
	defer f.Close()

	var meta MessageMeta
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return MessageMeta{}, err
	}
	return meta, nil
}

// Remove deletes all files belonging to a message. Order matches
// removeFromDisk: header and body first, meta last, so a crash part way
// leaves a meta file that ListIDs still lists and whose missing body or
// header OpenMessage detects (removing the leftovers), rather than a
// message that looks complete but is missing content.
func (s *Store) Remove(id string) {
	if err := os.Remove(s.path(id, ".header")); err != nil {
		s.Log.Error("failed to remove header from disk", err)
	}
	if err := os.Remove(s.path(id, ".body")); err != nil {
		s.Log.Error("failed to remove body from disk", err)
	}
	if err := os.Remove(s.path(id, ".rcpt")); err != nil {
		s.Log.Error("failed to remove recipients from disk", err)
	}
	if err := os.Remove(s.path(id, ".meta")); err != nil {
		s.Log.Error("failed to remove meta-data from disk", err)
	}
}

func (s *Store) removeDangling(name string) {
	if err := os.Remove(filepath.Join(s.location, name)); err != nil {
		s.Log.Error("dangling file remove failed", err)
		return
	}
	s.Log.Printf("removed dangling file %s", name)
}

// ListIDs returns the queue IDs of every message with a .meta file
// present, the same discovery strategy readDiskQueue uses: start from
// metadata and let OpenMessage's own existence checks catch a
// half-written message.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := ioutil.ReadDir(s.location)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".meta"))
	}
	return ids, nil
}
