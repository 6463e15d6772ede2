package attr

import (
	"bytes"
	"testing"
)

func TestTextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatText)
	if err := w.WriteRecord(Str("request", "resolve"), Str("addr", "user@example.com"), Int("flags", 3)); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&buf, FormatText)
	attrs, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(attrs) != 3 {
		t.Fatalf("got %d attrs, want 3", len(attrs))
	}
	if attrs[0].String != "resolve" || attrs[1].String != "user@example.com" || attrs[2].Int != 3 {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatBinary)
	if err := w.WriteRecord(Str("addr", "user@example.com"), Int("flags", -1)); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&buf, FormatBinary)
	attrs, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(attrs) != 2 || attrs[0].String != "user@example.com" || attrs[1].Int != -1 {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestReadStrictMissing(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatText)
	_ = w.WriteRecord(Str("request", "resolve"))

	r := NewReader(&buf, FormatText)
	_, err := r.ReadStrict([]string{"request", "addr"}, nil)
	if err == nil {
		t.Fatal("expected error for missing addr")
	}
}

func TestReadStrictOptional(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatText)
	_ = w.WriteRecord(Str("request", "resolve"))

	r := NewReader(&buf, FormatText)
	m, err := r.ReadStrict([]string{"request", "addr"}, []string{"addr"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := LookupString(m, "request"); v != "resolve" {
		t.Fatalf("got %q", v)
	}
}

func TestLineTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, FormatText)
	_ = w.WriteRecord(Str("addr", string(make([]byte, 4096))))

	r := NewReader(&buf, FormatText)
	r.SetLineLimit(64)
	if _, err := r.ReadRecord(); err != ErrLineTooLong {
		t.Fatalf("got %v, want ErrLineTooLong", err)
	}
}
