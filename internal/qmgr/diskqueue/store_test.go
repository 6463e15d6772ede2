package diskqueue

import (
	"bytes"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/postfixcore/framework/buffer"
	"github.com/foxcpp/postfixcore/framework/log"
)

func testHeader() textproto.Header {
	var h textproto.Header
	h.Add("Subject", "hi")
	return h
}

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir(), log.Logger{Name: "diskqueue-test"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestStoreAndOpenMessageRoundTrips checks that a stored message's
// header, body and metadata can all be read back unchanged.
func TestStoreAndOpenMessageRoundTrips(t *testing.T) {
	s := newTestStore(t)

	meta := MessageMeta{
		QueueID:    "QID1",
		Sender:     "alice@example.com",
		QueuedTime: time.Unix(1700000000, 0).UTC(),
		QueueName:  "incoming",
	}
	rcpts := []RecipientRecord{
		{Address: "bob@example.com"},
		{Address: "carol@example.com"},
	}

	body, err := buffer.BufferInMemory(bytes.NewReader([]byte("body text\r\n")))
	if err != nil {
		t.Fatal(err)
	}

	stored, err := s.StoreNewMessage(meta, testHeader(), body, rcpts)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Len() != len("body text\r\n") {
		t.Fatalf("stored body len = %d, want %d", stored.Len(), len("body text\r\n"))
	}

	gotMeta, gotHeader, gotBody, err := s.OpenMessage("QID1")
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.Sender != "alice@example.com" || gotMeta.RcptLimit != 2 {
		t.Fatalf("meta = %+v, want sender alice@example.com, RcptLimit 2", gotMeta)
	}
	if gotHeader.Get("Subject") != "hi" {
		t.Fatalf("header Subject = %q, want hi", gotHeader.Get("Subject"))
	}
	r, err := gotBody.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "body text\r\n" {
		t.Fatalf("body = %q, want %q", buf[:n], "body text\r\n")
	}
}

// TestReadRecipientsPaginatesAndSkipsDone checks the rcpt_offset-style
// incremental read: a limited batch returns a resumable offset, and a
// record marked Done in place is skipped on the next read.
func TestReadRecipientsPaginatesAndSkipsDone(t *testing.T) {
	s := newTestStore(t)
	meta := MessageMeta{QueueID: "QID2", Sender: "a@example.com", QueueName: "incoming"}
	rcpts := []RecipientRecord{
		{Address: "r1@example.com"},
		{Address: "r2@example.com"},
		{Address: "r3@example.com"},
	}
	body, _ := buffer.BufferInMemory(bytes.NewReader([]byte("x")))
	if _, err := s.StoreNewMessage(meta, testHeader(), body, rcpts); err != nil {
		t.Fatal(err)
	}

	batch1, next, err := s.ReadRecipients("QID2", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch1) != 2 || batch1[0].Address != "r1@example.com" || batch1[1].Address != "r2@example.com" {
		t.Fatalf("batch1 = %+v, want [r1, r2]", batch1)
	}
	if next != recordSize*2 {
		t.Fatalf("next offset = %d, want %d", next, recordSize*2)
	}

	batch2, next2, err := s.ReadRecipients("QID2", next, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch2) != 1 || batch2[0].Address != "r3@example.com" {
		t.Fatalf("batch2 = %+v, want [r3]", batch2)
	}
	if next2 != -1 {
		t.Fatalf("next2 = %d, want -1 (no more recipients on disk)", next2)
	}

	// Mark r1 done in place, then a fresh read from the start must
	// skip over it.
	if err := s.MarkRecipientDone("QID2", 0); err != nil {
		t.Fatal(err)
	}
	batch3, _, err := s.ReadRecipients("QID2", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch3) != 2 || batch3[0].Address != "r2@example.com" || batch3[1].Address != "r3@example.com" {
		t.Fatalf("batch3 = %+v, want [r2, r3] (r1 skipped as Done)", batch3)
	}
}

// TestRemoveDeletesAllFourFiles checks that Remove clears the header,
// body, rcpt and meta files so a later OpenMessage fails.
func TestRemoveDeletesAllFourFiles(t *testing.T) {
	s := newTestStore(t)
	meta := MessageMeta{QueueID: "QID3", Sender: "a@example.com", QueueName: "incoming"}
	body, _ := buffer.BufferInMemory(bytes.NewReader([]byte("x")))
	if _, err := s.StoreNewMessage(meta, testHeader(), body, nil); err != nil {
		t.Fatal(err)
	}

	s.Remove("QID3")

	if _, _, _, err := s.OpenMessage("QID3"); err == nil {
		t.Fatal("OpenMessage should fail after Remove")
	}
}

// TestListIDsFindsStoredMessages checks queue-directory discovery by
// .meta presence, mirroring readDiskQueue's scan strategy.
func TestListIDsFindsStoredMessages(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"A", "B"} {
		meta := MessageMeta{QueueID: id, Sender: "a@example.com", QueueName: "incoming"}
		body, _ := buffer.BufferInMemory(bytes.NewReader([]byte("x")))
		if _, err := s.StoreNewMessage(meta, testHeader(), body, nil); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.ListIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListIDs = %v, want 2 entries", ids)
	}
}
