// Package diskqueue is the on-disk half of §3's Message/Recipient data
// model: the file-triplet convention already used by
// internal/target/queue/queue.go (header/body/meta files, atomic
// .new-then-rename metadata writes), generalized with a fourth file
// that holds recipients as fixed-size records so a recipient can be
// marked delivered in place by its byte offset — the Go rendition of
// Postfix rewriting a recipient line directly in the queue file.
package diskqueue

import "time"

// RecipientNotify is the DSN notify bitset carried per recipient.
type RecipientNotify uint8

const (
	NotifyNever   RecipientNotify = 0
	NotifySuccess RecipientNotify = 1 << 0
	NotifyDelay   RecipientNotify = 1 << 1
	NotifyFailure RecipientNotify = 1 << 2
)

// RecipientRecord is one on-disk recipient (§3 Recipient).
type RecipientRecord struct {
	Address       string // internal (unquoted) form
	OrigAddress   string
	Notify        RecipientNotify
	Envid         string
	OrigRecipient string

	// Done marks this record as already handed off/acknowledged; a
	// re-read of the .rcpt file must skip it. It is carried in the
	// record's status byte, not the JSON payload - ReadRecipients
	// fills it in from there, MarkRecipientDone flips it in place.
	Done bool `json:"-"`

	// Offset is this record's byte position in the .rcpt file, filled
	// in by ReadRecipients so a caller can hand it straight back to
	// MarkRecipientDone without re-deriving it from record indices.
	Offset int64 `json:"-"`
}

// recordSize is the fixed width of one on-disk recipient record: one
// status byte followed by zero-padded JSON. A recipient whose encoded
// form doesn't fit is a configuration error, not a runtime one -
// addresses and DSN fields are bounded well under this in practice.
const recordSize = 512

const (
	statusPending byte = 0
	statusDone    byte = 1
)

// MessageMeta is the on-disk form of §3's Message, minus the
// recipient list itself (held in the companion .rcpt file) and minus
// the in-core-only scheduler bookkeeping (RcptCount, job linkage),
// which belongs to internal/qmgr/scheduler and is rebuilt at load time.
type MessageMeta struct {
	QueueID    string
	Sender     string
	QueuedTime time.Time
	QueueName  string // incoming|active|deferred|bounce...

	// RcptLimit is how many recipients this message has in total; the
	// queue manager re-derives RcptUnread by counting remaining
	// non-Done records past whatever RcptOffset it has already read.
	RcptLimit int
}
