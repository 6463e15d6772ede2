// Package scheduler implements the transport-level delivery scheduler:
// jobs, peers, entries, the regular job_list, the preemption job_stack,
// and the recipient-slot accounting that ties them together.
//
// Grounded on original_source/postfix/nqmgr/qmgr_job.c. Per the design
// notes, Message/Job/Peer/Entry live in arenas and are referenced by typed
// indices rather than pointers, so "freeing" an object is returning its
// index to a free-list, never an actual deallocation a stale reference
// could outlive.
package scheduler

import "time"

// MessageID, JobID, PeerID and EntryID are arena indices, starting at 0.
// -1 is never a valid live reference; the NoX constants name it.
type (
	MessageID int
	JobID     int
	PeerID    int
	EntryID   int
)

const (
	NoMessage MessageID = -1
	NoJob     JobID     = -1
	NoPeer    PeerID    = -1
	NoEntry   EntryID   = -1
)

// StackLevel mirrors QMGR_JOB.stack_level: 0 means the job sits on
// job_list only (regular service), a positive value is its depth on
// job_stack (it is linked into *both* job_list and job_stack while
// preempting), and -1 means retired — unlinked from job_list entirely,
// kept only so the message it still owes recipients to can find it again
// via JobObtain.
const (
	StackLevelRegular = 0
	StackLevelRetired = -1
)

// Message is the arena record for one queued message (§3 Data Model).
type Message struct {
	QueueID    string
	QueuedTime time.Time

	// RcptLimit is the in-core recipient reservation; RcptCount is how
	// many of those are actually held right now; RcptUnread is how many
	// recipients this message still has unread on disk — MAX_ENTRIES
	// uses it, since a job can't promise more entries than its message
	// could eventually supply.
	RcptLimit  int
	RcptCount  int
	RcptUnread int

	// RcptOffset is nonzero while recipients remain on disk unread,
	// mirroring message->rcpt_offset in the original.
	RcptOffset int64

	live bool
}

// Entry is one scheduled delivery attempt: a message, a recipient subset
// size, and a back-link to the Peer it belongs to.
type Entry struct {
	Message    MessageID
	Peer       PeerID
	RcptCount  int
	onBusyList bool

	live bool
}

// Peer is one Job crossed with one destination queue name; it owns the
// entries of that job bound for that destination.
type Peer struct {
	Job         JobID
	Destination string

	Todo []EntryID
	Busy []EntryID

	live bool
}

// Job is a (message, transport) pair; it owns peers and entries for that
// combination and is linked into its transport's job_list, and while
// preempting, additionally into job_stack.
type Job struct {
	Message    MessageID
	Transport  string
	QueuedTime time.Time

	StackLevel int // 0 = list only, >0 = also on stack at this depth, -1 = retired

	PeerByName map[string]PeerID
	PeerList   []PeerID

	// SlotsUsed/SlotsAvailable are qmgr_job_count_slots' delivery-slot
	// counters, maintained only once the job starts regular delivery or
	// is itself the current job (see countSlots).
	SlotsUsed      int
	SlotsAvailable int

	SelectedEntries int // entries handed to a delivery agent so far
	ReadEntries     int // entries read in from disk so far (in-core total)

	RcptCount int
	RcptLimit int

	live bool
}
