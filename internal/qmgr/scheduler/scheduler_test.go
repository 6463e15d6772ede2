package scheduler

import (
	"testing"
	"time"
)

// fixedNow pins Scheduler.Now so queued_time arithmetic in jobCandidate is
// deterministic.
func fixedNow(s *Scheduler, t time.Time) {
	s.Now = func() time.Time { return t }
}

// newBareJob creates a message+job pair with the given MAX_ENTRIES profile
// (read_entries and the message's unread-on-disk count) without linking it
// into any transport list — used to build up Job/Message state directly
// for algorithm-level tests that don't want to go through JobObtain's
// linking dance.
func newBareJob(s *Scheduler, transport string, queuedAgo time.Duration, readEntries, rcptUnread int) JobID {
	now := s.Now()
	msg := s.NewMessage(Message{
		QueueID:    "Q",
		QueuedTime: now.Add(-queuedAgo),
		RcptUnread: rcptUnread,
	})
	id := s.jobCreate(msg, transport)
	j := s.Job(id)
	j.ReadEntries = readEntries
	return id
}

// TestSchedulerPreemptsLargeJobWithDiscountedSmallJob verifies that a
// small, recently-queued candidate job preempts a much larger current
// job once the slot_loan-discounted acceptance test passes.
func TestSchedulerPreemptsLargeJobWithDiscountedSmallJob(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(s, now)

	const transport = "smtp"
	tr := s.Transport(transport)
	tr.SlotCost = 5
	tr.SlotLoan = 3
	tr.SlotLoanFactor = 50
	tr.MinSlots = 1

	// Current job C: MAX_ENTRIES = 50 means read_entries + rcpt_unread = 50;
	// pick read_entries = 50, rcpt_unread = 0 so MAX_ENTRIES(C) == 50.
	current := newBareJob(s, transport, 0, 50, 0)
	cj := s.Job(current)
	cj.SelectedEntries = 10
	cj.SlotsAvailable = 20

	// Candidate J: MAX_ENTRIES = 6, selected = 0, queued 10s ago. Split as
	// read_entries=6, rcpt_unread=0 so MAX_ENTRIES(J) == 6, and it must have
	// at least one ready (selectable) entry to be a real candidate.
	candidate := newBareJob(s, transport, 10*time.Second, 6, 0)

	// Link both into job_list in queued-time order (C "now", J 10s earlier)
	// the way jobLink would, bypassing JobObtain's queue-ID bookkeeping
	// since these bare jobs were built directly.
	s.jobLink(tr, candidate)
	s.jobLink(tr, current)

	got := s.JobCandidate(transport, current)
	if got != candidate {
		t.Fatalf("JobCandidate = %v, want candidate job %v", got, candidate)
	}

	preempted := s.JobPreempt(transport, current)
	if preempted != candidate {
		t.Fatalf("JobPreempt = %v, want J (%v) to preempt C (%v)", preempted, candidate, current)
	}

	if s.Job(candidate).StackLevel != 1 {
		t.Fatalf("candidate.StackLevel = %d, want 1", s.Job(candidate).StackLevel)
	}
	if len(tr.jobStack) != 1 || tr.jobStack[0] != candidate {
		t.Fatalf("job_stack = %v, want [%v]", tr.jobStack, candidate)
	}
	if tr.candidateValid {
		t.Fatal("candidate cache should be invalidated after a successful preemption")
	}
}

// TestJobPreemptRejectsWhenDiscountExceedsBudget checks the negative case
// of the same acceptance test: a candidate demanding more than
// slots_available/slot_cost + slot_loan (after the slot_loan_factor
// discount) must not preempt.
func TestJobPreemptRejectsWhenDiscountExceedsBudget(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(s, now)

	const transport = "smtp"
	tr := s.Transport(transport)
	tr.SlotCost = 5
	tr.SlotLoan = 0
	tr.SlotLoanFactor = 1000 // exaggerated so the candidate clears job_candidate's
	// own max_slots filter but still fails the final acceptance inequality
	tr.MinSlots = 1

	current := newBareJob(s, transport, 0, 50, 0)
	cj := s.Job(current)
	cj.SelectedEntries = 10
	cj.SlotsAvailable = 5

	candidate := newBareJob(s, transport, 10*time.Second, 6, 0)

	s.jobLink(tr, candidate)
	s.jobLink(tr, current)

	got := s.JobPreempt(transport, current)
	if got != current {
		t.Fatalf("JobPreempt = %v, want no preemption (stay on %v)", got, current)
	}
	if len(tr.jobStack) != 0 {
		t.Fatalf("job_stack = %v, want empty", tr.jobStack)
	}
}

// TestEntrySelectRoundRobinsPeers exercises entry_select end to end: two
// peers on the same job each get one delivery before either is revisited,
// and a job with an empty Todo and no on-disk recipients retires itself.
func TestEntrySelectRoundRobinsPeers(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(s, now)

	const transport = "smtp"

	msg := s.NewMessage(Message{QueueID: "ABC123", QueuedTime: now})
	job := s.JobObtain(transport, msg)

	peerA := s.PeerObtain(job, "a.example.com")
	peerB := s.PeerObtain(job, "b.example.com")

	entryA := s.EntryCreate(peerA, 1)
	entryB := s.EntryCreate(peerB, 1)

	first := s.EntrySelect(transport)
	if first != entryA {
		t.Fatalf("first EntrySelect = %v, want peer A's entry %v", first, entryA)
	}

	second := s.EntrySelect(transport)
	if second != entryB {
		t.Fatalf("second EntrySelect = %v, want peer B's entry %v", second, entryB)
	}

	// No more in-core entries and the message has no unread recipients on
	// disk (RcptOffset == 0): the job must have retired itself.
	if s.Job(job).StackLevel != StackLevelRetired {
		t.Fatalf("job.StackLevel = %d, want retired (%d)", s.Job(job).StackLevel, StackLevelRetired)
	}

	if got := s.EntrySelect(transport); got != NoEntry {
		t.Fatalf("EntrySelect on drained transport = %v, want NoEntry", got)
	}
}

// TestMoveLimitsConservesRecipientSlots checks the rcpt_unused
// conservation invariant: slots freed by one job either land back in
// transport.RcptUnused or pass straight through to job_next_unread's
// message, never vanishing or duplicating.
func TestMoveLimitsConservesRecipientSlots(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fixedNow(s, now)

	const transport = "smtp"
	tr := s.Transport(transport)

	msgDone := s.NewMessage(Message{QueueID: "DONE", QueuedTime: now, RcptLimit: 5, RcptCount: 2})
	jobDone := s.jobCreate(msgDone, transport)
	s.jobLink(tr, jobDone)
	s.Job(jobDone).RcptLimit = 5
	s.Job(jobDone).RcptCount = 2

	msgWaiting := s.NewMessage(Message{
		QueueID:    "WAIT",
		QueuedTime: now.Add(time.Second),
		RcptOffset: 1, // still has recipients on disk
		RcptLimit:  1,
		RcptCount:  0,
	})
	jobWaiting := s.jobCreate(msgWaiting, transport)
	s.jobLink(tr, jobWaiting)
	s.Job(jobWaiting).RcptLimit = 1

	before := tr.RcptUnused + s.Job(jobDone).RcptLimit + s.Job(jobWaiting).RcptLimit

	s.moveLimits(tr, jobDone)

	after := tr.RcptUnused + s.Job(jobDone).RcptLimit + s.Job(jobWaiting).RcptLimit
	if after != before {
		t.Fatalf("total recipient slots changed: before=%d after=%d", before, after)
	}
	if s.Job(jobDone).RcptLimit != 2 {
		t.Fatalf("jobDone.RcptLimit = %d, want 2 (== RcptCount, unused reclaimed)", s.Job(jobDone).RcptLimit)
	}
}
