package scheduler

import (
	"container/list"
	"time"
)

// Transport holds the per-transport scheduling state named in §3: the
// regular job_list (ordered by queued time), the preemption job_stack,
// the job_next_unread cursor, the candidate cache, and the shared
// recipient-slot pool rcpt_unused.
type Transport struct {
	Name string

	SlotCost       int
	SlotLoan       int
	SlotLoanFactor int // percent, e.g. 50 means 50%
	MinSlots       int
	RcptPerStack   int

	jobList   *list.List // of JobID, ordered by queued_time
	jobStack  []JobID    // LIFO: last element is the top
	jobByName map[string]JobID

	jobNextUnread *list.Element // cursor into jobList

	RcptUnused int

	candidateValid bool
	candidateJob   JobID
	candidateTime  time.Time
}

func NewTransport(name string) *Transport {
	return &Transport{
		Name:      name,
		jobList:   list.New(),
		jobByName: make(map[string]JobID),
		candidateJob: NoJob,
	}
}

// Scheduler owns the arenas for Message/Job/Peer/Entry and one Transport
// per configured transport name.
type Scheduler struct {
	messages []Message
	jobs     []Job
	peers    []Peer
	entries  []Entry

	freeMessages []MessageID
	freeJobs     []JobID
	freePeers    []PeerID
	freeEntries  []EntryID

	transports map[string]*Transport

	// Now is overridable so tests can control "event_time()" without
	// sleeping.
	Now func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		transports: make(map[string]*Transport),
		Now:        time.Now,
	}
}

func (s *Scheduler) Transport(name string) *Transport {
	t, ok := s.transports[name]
	if !ok {
		t = NewTransport(name)
		s.transports[name] = t
	}
	return t
}

// --- arena allocation -------------------------------------------------

func (s *Scheduler) NewMessage(m Message) MessageID {
	m.live = true
	if n := len(s.freeMessages); n > 0 {
		id := s.freeMessages[n-1]
		s.freeMessages = s.freeMessages[:n-1]
		s.messages[id] = m
		return id
	}
	s.messages = append(s.messages, m)
	return MessageID(len(s.messages) - 1)
}

func (s *Scheduler) Message(id MessageID) *Message { return &s.messages[id] }

func (s *Scheduler) FreeMessage(id MessageID) {
	s.messages[id] = Message{}
	s.freeMessages = append(s.freeMessages, id)
}

func (s *Scheduler) newPeer(p Peer) PeerID {
	p.live = true
	if n := len(s.freePeers); n > 0 {
		id := s.freePeers[n-1]
		s.freePeers = s.freePeers[:n-1]
		s.peers[id] = p
		return id
	}
	s.peers = append(s.peers, p)
	return PeerID(len(s.peers) - 1)
}

func (s *Scheduler) Peer(id PeerID) *Peer { return &s.peers[id] }

func (s *Scheduler) newEntry(e Entry) EntryID {
	e.live = true
	if n := len(s.freeEntries); n > 0 {
		id := s.freeEntries[n-1]
		s.freeEntries = s.freeEntries[:n-1]
		s.entries[id] = e
		return id
	}
	s.entries = append(s.entries, e)
	return EntryID(len(s.entries) - 1)
}

func (s *Scheduler) Entry(id EntryID) *Entry { return &s.entries[id] }

func (s *Scheduler) freeEntryID(id EntryID) {
	s.entries[id] = Entry{}
	s.freeEntries = append(s.freeEntries, id)
}

func (s *Scheduler) Job(id JobID) *Job { return &s.jobs[id] }

// --- job lifecycle: create, link, find, obtain -----------------------

func (s *Scheduler) jobCreate(msg MessageID, transport string) JobID {
	j := Job{
		Message:    msg,
		Transport:  transport,
		QueuedTime: s.messages[msg].QueuedTime,
		PeerByName: make(map[string]PeerID),
		StackLevel: StackLevelRegular,
		live:       true,
	}

	var id JobID
	if n := len(s.freeJobs); n > 0 {
		id = s.freeJobs[n-1]
		s.freeJobs = s.freeJobs[:n-1]
		s.jobs[id] = j
	} else {
		s.jobs = append(s.jobs, j)
		id = JobID(len(s.jobs) - 1)
	}
	return id
}

// jobLink implements qmgr_job_link: insert id into t.jobList at the
// position its message's queued_time calls for, taking care not to insert
// ahead of a head job that has already started regular delivery, updating
// job_next_unread, and handing the new job whatever slack is sitting in
// rcpt_unused.
func (s *Scheduler) jobLink(t *Transport, id JobID) {
	job := &s.jobs[id]
	msg := &s.messages[job.Message]

	unread := t.jobNextUnread

	var prev, next *list.Element
	for e := t.jobList.Back(); e != nil; e = e.Prev() {
		pj := &s.jobs[e.Value.(JobID)]
		if !msg.QueuedTime.Before(pj.QueuedTime) {
			prev = e
			break
		}
		if unread == e {
			unread = nil
		}
		next = e
	}

	if prev == nil && next != nil && s.jobs[next.Value.(JobID)].SlotsUsed != 0 {
		prev = next
		next = next.Next()
		if prev == t.jobNextUnread {
			unread = prev
		}
	}

	var elem *list.Element
	switch {
	case prev != nil:
		elem = t.jobList.InsertAfter(id, prev)
	case next != nil:
		elem = t.jobList.InsertBefore(id, next)
	default:
		elem = t.jobList.PushBack(id)
	}

	if unread == nil {
		oldUnread := t.jobNextUnread
		t.jobNextUnread = elem
		if oldUnread != nil {
			s.moveLimits(t, oldUnread.Value.(JobID))
		}
	}

	if t.RcptUnused > 0 {
		job.RcptLimit += t.RcptUnused
		msg.RcptLimit += t.RcptUnused
		t.RcptUnused = 0
	}
}

// JobFind returns the job registered under the message's queue ID on
// transport, or NoJob.
func (s *Scheduler) JobFind(transport string, msg MessageID) JobID {
	t := s.Transport(transport)
	if id, ok := t.jobByName[s.messages[msg].QueueID]; ok {
		return id
	}
	return NoJob
}

// JobObtain implements qmgr_job_obtain: find-or-create the job for
// (msg, transport), reviving it via jobLink if it had been retired, and
// always invalidating the candidate cache since the job is now expecting
// more recipients.
func (s *Scheduler) JobObtain(transport string, msg MessageID) JobID {
	t := s.Transport(transport)

	id := s.JobFind(transport, msg)
	if id != NoJob {
		if s.jobs[id].StackLevel == StackLevelRetired {
			s.jobs[id].StackLevel = StackLevelRegular
			s.jobLink(t, id)
		}
	} else {
		id = s.jobCreate(msg, transport)
		s.jobLink(t, id)
		t.jobByName[s.messages[msg].QueueID] = id
	}

	t.candidateValid = false
	return id
}

// --- peer / entry creation -------------------------------------------

func (s *Scheduler) PeerObtain(job JobID, destination string) PeerID {
	j := &s.jobs[job]
	if id, ok := j.PeerByName[destination]; ok {
		return id
	}
	id := s.newPeer(Peer{Job: job, Destination: destination})
	j.PeerByName[destination] = id
	j.PeerList = append(j.PeerList, id)
	return id
}

// EntryCreate adds a new todo entry of rcptCount recipients to peer, and
// bumps the owning job's ReadEntries counter (this entry is now in-core).
func (s *Scheduler) EntryCreate(peer PeerID, rcptCount int) EntryID {
	p := &s.peers[peer]
	id := s.newEntry(Entry{Message: s.jobs[p.Job].Message, Peer: peer, RcptCount: rcptCount})
	p.Todo = append(p.Todo, id)

	j := &s.jobs[p.Job]
	j.ReadEntries++
	return id
}

// --- recipient-slot bookkeeping shared by algorithm.go ---------------

// minEntries is MIN_ENTRIES(job): an underestimate of how many delivery
// slots this job will ever need, deliberately conservative because the
// message's remaining on-disk recipients might not all belong to this
// transport.
func (s *Scheduler) minEntries(id JobID) int {
	return s.jobs[id].ReadEntries
}

// maxEntries is MAX_ENTRIES(job): read_entries plus the message's
// still-unread-on-disk recipients, an upper bound useful for "could this
// job ever grow past X" tests.
func (s *Scheduler) maxEntries(id JobID) int {
	j := &s.jobs[id]
	return j.ReadEntries + s.messages[j.Message].RcptUnread
}

func (s *Scheduler) jobHasEntries(id JobID) bool {
	j := &s.jobs[id]
	return j.SelectedEntries < j.ReadEntries
}
