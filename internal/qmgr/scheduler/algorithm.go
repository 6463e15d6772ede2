package scheduler

import "time"

// This file ports qmgr_job_candidate/qmgr_job_preempt/qmgr_job_pop/
// qmgr_job_retire/qmgr_job_move_limits/qmgr_job_entry_select from
// original_source/postfix/nqmgr/qmgr_job.c. Variable names mirror the C
// source (current, candidate, delay, score, max_slots, rcpt_slots) rather
// than being renamed for Go house style, since the whole point of this
// package is to stay checkable line-for-line against that source.

// moveLimits implements qmgr_job_move_limits: unused recipient slots held
// by job go back to the transport pool, then the whole pool moves forward
// onto job_next_unread (and through it, that job's message), so a
// not-yet-fully-read job always has first claim on spare capacity.
func (s *Scheduler) moveLimits(t *Transport, id JobID) {
	job := &s.jobs[id]
	msg := &s.messages[job.Message]

	next := t.jobNextUnread
	if next != nil && next.Value.(JobID) == id {
		e := next.Next()
		for e != nil {
			if s.messages[s.jobs[e.Value.(JobID)].Message].RcptOffset != 0 {
				break
			}
			e = e.Next()
		}
		t.jobNextUnread = e
		next = e
	}

	rcptUnused := job.RcptLimit - job.RcptCount
	if msgUnused := msg.RcptLimit - msg.RcptCount; msgUnused < rcptUnused {
		rcptUnused = msgUnused
	}

	if rcptUnused > 0 {
		job.RcptLimit -= rcptUnused
		msg.RcptLimit -= rcptUnused
		t.RcptUnused += rcptUnused
		if next != nil && t.RcptUnused > 0 {
			nj := &s.jobs[next.Value.(JobID)]
			nj.RcptLimit += t.RcptUnused
			s.messages[nj.Message].RcptLimit += t.RcptUnused
			t.RcptUnused = 0
		}
	}
}

// JobRetire implements qmgr_job_retire: unlink a non-stacked job from
// job_list because its in-core entries are exhausted but its message still
// has recipients on disk. It stays findable via JobObtain, which will
// re-link it once more recipients are read in.
func (s *Scheduler) JobRetire(t *Transport, id JobID) {
	s.moveLimits(t, id)

	front := t.jobList.Front()
	wasCandidate := t.candidateValid && t.candidateJob == id
	wasBareHead := len(t.jobStack) == 0 && front != nil && front.Value.(JobID) == id
	if wasCandidate || wasBareHead {
		t.candidateValid = false
	}

	for e := t.jobList.Front(); e != nil; e = e.Next() {
		if e.Value.(JobID) == id {
			t.jobList.Remove(e)
			break
		}
	}
	s.jobs[id].StackLevel = StackLevelRetired
}

// JobFree releases a job's arena slot once its message has no more
// recipients anywhere. Any remaining stack membership is popped and any
// remaining recipient slots are returned to the pool first.
func (s *Scheduler) JobFree(transport string, id JobID) {
	t := s.Transport(transport)
	if s.jobs[id].StackLevel > StackLevelRegular {
		s.jobPop(t, id)
	}
	s.moveLimits(t, id)

	if t.candidateValid && t.candidateJob == id {
		t.candidateValid = false
	}
	delete(t.jobByName, s.messages[s.jobs[id].Message].QueueID)

	s.jobs[id] = Job{}
	s.freeJobs = append(s.freeJobs, id)
}

// jobCandidate implements qmgr_job_candidate: find the best job on
// job_list eligible to preempt current. Negative results are cached too,
// so the cache is invalidated by resetting candidateValid, never by
// clearing candidateJob alone.
//
// Preserved as in the original: the scan compares "delay" (raw seconds
// since queued) directly against "best_score" (a seconds-per-entry ratio)
// for its early-exit test, mixing units. That is how qmgr_job_candidate
// has always worked and deployments are tuned around it; see the design
// notes before "fixing" it.
func (s *Scheduler) jobCandidate(t *Transport, current JobID) JobID {
	now := s.Now()
	if t.candidateValid && t.candidateTime.Truncate(time.Second).Equal(now.Truncate(time.Second)) {
		return t.candidateJob
	}

	cur := &s.jobs[current]
	maxSlots := (s.minEntries(current) - cur.SelectedEntries + cur.SlotsAvailable) / t.SlotCost

	best := NoJob
	bestScore := 0.0

	if maxSlots > 0 {
		for e := t.jobList.Front(); e != nil; e = e.Next() {
			id := e.Value.(JobID)
			if id == current {
				continue
			}
			j := &s.jobs[id]
			if j.StackLevel != StackLevelRegular {
				continue
			}

			maxTotal := s.maxEntries(id)
			maxNeeded := maxTotal - j.SelectedEntries
			delay := now.Sub(j.QueuedTime).Seconds() + 1

			if maxNeeded > 0 && maxNeeded <= maxSlots {
				if maxTotal <= 0 {
					maxTotal = 1
				}
				score := delay / float64(maxTotal)
				if score > bestScore {
					bestScore = score
					best = id
				}
			}

			if delay <= bestScore {
				break
			}
		}
	}

	t.candidateJob = best
	t.candidateValid = true
	t.candidateTime = now
	return best
}

// jobPreempt implements qmgr_job_preempt: accept a smaller, newer job
// ahead of the current one when the current job has accumulated enough
// slack (plus the slot_loan advance) to cover the candidate's discounted
// demand. The loan moves preemption earlier in time; it never reduces how
// many slots the candidate eventually has to earn.
func (s *Scheduler) jobPreempt(t *Transport, current JobID) JobID {
	cur := &s.jobs[current]
	if cur.SlotsAvailable <= 0 || s.maxEntries(current) < t.MinSlots*t.SlotCost {
		return current
	}

	candidate := s.jobCandidate(t, current)
	if candidate == NoJob {
		return current
	}
	cand := &s.jobs[candidate]

	if float64(cur.SlotsAvailable)/float64(t.SlotCost)+float64(t.SlotLoan) <
		float64(s.maxEntries(candidate)-cand.SelectedEntries)*float64(t.SlotLoanFactor)/100.0 {
		return current
	}

	t.jobStack = append(t.jobStack, candidate)
	cand.StackLevel = cur.StackLevel + 1

	msg := &s.messages[cand.Message]
	if msg.RcptOffset != 0 {
		rcptSlots := (t.RcptPerStack + t.RcptUnused + 1) / 2
		cand.RcptLimit += rcptSlots
		msg.RcptLimit += rcptSlots
		t.RcptUnused -= rcptSlots
	}

	t.candidateValid = false
	return candidate
}

// jobPop implements qmgr_job_pop: unlink the top of job_stack, debiting
// its consumed slots from whichever job is now/still its preemption
// parent (only if that parent hasn't itself already finished and been
// replaced), and reset the popped job's own slot counters.
func (s *Scheduler) jobPop(t *Transport, job JobID) {
	n := len(t.jobStack)

	parent := NoJob
	if n >= 2 {
		parent = t.jobStack[n-2]
	} else if front := t.jobList.Front(); front != nil {
		if fid := front.Value.(JobID); s.jobs[fid].SlotsUsed > 0 {
			parent = fid
		}
	}

	j := &s.jobs[job]
	if parent != NoJob && j.StackLevel == s.jobs[parent].StackLevel+1 {
		s.jobs[parent].SlotsAvailable -= j.SlotsUsed * t.SlotCost
	}

	if n > 0 && t.jobStack[n-1] == job {
		t.candidateValid = false
	}

	for i, id := range t.jobStack {
		if id == job {
			t.jobStack = append(t.jobStack[:i], t.jobStack[i+1:]...)
			break
		}
	}

	j.StackLevel = StackLevelRegular
	j.SlotsUsed = 0
	j.SlotsAvailable = 0
}

// countSlots implements qmgr_job_count_slots: delivery slots are only
// counted for the job that is (or has already started being) in regular
// service, so a job that hasn't delivered anything yet can't rack up
// preemption credit purely from a single stray selection.
func (s *Scheduler) countSlots(current, job JobID) {
	j := &s.jobs[job]
	if job == current || j.SlotsUsed > 0 {
		j.SlotsUsed++
		j.SlotsAvailable++
	}
}

// peerSelect picks a peer of job with a ready (non-empty Todo) entry,
// preserving the job's peer insertion order.
func (s *Scheduler) peerSelect(job JobID) PeerID {
	for _, pid := range s.jobs[job].PeerList {
		if len(s.peers[pid].Todo) > 0 {
			return pid
		}
	}
	return NoPeer
}

// jobPeerSelect implements qmgr_job_peer_select: pick a ready peer among
// the job's in-core entries. The original additionally reads more
// recipients off disk here once in-core entries run out, as long as the
// message still has some on disk and the job's own rcpt_limit allows it;
// that refill is the on-disk queue reader's job (internal/qmgr/diskqueue),
// not this package's, so here a job with no in-core entries simply stalls
// until entry_select's retire path moves it aside.
func (s *Scheduler) jobPeerSelect(job JobID) PeerID {
	if s.jobHasEntries(job) {
		return s.peerSelect(job)
	}
	return NoPeer
}

// selectEntry pops the oldest ready entry off peer's Todo list onto its
// Busy list and marks it selected against its owning job.
func (s *Scheduler) selectEntry(peer PeerID) EntryID {
	p := &s.peers[peer]
	id := p.Todo[0]
	p.Todo = p.Todo[1:]
	p.Busy = append(p.Busy, id)
	s.entries[id].onBusyList = true
	s.jobs[p.Job].SelectedEntries++
	return id
}

// EntrySelect implements qmgr_job_entry_select: find the next entry ready
// for delivery on transport, exercising the preemption algorithm and
// retiring stalled jobs along the way. Returns NoEntry if nothing on
// either the stack or the list is currently deliverable.
func (s *Scheduler) EntrySelect(transport string) EntryID {
	t := s.Transport(transport)

	current := NoJob
	if n := len(t.jobStack); n > 0 {
		current = t.jobStack[n-1]
	} else if front := t.jobList.Front(); front != nil {
		current = front.Value.(JobID)
	}
	if current == NoJob {
		return NoEntry
	}

	// slot_cost == 1 degenerates the preemption math (every job "costs"
	// the same regardless of size), so it's skipped same as upstream.
	if t.SlotCost >= 2 {
		current = s.jobPreempt(t, current)
	}

	stackSnapshot := append([]JobID(nil), t.jobStack...)
	for i := len(stackSnapshot) - 1; i >= 0; i-- {
		job := stackSnapshot[i]
		if peer := s.jobPeerSelect(job); peer != NoPeer {
			entry := s.selectEntry(peer)
			s.countSlots(current, job)
			if !s.jobHasEntries(job) && s.messages[s.jobs[job].Message].RcptOffset == 0 {
				s.jobPop(t, job)
				s.JobRetire(t, job)
			}
			return entry
		} else if job == current && !s.jobHasEntries(job) {
			s.jobPop(t, job)
			s.JobRetire(t, job)
			switch {
			case i > 0:
				current = stackSnapshot[i-1]
			default:
				current = NoJob
				if front := t.jobList.Front(); front != nil {
					current = front.Value.(JobID)
				}
			}
		}
	}

	for e := t.jobList.Front(); e != nil; {
		job := e.Value.(JobID)
		next := e.Next()

		if s.jobs[job].StackLevel != StackLevelRegular {
			e = next
			continue
		}

		if peer := s.jobPeerSelect(job); peer != NoPeer {
			entry := s.selectEntry(peer)
			s.countSlots(current, job)
			if !s.jobHasEntries(job) && s.messages[s.jobs[job].Message].RcptOffset == 0 {
				s.JobRetire(t, job)
			}
			return entry
		} else if job == current && !s.jobHasEntries(job) {
			s.JobRetire(t, job)
			current = NoJob
			if next != nil {
				current = next.Value.(JobID)
			}
		}

		e = next
	}

	return NoEntry
}

// JobCandidate is the exported, test-suite-hook form of jobCandidate (see
// "Test-suite hooks" — a pure entry point named candidate/score_update in
// spirit): given the transport and its currently active job, it returns
// the best preemption candidate, or NoJob.
func (s *Scheduler) JobCandidate(transport string, current JobID) JobID {
	return s.jobCandidate(s.Transport(transport), current)
}

// JobPreempt is the exported form of jobPreempt, used directly by tests
// exercising the acceptance arithmetic without going through EntrySelect.
func (s *Scheduler) JobPreempt(transport string, current JobID) JobID {
	return s.jobPreempt(s.Transport(transport), current)
}

// PendingJobs reports every job currently linked into transport's job_list
// (oldest queued_time first); used by diagnostics and tests, not the hot
// delivery path.
func (s *Scheduler) PendingJobs(transport string) []JobID {
	t := s.Transport(transport)
	var out []JobID
	for e := t.jobList.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(JobID))
	}
	return out
}
