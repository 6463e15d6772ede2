// Package smtpd implements postscreen's dummy SMTP engine: a protocol-only
// responder that never announces PIPELINING, so any client that sends
// commands ahead of their replies outs itself as a bot. It also runs the
// bare-newline, non-SMTP-command and command-pipelining tests and decides
// whether a misbehaving client gets dropped, enforced against, or
// temporarily forgiven.
//
// Grounded on original_source/postfix/src/postscreen/postscreen_smtpd.c.
package smtpd

import "time"

// Action is what a triggered test does to the session: close it outright,
// reject everything for the rest of the session, or forgive it for a
// limited time.
type Action int

const (
	ActionDrop Action = iota
	ActionEnforce
	ActionIgnore
)

// TestState is the TODO/PASS/FAIL/SKIP flag quadruple kept per test
// (bare-LF, non-SMTP-command, pipelining). TODO means the test is armed; PASS/FAIL record its one-time outcome;
// SKIP, once set, suppresses the test for the rest of the session even
// though TODO remains set (TODO & !SKIP is the "still armed" condition).
type TestState struct {
	Todo bool
	Pass bool
	Fail bool
	Skip bool
}

// Armed reports whether this test should still run: it must be wanted in
// the first place and not have already been permanently skipped.
func (t *TestState) Armed() bool {
	return t.Todo && !t.Skip
}

// PendingOutcome reports whether the test is armed but hasn't recorded a
// pass or fail yet — the condition Dispatch's RCPT TO handling checks
// before awarding a pass for merely surviving that far.
func (t *TestState) PendingOutcome() bool {
	return t.Todo && !t.Pass && !t.Fail
}

// PassAtRcpt awards a pass once the session reaches RCPT TO without
// having already failed or passed this test, and stamps its expiry.
func (t *TestState) PassAtRcpt(now time.Time, ttl time.Duration) (stamp time.Time, awarded bool) {
	if !t.PendingOutcome() {
		return time.Time{}, false
	}
	t.Pass = true
	return now.Add(ttl), true
}

// Trigger records a failure, permanently skips the test for the rest of
// the session, and applies action. It returns the reply the caller must
// send (DROP and ENFORCE both carry one), whether the caller must close
// the connection (DROP), and the new stamp to record (IGNORE only).
type TriggerResult struct {
	Reply      string
	MustClose  bool
	NewStamp   time.Time
	StampValid bool
}

func (t *TestState) Trigger(action Action, now time.Time, minTTL time.Duration, dropReply, enforceReply string) TriggerResult {
	t.Fail = true
	t.Pass = false
	t.Skip = true

	switch action {
	case ActionDrop:
		return TriggerResult{Reply: dropReply, MustClose: true}
	case ActionEnforce:
		return TriggerResult{Reply: enforceReply}
	case ActionIgnore:
		t.Fail = false
		t.Pass = true
		return TriggerResult{NewStamp: now.Add(minTTL), StampValid: true}
	default:
		panic("smtpd: unknown test action")
	}
}
