package smtpd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		BareLFAction:      ActionIgnore,
		NonSMTPAction:     ActionEnforce,
		PipeliningAction:  ActionEnforce,
		MinTTL:            1 * time.Second,
		BareLFTTL:         10 * time.Second,
		NonSMTPTTL:        10 * time.Second,
		PipeliningTTL:     10 * time.Second,
		CommandCountLimit: 20,
		MaxLineLength:     2048,
		ServerName:        "mail.example.com",
	}
}

// TestPostscreenPipeliningEnforce verifies that a client which pipelines
// MAIL/RCPT right behind its EHLO, without waiting for the EHLO reply,
// fails the pipelining test and is enforced for the rest of the session.
func TestPostscreenPipeliningEnforce(t *testing.T) {
	s := NewSession(testConfig(), true, true, true)

	// All three lines arrive in one write, so by the time EHLO's reply
	// has been produced, MAIL and RCPT are already sitting in the
	// buffer — the signature the pipelining test looks for.
	in := strings.NewReader("EHLO pipeliner\r\nMAIL FROM:<a@x>\r\nRCPT TO:<b@y>\r\n")
	var out bytes.Buffer

	err := Run(context.Background(), s, in, &out)
	if err == nil {
		t.Fatal("Run should return an error once the input is exhausted")
	}

	if !s.Pipelining.Fail {
		t.Fatal("pipelining test should have failed")
	}
	if s.Pipelining.Pass {
		t.Fatal("pipelining PASS must be cleared once the test fails")
	}
	if !s.Enforced {
		t.Fatal("ENFORCE action should have latched the session as enforced")
	}

	reply := out.String()
	if !strings.Contains(reply, replyEnforce) {
		t.Fatalf("expected the enforcement reply to appear, got: %q", reply)
	}
	// The enforcement reply must be the one sent for RCPT, not the normal
	// 250 a well-behaved RCPT would get.
	if !strings.HasSuffix(reply, replyEnforce) {
		t.Fatalf("expected the RCPT reply to be the enforcement reply, got: %q", reply)
	}
}

// TestBareLFIgnoreWhitelistsTemporarily checks Open Question #3's
// preserved ordering: an IGNORE action un-fails the test, awards a
// pass, and stamps a forgiveness window of MinTTL even though the test
// had just failed moments before.
func TestBareLFIgnoreWhitelistsTemporarily(t *testing.T) {
	s := NewSession(testConfig(), true, false, false)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	in := strings.NewReader("NOOP\n")
	var out bytes.Buffer

	_ = Run(context.Background(), s, in, &out)

	if s.BareLF.Fail {
		t.Fatal("IGNORE must leave the test un-failed")
	}
	if !s.BareLF.Pass {
		t.Fatal("IGNORE must award a temporary pass")
	}
	if !s.BareLF.Skip {
		t.Fatal("the test must still be permanently skipped for the rest of the session")
	}
	if !s.BareLFStamp.Equal(now.Add(testConfig().MinTTL)) {
		t.Fatalf("BareLFStamp = %v, want now+MinTTL = %v", s.BareLFStamp, now.Add(testConfig().MinTTL))
	}
}

// TestRcptAwardsPassBeforeAnyFailure checks the generic pass-at-RCPT
// path for a client that never trips any test.
func TestRcptAwardsPassBeforeAnyFailure(t *testing.T) {
	s := NewSession(testConfig(), true, true, true)
	in := strings.NewReader("EHLO good\r\nMAIL FROM:<a>\r\n")
	var out bytes.Buffer
	_ = Run(context.Background(), s, in, &out)
	// RCPT never sent in this transcript, so no test has a recorded
	// pass yet — PendingOutcome should still hold for all three.
	if !s.NonSMTP.PendingOutcome() {
		t.Fatal("non-SMTP test should still be pending without an RCPT")
	}

	s2 := NewSession(testConfig(), true, true, true)
	in2 := strings.NewReader("EHLO good\r\nMAIL FROM:<a>\r\nRCPT TO:<b>\r\n")
	var out2 bytes.Buffer
	_ = Run(context.Background(), s2, in2, &out2)
	if !s2.NonSMTP.Pass {
		t.Fatal("non-SMTP test should be passed once RCPT is reached cleanly")
	}
}
