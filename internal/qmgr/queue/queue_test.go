package queue

import (
	"testing"
	"time"
)

func testTransport() *TransportConfig {
	return &TransportConfig{
		InitDestConcurrency:  5,
		DestConcurrencyLimit: 20,
		PosFeedback:          FeedbackFixed1,
		NegFeedback:          FeedbackFixed1,
		PosHysteresis:        1,
		NegHysteresis:        1,
		SacCohorts:           4,
		MinBackoffTime:       time.Hour, // long enough the test timer never fires
	}
}

// TestThrottleFixed1DecrementsWindowByOne checks the simplest feedback
// method: with PosHysteresis/NegHysteresis == 1 and Fixed1 feedback,
// one Throttle call lowers Window by exactly one hysteresis step.
func TestThrottleFixed1DecrementsWindowByOne(t *testing.T) {
	tr := testTransport()
	q := New(tr, "dest", "dest")
	if q.Window != 5 {
		t.Fatalf("initial window = %d, want 5", q.Window)
	}

	q.Throttle(DSN{Status: "4.0.0", Reason: "timeout"})

	if q.Window != 4 {
		t.Fatalf("window after one throttle = %d, want 4", q.Window)
	}
	if q.FailCohorts != 0.2 {
		t.Fatalf("fail_cohorts = %v, want 0.2 (1/window, computed against the pre-adjustment window of 5)", q.FailCohorts)
	}
}

// TestThrottleDeclaresDeadAfterSacCohorts checks the cohort-failure
// trip: enough consecutive throttles to accumulate SacCohorts worth
// of 1/window failures must zero the window and arm a DSN.
func TestThrottleDeclaresDeadAfterSacCohorts(t *testing.T) {
	tr := testTransport()
	tr.SacCohorts = 1 // trips on the very first 1/window add when window==1
	tr.InitDestConcurrency = 1
	q := New(tr, "dest", "dest")

	q.Throttle(DSN{Status: "5.0.0", Reason: "bounce"})

	if q.Window != 0 {
		t.Fatalf("window = %d, want 0 (declared dead)", q.Window)
	}
	if q.dsn == nil {
		t.Fatal("dsn should be recorded while the destination is dead")
	}
	if q.timer == nil {
		t.Fatal("a backoff timer should be armed")
	}
}

// TestUnthrottleRevivesDeadQueue checks the "almost grave" special
// case: Window==0 revives to busy_refcount (if positive) or else the
// transport's initial concurrency, and the DSN is cleared.
func TestUnthrottleRevivesDeadQueue(t *testing.T) {
	tr := testTransport()
	q := New(tr, "dest", "dest")
	q.Window = 0
	q.dsn = &DSN{Status: "5.0.0", Reason: "bounce"}
	q.BusyRefcount = 3

	q.Unthrottle()

	if q.Window != 3 {
		t.Fatalf("window = %d, want 3 (== busy_refcount)", q.Window)
	}
	if q.dsn != nil {
		t.Fatal("dsn should be cleared on revival")
	}
	if q.FailCohorts != 0 {
		t.Fatal("fail_cohorts must reset on any positive adjustment")
	}
}

// TestUnthrottleCapsAtConcurrencyLimit checks that repeated positive
// feedback never grows Window past the transport's
// DestConcurrencyLimit: once Window reaches the limit, the outer
// "below the transport limit" guard itself stops further growth.
func TestUnthrottleCapsAtConcurrencyLimit(t *testing.T) {
	tr := testTransport()
	tr.DestConcurrencyLimit = 5
	tr.PosHysteresis = 1
	tr.InitDestConcurrency = 5
	q := New(tr, "dest", "dest")
	q.Window = 3
	q.BusyRefcount = 10 // keep window < busy_refcount+init across every call

	for i := 0; i < 3; i++ {
		q.Unthrottle()
	}

	if q.Window != 5 {
		t.Fatalf("window = %d, want capped at DestConcurrencyLimit (5) after repeated growth", q.Window)
	}

	// One more call must not push it past the limit.
	q.Unthrottle()
	if q.Window != 5 {
		t.Fatalf("window = %d, want to stay at 5 once the limit is reached", q.Window)
	}
}

// TestManagerObtainIsIdempotent checks the find-or-create registry
// behavior shared by every qmgr_queue_create call site.
func TestManagerObtainIsIdempotent(t *testing.T) {
	m := NewManager(testTransport())
	a := m.Obtain("dest.example.com", "dest.example.com")
	b := m.Obtain("dest.example.com", "dest.example.com")
	if a != b {
		t.Fatal("Obtain should return the same Queue for the same name")
	}
	if m.Find("dest.example.com") != a {
		t.Fatal("Find should return the queue Obtain created")
	}
}
