// Package queue implements the per-destination concurrency window:
// the positive/negative feedback hysteresis cycle that grows or
// shrinks how many deliveries may run against one destination at
// once, and the "almost dead" cohort-failure trip that parks a
// destination for a cooldown period instead of hammering it.
//
// Grounded on original_source/postfix/src/qmgr/qmgr_queue.c. List
// ownership (the todo/busy entry lists qmgr_queue_done checks before
// disposing of a queue) belongs to the caller; this package only owns the window/feedback state and
// exposes IsEmpty/OnIdle hooks for the caller to wire that in.
package queue

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FeedbackMethod selects how much a single success or failure nudges
// the concurrency window. Each has two accepted config names
// ("fixed"/"1" select Fixed1, "inverse-window"/"inverse-1" select
// InverseWindow, and "inverse-squareroot-window"/"inverse-squareroot"
// select InvSqrtWindow) — see ParseFeedbackMethod.
type FeedbackMethod int

const (
	FeedbackInvSqrtWindow FeedbackMethod = iota
	FeedbackFixed1
	FeedbackInverseWindow
)

// ParseFeedbackMethod maps a main.cf-style feedback method name to its
// FeedbackMethod, or reports ok=false for anything else.
func ParseFeedbackMethod(name string) (m FeedbackMethod, ok bool) {
	switch name {
	case "fixed", "1":
		return FeedbackFixed1, true
	case "inverse-window", "inverse-1":
		return FeedbackInverseWindow, true
	case "inverse-squareroot-window", "inverse-squareroot":
		return FeedbackInvSqrtWindow, true
	default:
		return 0, false
	}
}

func feedbackValue(m FeedbackMethod, window int) float64 {
	switch m {
	case FeedbackFixed1:
		return 1.0
	case FeedbackInverseWindow:
		return 1.0 / float64(window)
	default:
		return 1.0 / math.Sqrt(float64(window))
	}
}

// TransportConfig is the slice of transport-wide settings the window
// math needs; it is shared (read-only, after setup) by every Queue
// for that transport.
type TransportConfig struct {
	InitDestConcurrency  int
	DestConcurrencyLimit int // 0 means unlimited
	PosFeedback          FeedbackMethod
	NegFeedback          FeedbackMethod
	PosHysteresis        int
	NegHysteresis        int
	SacCohorts           float64 // pseudo-cohort failures before declaring a destination dead
	MinBackoffTime       time.Duration
}

// DSN is the minimal reason record kept while a destination is
// throttled to zero, just enough to explain why in logs; the full
// delivery-status-notification type lives with the bounce package.
type DSN struct {
	Status string
	Reason string
}

// Queue is one (transport, destination) concurrency window.
type Queue struct {
	Name      string
	Nexthop   string
	transport *TransportConfig

	mu sync.Mutex

	Window                     int
	Success, Failure           float64
	FailCohorts                float64
	TodoRefcount, BusyRefcount int
	dsn                        *DSN
	timer                      *time.Timer

	// IsEmpty and OnIdle let the caller (which owns the todo/busy
	// entry lists) decide when a queue that just got a second chance
	// from its backoff timer should instead be torn down because
	// nothing showed up for it in the meantime. Both may be left nil
	// if the caller never disposes of idle queues this way.
	IsEmpty func() bool
	OnIdle  func()
}

// New creates an empty queue at the transport's initial concurrency,
// mirroring qmgr_queue_create.
func New(transport *TransportConfig, name, nexthop string) *Queue {
	return &Queue{
		Name:      name,
		Nexthop:   nexthop,
		transport: transport,
		Window:    transport.InitDestConcurrency,
	}
}

// Throttle handles a delivery failure: it folds the failure into the
// negative-feedback hysteresis cycle, lowers Window with a floor of 1,
// and — once var_qmgr_sac_cohorts worth of pseudo-cohort failures has
// accumulated — drops Window to 0 and arms a backoff timer that calls
// Unthrottle after MinBackoffTime.
func (q *Queue) Throttle(dsn DSN) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dsn != nil {
		panic(fmt.Sprintf("queue %s: spurious throttle reason %s", q.Name, q.dsn.Reason))
	}

	if q.Window > 0 {
		q.FailCohorts += 1.0 / float64(q.Window)
		if q.FailCohorts >= q.transport.SacCohorts {
			q.Window = 0
		}
	}

	if q.Window > 0 {
		feedback := feedbackValue(q.transport.NegFeedback, q.Window)
		q.Failure -= feedback
		for q.Failure < 0 {
			q.Window -= q.transport.NegHysteresis
			q.Success = 0
			q.Failure += float64(q.transport.NegHysteresis)
		}
		if q.Window < 1 {
			q.Window = 1
		}
	}

	if q.Window == 0 {
		d := dsn
		q.dsn = &d
		q.timer = time.AfterFunc(q.transport.MinBackoffTime, q.wakeFromTimer)
	}
}

// Unthrottle gives the destination another chance: on the special
// case of a destination that had gone fully dead (Window == 0, the
// "almost grave" case), it resets Window to whatever's already in
// flight or, failing that, the transport's initial concurrency.
// Otherwise it folds a positive feedback tick into the hysteresis
// cycle and may grow Window by PosHysteresis, capped at the
// transport's DestConcurrencyLimit.
func (q *Queue) Unthrottle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unthrottleLocked()
}

func (q *Queue) unthrottleLocked() {
	// A positive concurrency adjustment is the only thing allowed to
	// restart the negative-feedback hysteresis cycle; restarting it on
	// every success would make negative feedback too aggressive, since
	// negative feedback already takes effect immediately.
	q.FailCohorts = 0

	if q.Window == 0 {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		if q.dsn == nil {
			panic(fmt.Sprintf("queue %s: window 0 status 0", q.Name))
		}
		q.dsn = nil
		if q.BusyRefcount > 0 {
			q.Window = q.BusyRefcount
		} else {
			q.Window = q.transport.InitDestConcurrency
		}
		q.Success, q.Failure = 0, 0
		return
	}

	limit := q.transport.DestConcurrencyLimit
	if limit == 0 || limit > q.Window {
		if q.Window < q.BusyRefcount+q.transport.InitDestConcurrency {
			feedback := feedbackValue(q.transport.PosFeedback, q.Window)
			q.Success += feedback
			for q.Success >= float64(q.transport.PosHysteresis) {
				q.Window += q.transport.PosHysteresis
				q.Success -= float64(q.transport.PosHysteresis)
				q.Failure = 0
			}
			if limit > 0 && q.Window > limit {
				q.Window = limit
			}
		}
	}
}

// wakeFromTimer is qmgr_queue_unthrottle_wrapper: it runs outside any
// ongoing queue manipulation, so once the window is positive again it
// is safe to dispose of a queue that has sat empty the whole time.
func (q *Queue) wakeFromTimer() {
	q.Unthrottle()

	q.mu.Lock()
	window := q.Window
	empty := q.IsEmpty
	onIdle := q.OnIdle
	q.mu.Unlock()

	if window > 0 && empty != nil && empty() && onIdle != nil {
		onIdle()
	}
}

// Done disposes of an in-core queue; it is a consistency-check
// failure to call it while entries or a throttle reason remain.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.BusyRefcount != 0 || q.TodoRefcount != 0 {
		panic(fmt.Sprintf("queue %s: refcount %d", q.Name, q.BusyRefcount+q.TodoRefcount))
	}
	if q.Window <= 0 {
		panic(fmt.Sprintf("queue %s: window %d", q.Name, q.Window))
	}
	if q.dsn != nil {
		panic(fmt.Sprintf("queue %s: spurious reason %s", q.Name, q.dsn.Reason))
	}
	if q.timer != nil {
		q.timer.Stop()
	}
}
