// Package glue holds the small always-reconnecting IPC clients that
// sit between a delivery agent and the rewrite/resolve services: the
// "glue" that lets the rest of the system treat those services as if
// they never go away.
//
// Grounded on the "Retry-forever IPC" design note: an explicit retry
// loop driven by a Policy value rather than a fixed sleep, so the
// "forever" aspect is injectable in tests.
package glue

import "time"

// Policy is {max_retries=∞, base_delay, cap} from the design note.
// MaxRetries == 0 means unlimited; Sleep defaults to time.Sleep and is
// overridden in tests to avoid real delays.
type Policy struct {
	BaseDelay  time.Duration
	Cap        time.Duration
	MaxRetries int
	Sleep      func(time.Duration)
}

// DefaultPolicy is a reasonable production default: start at 100ms,
// cap at 30s, retry forever.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 100 * time.Millisecond, Cap: 30 * time.Second}
}

func (p Policy) sleeper() func(time.Duration) {
	if p.Sleep != nil {
		return p.Sleep
	}
	return time.Sleep
}

// shouldRetry reports whether another attempt is allowed after the
// given number of retries already made (the 0-based index of the attempt
// that just failed).
func (p Policy) shouldRetry(attemptsMade int) bool {
	return p.MaxRetries == 0 || attemptsMade < p.MaxRetries
}

// delay computes the backoff before retry number attempt (0-based),
// doubling from BaseDelay and clamping at Cap.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

func (p Policy) wait(attempt int) {
	p.sleeper()(p.delay(attempt))
}
