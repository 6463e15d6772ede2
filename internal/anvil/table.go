// Package anvil tracks, per (service, client) identity, how many
// connections are open right now and how many were opened in the
// current time window - the data a count/rate-limited front end needs
// to decide whether a client is hammering it.
//
// Grounded on original_source/anvil.c: a remote table keyed by the
// caller-supplied ident string, and a local table that remembers which
// remote ident each local caller (a connection handle, e.g. an smtpd
// session) last reported, so that caller's connections can be dropped
// in one step if it ever disappears without sending DISCONNECT.
package anvil

import (
	"math"
	"sync"
	"time"
)

// Stats is the (count, rate) pair reported back on every request.
type Stats struct {
	Count int
	Rate  int
}

type remoteEntry struct {
	count       int
	rate        int
	start       time.Time
	expireTimer *time.Timer
}

// Table is one running anvil instance. Window is the rate-sampling
// interval (client_connection_rate_time_unit); entries with a zero
// connection count are kept around for Window after they reach zero,
// then freed, mirroring ANVIL_REMOTE_DROP_ONE/anvil_remote_expire.
type Table struct {
	Window time.Duration

	mu     sync.Mutex
	remote map[string]*remoteEntry
	local  map[string]string // local handle -> ident of its current remote

	maxCount     int
	maxCountUser string
	maxCountTime time.Time
	maxRate      int
	maxRateUser  string
	maxRateTime  time.Time
}

func New(window time.Duration) *Table {
	return &Table{
		Window: window,
		remote: make(map[string]*remoteEntry),
		local:  make(map[string]string),
	}
}

// Connect registers a new connection for ident under local handle
// (e.g. the accepting server's connection id) and returns the updated
// count/rate, mirroring anvil_remote_connect.
func (t *Table) Connect(handle, ident string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.remote[ident]
	if !ok {
		r = &remoteEntry{count: 1, rate: 1, start: time.Now()}
		t.remote[ident] = r
	} else {
		now := time.Now()
		if now.Sub(r.start) >= t.Window {
			r.rate = 1
			r.start = now
		} else if r.rate < math.MaxInt32 {
			r.rate++
		}
		if r.count == 0 && r.expireTimer != nil {
			r.expireTimer.Stop()
			r.expireTimer = nil
		}
		r.count++
	}

	// A local handle tracks only its most recent remote, per
	// ANVIL_LOCAL_ADD_ONE's "XXX allow multiple remote clients per
	// local server" limitation, carried forward unchanged.
	if prev, ok := t.local[handle]; ok && prev != ident {
		t.dropOneLocked(prev)
	}
	t.local[handle] = ident

	if r.rate > t.maxRate {
		t.maxRate = r.rate
		t.maxRateUser = ident
		t.maxRateTime = time.Now()
	}
	if r.count > t.maxCount {
		t.maxCount = r.count
		t.maxCountUser = ident
		t.maxCountTime = time.Now()
	}

	return Stats{Count: r.count, Rate: r.rate}
}

// Disconnect reports a connection closing, mirroring
// anvil_remote_disconnect.
func (t *Table) Disconnect(handle, ident string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropOneLocked(ident)
	if cur, ok := t.local[handle]; ok && cur == ident {
		delete(t.local, handle)
	}
}

// CleanupLocal drops all connections still attributed to handle,
// mirroring anvil_service_done: a local caller that vanishes (its
// process crashed, its connection reset) without sending DISCONNECT
// must not leak a permanently-open count against its last ident.
func (t *Table) CleanupLocal(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ident, ok := t.local[handle]; ok {
		t.dropOneLocked(ident)
		delete(t.local, handle)
	}
}

func (t *Table) dropOneLocked(ident string) {
	r, ok := t.remote[ident]
	if !ok || r.count <= 0 {
		return
	}
	r.count--
	if r.count == 0 {
		r.expireTimer = time.AfterFunc(t.Window, func() { t.expire(ident) })
	}
}

func (t *Table) expire(ident string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.remote[ident]; ok && r.count == 0 {
		delete(t.remote, ident)
	}
}

// Lookup reports the current count/rate for one ident.
func (t *Table) Lookup(ident string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remote[ident]
	if !ok {
		return Stats{}, false
	}
	return Stats{Count: r.count, Rate: r.rate}, true
}

// LookupAll dumps every tracked ident, for `request=lookup ident=*`.
func (t *Table) LookupAll() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.remote))
	for ident, r := range t.remote {
		out[ident] = Stats{Count: r.count, Rate: r.rate}
	}
	return out
}

// HighWater is the extreme count/rate seen since the last DumpStats,
// with the ident and time each was recorded.
type HighWater struct {
	MaxCount     int
	MaxCountUser string
	MaxCountTime time.Time
	MaxRate      int
	MaxRateUser  string
	MaxRateTime  time.Time
}

// DumpStats reports and resets the high-water marks, mirroring
// anvil_status_dump: logged at process exit and every
// client_connection_status_update_time seconds.
func (t *Table) DumpStats() HighWater {
	t.mu.Lock()
	defer t.mu.Unlock()
	hw := HighWater{
		MaxCount: t.maxCount, MaxCountUser: t.maxCountUser, MaxCountTime: t.maxCountTime,
		MaxRate: t.maxRate, MaxRateUser: t.maxRateUser, MaxRateTime: t.maxRateTime,
	}
	t.maxCount, t.maxCountUser = 0, ""
	t.maxRate, t.maxRateUser = 0, ""
	return hw
}
