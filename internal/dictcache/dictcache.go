// Package dictcache wraps a dictionary-like key/value store with a
// "delete behind" discipline: an entry that would be removed while a
// cursor is positioned on it is instead scheduled for deletion once
// the cursor moves past it, so an iteration in progress never sees
// the backing store mutate out from under it.
//
// Grounded on original_source/postfix/src/util/dict_cache.c.
package dictcache

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
)

// Dict is the small surface a backing store must provide. Del reports
// whether the key was present.
type Dict interface {
	Get(key string) (string, bool, error)
	Put(key, val string) error
	Del(key string) (bool, error)
	// Seq returns the first (first=true) or next (first=false) entry
	// in implementation-defined order. ok is false once iteration is
	// exhausted.
	Seq(first bool) (key, val string, ok bool, err error)
}

// lastCleanupKey stores the completion time of the last expiry run, so
// that a restarted process resumes the same schedule rather than
// starting a fresh sweep immediately.
const lastCleanupKey = "_LAST_CACHE_CLEANUP_COMPLETED_"

// ExpireFlags controls how verbosely a cleanup run logs.
type ExpireFlags int

const (
	ExpVerbose ExpireFlags = 1 << iota
	ExpSummary
)

// Validator decides whether a cache entry should survive a cleanup
// pass; it must not modify or close the cache.
type Validator func(key, val string) bool

type cursor struct {
	key, val string
	have     bool
	armed    bool
}

// Cache adds delete-behind semantics atop a Dict.
type Cache struct {
	name string
	db   Dict
	log  log.Logger

	mu  sync.Mutex
	cur cursor

	expFlags    ExpireFlags
	expInterval time.Duration
	validator   Validator
	retained    int
	dropped     int
	stop        chan struct{}
	done        chan struct{}
}

// Open wraps db with delete-behind cache semantics under the given
// name, used only for logging.
func Open(name string, db Dict, l log.Logger) *Cache {
	return &Cache{name: name, db: db, log: l}
}

// Name returns the cache's name, as given to Open.
func (c *Cache) Name() string {
	return c.name
}

// Lookup returns the cached value, or !ok if absent or if key is the
// cursor's current entry and it is scheduled for delete-behind.
func (c *Cache) Lookup(key string) (string, bool, error) {
	c.mu.Lock()
	armed := c.cur.armed && c.cur.have && c.cur.key == key
	c.mu.Unlock()
	if armed {
		return "", false, nil
	}
	return c.db.Get(key)
}

// Update stores val under key, cancelling a pending delete-behind if
// key is the cursor's current entry.
func (c *Cache) Update(key, val string) error {
	c.mu.Lock()
	if c.cur.armed && c.cur.have && c.cur.key == key {
		c.cur.armed = false
	}
	c.mu.Unlock()
	return c.db.Put(key, val)
}

// Delete removes key, unless it is the cursor's current entry, in
// which case the delete is scheduled for once the cursor advances.
// found reports whether the entry existed (or, for a scheduled
// delete-behind, is assumed to).
func (c *Cache) Delete(key string) (found bool, err error) {
	c.mu.Lock()
	if c.cur.have && c.cur.key == key {
		c.cur.armed = true
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()
	return c.db.Del(key)
}

// Sequence returns the first (first=true) or next entry, transparently
// skipping the reserved cleanup-timestamp key and performing any
// delete-behind the previous step scheduled. ok is false once
// iteration is exhausted; callers should let a Sequence pass run to
// completion rather than abandoning it early, since that is what
// clears delete-behind bookkeeping.
func (c *Cache) Sequence(first bool) (key, val string, ok bool, err error) {
	rawKey, rawVal, found, err := c.db.Seq(first)
	if err != nil {
		return "", "", false, err
	}
	if found && rawKey == lastCleanupKey {
		rawKey, rawVal, found, err = c.db.Seq(false)
		if err != nil {
			return "", "", false, err
		}
	}

	c.mu.Lock()
	prev := c.cur
	if found {
		c.cur = cursor{key: rawKey, val: rawVal, have: true}
	} else {
		c.cur = cursor{}
	}
	c.mu.Unlock()

	if prev.armed {
		if _, delErr := c.db.Del(prev.key); delErr != nil {
			c.log.Error(fmt.Sprintf("cache %s: could not delete entry for %s", c.name, prev.key), delErr)
		}
	}

	return rawKey, rawVal, found, nil
}

// Expire starts a background cleanup loop that repeatedly calls
// Sequence and arms delete-behind for any entry validator rejects,
// waking up every interval once a full pass completes. It is an error
// to call Expire while a cleanup loop is already running; use
// StopExpire first.
func (c *Cache) Expire(flags ExpireFlags, interval time.Duration, validator Validator) {
	c.mu.Lock()
	if c.validator != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("dictcache %s: cache cleanup is already scheduled", c.name))
	}
	if interval <= 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("dictcache %s: bad cache cleanup interval %s", c.name, interval))
	}
	c.expFlags = flags
	c.expInterval = interval
	c.validator = validator
	c.retained, c.dropped = 0, 0
	c.mu.Unlock()

	delay := c.initialDelay(interval)
	if flags&ExpVerbose != 0 && delay > 0 {
		c.log.Msg(fmt.Sprintf("%s cache cleanup will start after %s", c.name, delay))
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.expireLoop(delay)
}

// initialDelay mirrors dict_cache_expire's NEXT_START arithmetic: the
// next run starts interval after the last completed one, clamped to
// [0, interval].
func (c *Cache) initialDelay(interval time.Duration) time.Duration {
	raw, ok, err := c.db.Get(lastCleanupKey)
	if err != nil || !ok {
		return 0
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	next := time.Unix(sec, 0).Add(interval).Sub(time.Now())
	if next < 0 {
		next = 0
	}
	if next > interval {
		next = interval
	}
	return next
}

func (c *Cache) expireLoop(delay time.Duration) {
	defer close(c.done)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}

		next, done := c.expireStep()
		if done {
			return
		}
		timer.Reset(next)
	}
}

// expireStep examines one cache entry (continuing a scan in progress,
// or starting a fresh one) and returns the delay before the next step
// should run. done is true only if the caller has stopped the loop
// out from under us, which expireStep itself never decides.
func (c *Cache) expireStep() (next time.Duration, done bool) {
	c.mu.Lock()
	first := !c.cur.have
	flags := c.expFlags
	validator := c.validator
	interval := c.expInterval
	c.mu.Unlock()

	if first && flags&ExpVerbose != 0 {
		c.log.Msg(fmt.Sprintf("start %s cache cleanup", c.name))
	}

	key, val, ok, err := c.Sequence(first)
	if err != nil {
		c.log.Error(fmt.Sprintf("cache %s: cleanup scan failed", c.name), err)
		return interval, false
	}

	if ok {
		if validator(key, val) {
			c.mu.Lock()
			c.retained++
			c.mu.Unlock()
			if flags&ExpVerbose != 0 {
				c.log.Msg(fmt.Sprintf("keep %s cache entry for %s", c.name, key))
			}
		} else {
			c.mu.Lock()
			c.cur.armed = true
			c.dropped++
			c.mu.Unlock()
			if flags&ExpVerbose != 0 {
				c.log.Msg(fmt.Sprintf("drop %s cache entry for %s", c.name, key))
			}
		}
		return 0, false
	}

	if flags&ExpVerbose != 0 {
		c.log.Msg(fmt.Sprintf("done %s cache cleanup scan", c.name))
	}
	c.mu.Lock()
	retained, dropped := c.retained, c.dropped
	c.retained, c.dropped = 0, 0
	c.mu.Unlock()
	if flags&ExpSummary != 0 {
		c.log.Msg(fmt.Sprintf("cache %s full cleanup: retained=%d dropped=%d entries", c.name, retained, dropped))
	}
	if err := c.db.Put(lastCleanupKey, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		c.log.Error(fmt.Sprintf("cache %s: could not record cleanup completion", c.name), err)
	}
	return interval, false
}

// StopExpire cancels a running cleanup loop, logging a partial
// summary if one was interrupted mid-scan.
func (c *Cache) StopExpire() {
	c.mu.Lock()
	if c.validator == nil {
		c.mu.Unlock()
		return
	}
	retained, dropped := c.retained, c.dropped
	flags := c.expFlags
	c.validator = nil
	c.expInterval = 0
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	if (retained != 0 || dropped != 0) && flags&ExpSummary != 0 {
		c.log.Msg(fmt.Sprintf("cache %s partial cleanup: retained=%d dropped=%d entries", c.name, retained, dropped))
	}

	c.mu.Lock()
	c.cur = cursor{}
	c.mu.Unlock()
}

// Close stops any running cleanup loop. It does not close the
// underlying Dict; callers that opened it themselves are responsible
// for that.
func (c *Cache) Close() {
	c.StopExpire()
}
