// Package flush implements the per-site fast-flush log: a small queue
// of message ids a site's mail is waiting in, kept so that an operator
// (or an ETRN request) can ask for prompt redelivery to that site
// without waiting for the next scheduled retry.
//
// Grounded on original_source/postfix/src/flushd/flushd.c.
package flush

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

// Status is the three-way FLUSH_STAT_* result every request reports.
type Status int

const (
	StatusOK Status = iota
	StatusBad
	StatusUnknown
)

// maxDupFilter bounds the in-memory dedup table flush_site builds
// while touching queue file timestamps, so a pathological logfile
// can't exhaust memory; past the bound every entry is processed
// without further deduplication, same degrade-gracefully behavior as
// the original's htable.
const maxDupFilter = 10000

// proactiveFlushModulus: once every this many appends, an ADD also
// triggers a SEND, bounding how large and how stale a site's log can
// get between real flush requests.
const proactiveFlushModulus = 1000

// Table is the fast_flush_maps/etrn_maps lookup: does this site have
// fast-flush service configured, independent of whether it happens to
// already have a logfile on disk.
type Table interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// Service is one running flush daemon's state.
type Service struct {
	FlushDir    string
	DeferredDir string
	IncomingDir string
	Sites       Table
	// NotifyQueue asks the queue manager to rescan incoming/deferred,
	// standing in for mail_trigger(MAIL_CLASS_PUBLIC, ...).
	NotifyQueue func()

	counter int64
}

func (s *Service) sitePath(site string) string {
	return filepath.Join(s.FlushDir, site)
}

func (s *Service) siteConfigured(ctx context.Context, site string) (bool, error) {
	if s.Sites == nil {
		return false, nil
	}
	_, ok, err := s.Sites.Lookup(ctx, site)
	return ok, err
}

// Add appends queueID to site's fast-flush log, creating the log if
// the site is configured for the service but has no log file yet.
// Mirrors flush_append.
func (s *Service) Add(ctx context.Context, site, queueID string) (Status, error) {
	path := s.sitePath(site)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		if !os.IsNotExist(err) {
			return StatusBad, err
		}
		ok, lookupErr := s.siteConfigured(ctx, site)
		if lookupErr != nil {
			return StatusBad, lookupErr
		}
		if !ok {
			return StatusUnknown, nil
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return StatusBad, err
		}
	}
	defer f.Close()

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return StatusBad, err
	}
	defer lock.Unlock()

	if _, err := fmt.Fprintf(f, "%s\n", queueID); err != nil {
		return StatusBad, err
	}

	if s.shouldProactivelyFlush() {
		// Best-effort: a failed proactive flush doesn't fail the ADD
		// that triggered it.
		_, _ = s.Send(ctx, site)
	}

	return StatusOK, nil
}

// shouldProactivelyFlush reproduces flush_service's
// "(++counter + event_time() + getpid()) % 1000 == 0" trigger, with
// time.Now().Unix() standing in for event_time().
func (s *Service) shouldProactivelyFlush() bool {
	n := atomic.AddInt64(&s.counter, 1)
	return (n+time.Now().Unix()+int64(os.Getpid()))%proactiveFlushModulus == 0
}

// Send touches the timestamps of every queue file named in site's log
// (trying deferred/ then incoming/), truncates the log, and notifies
// the queue manager to rescan. Mirrors flush_site.
func (s *Service) Send(ctx context.Context, site string) (Status, error) {
	path := s.sitePath(site)

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if !os.IsNotExist(err) {
			return StatusBad, err
		}
		ok, lookupErr := s.siteConfigured(ctx, site)
		if lookupErr != nil {
			return StatusBad, lookupErr
		}
		if ok {
			// Configured but nothing ever logged: trivially done.
			return StatusOK, nil
		}
		return StatusUnknown, nil
	}
	defer f.Close()

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return StatusBad, err
	}
	defer lock.Unlock()

	if err := s.touchListedFiles(f); err != nil {
		return StatusBad, err
	}

	if err := f.Truncate(0); err != nil {
		return StatusBad, err
	}

	if s.NotifyQueue != nil {
		s.NotifyQueue()
	}
	return StatusOK, nil
}

func (s *Service) touchListedFiles(f *os.File) error {
	seen := make(map[string]struct{}, maxDupFilter)
	now := time.Now()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		qid := scanner.Text()
		if qid == "" {
			continue
		}

		_, alreadySeen := seen[qid]
		if len(seen) < maxDupFilter && alreadySeen {
			continue
		}
		if len(seen) <= maxDupFilter {
			seen[qid] = struct{}{}
		}

		if err := touchQueueFile(s.DeferredDir, qid, now); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := touchQueueFile(s.IncomingDir, qid, now); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return scanner.Err()
}

func touchQueueFile(dir, qid string, t time.Time) error {
	return os.Chtimes(filepath.Join(dir, qid), t, t)
}
