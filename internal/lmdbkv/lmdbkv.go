// Package lmdbkv wraps an LMDB environment with the error-recovery
// discipline a raw binding leaves to the caller: a "map full" error
// grows the memory map and retries, a "map resized" error (another
// process grew the file) re-reads the new size and retries, and a
// "readers full" error backs off a second and retries. Two retry
// budgets bound how long a caller can get stuck recovering rather
// than failing outright.
//
// Grounded on original_source/postfix/src/util/slmdb.c. slmdb's
// bulk-mode transactions recover from a fatal error with a longjmp
// back to the start of the caller's transaction; Go has no non-local
// jump, so Bulk instead re-invokes the transaction closure in a loop,
// which is the same "redo the whole bulk transaction" behavior
// expressed without setjmp/longjmp.
package lmdbkv

import (
	"fmt"
	"os"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// fudge mirrors SLMDB_FUDGE: room left in the memory map so that the
// initial open (and its implicit "drop" on O_TRUNC) always succeeds
// without first having to recover from MDB_MAP_FULL.
const fudge = 8192

const (
	defaultAPIRetryLimit = 2
	// defaultBulkRetryLimit mirrors SLMDB_DEF_BULK_RETRY_LIMIT's
	// 2*sizeof(size_t)*CHAR_BIT on a 64-bit build.
	defaultBulkRetryLimit = 2 * 64
)

// NotifyFunc is called after the wrapper recovers from a MapFull,
// MapResized or ReadersFull error, mirroring slmdb's
// SLMDB_CTL_NOTIFY_FN callback. curLimit is the updated map size
// limit for MapFull/MapResized; it is meaningless for ReadersFull.
type NotifyFunc func(errno int, curLimit int64)

// Options configures Open. Zero values pick the same defaults slmdb
// does.
type Options struct {
	// CurrLimit is the initial memory map size limit.
	CurrLimit int64
	// SizeIncr multiplies CurrLimit on a MapFull recovery.
	SizeIncr int64
	// HardLimit bounds how large CurrLimit may grow.
	HardLimit int64
	ReadOnly  bool
	// Truncate drops the database's contents on open, the Go
	// analogue of slmdb_prepare's O_TRUNC handling.
	Truncate bool

	APIRetryLimit  int
	BulkRetryLimit int
	Notify         NotifyFunc
}

// DB is one open, error-recovering LMDB environment with a single
// (the default, unnamed) database inside it.
type DB struct {
	env *lmdb.Env
	dbi lmdb.DBI

	curLimit  int64
	sizeIncr  int64
	hardLimit int64

	apiRetryLimit  int
	bulkRetryLimit int
	notify         NotifyFunc
}

// Open creates or opens the LMDB environment at path. Per Postfix
// convention the environment is a single file, not a directory.
func Open(path string, opts Options) (*DB, error) {
	curLimit := opts.CurrLimit
	if curLimit < fudge {
		curLimit = fudge
	}
	hardLimit := opts.HardLimit
	if st, err := os.Stat(path); err == nil && st.Size() > curLimit-fudge {
		if st.Size() > hardLimit {
			hardLimit = st.Size()
		}
		if st.Size() < hardLimit-fudge {
			curLimit = st.Size() + fudge
		} else {
			curLimit = hardLimit
		}
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.SetMapSize(curLimit); err != nil {
		env.Close()
		return nil, err
	}

	flags := uint(lmdb.NoSubdir)
	if opts.ReadOnly {
		flags |= lmdb.Readonly
	}
	if err := env.Open(path, flags, 0644); err != nil {
		env.Close()
		return nil, err
	}

	db := &DB{
		env:            env,
		curLimit:       curLimit,
		sizeIncr:       opts.SizeIncr,
		hardLimit:      hardLimit,
		apiRetryLimit:  opts.APIRetryLimit,
		bulkRetryLimit: opts.BulkRetryLimit,
		notify:         opts.Notify,
	}
	if db.sizeIncr <= 0 {
		db.sizeIncr = 2
	}
	if db.apiRetryLimit <= 0 {
		db.apiRetryLimit = defaultAPIRetryLimit
	}
	if db.bulkRetryLimit <= 0 {
		db.bulkRetryLimit = defaultBulkRetryLimit
	}

	dbiFlags := uint(lmdb.Create)
	err = db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenDBI("", dbiFlags)
		if err != nil {
			return err
		}
		db.dbi = dbi
		if opts.Truncate {
			return txn.Drop(dbi, false)
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return db, nil
}

// Close finalizes the environment. Any Cursor obtained from this DB
// must be closed first.
func (db *DB) Close() error {
	return db.env.Close()
}

// recoverable reports whether err is one of the three conditions
// slmdb_recover knows how to clear.
func recoverable(err error) bool {
	return lmdb.IsErrno(err, lmdb.MapFull) ||
		lmdb.IsErrno(err, lmdb.MapResized) ||
		lmdb.IsErrno(err, lmdb.ReadersFull)
}

// recover mirrors slmdb_recover's switch: it mutates db's map-size
// bookkeeping and returns nil once the condition is cleared, so the
// caller can retry immediately; it returns the original error once
// there's nothing left to try.
func (db *DB) recover(err error) error {
	switch {
	case lmdb.IsErrno(err, lmdb.MapFull):
		switch {
		case db.curLimit < db.hardLimit/db.sizeIncr:
			db.curLimit *= db.sizeIncr
		case db.curLimit < db.hardLimit:
			db.curLimit = db.hardLimit
		default:
			return err
		}
		if setErr := db.env.SetMapSize(db.curLimit); setErr != nil {
			return setErr
		}
		if db.notify != nil {
			db.notify(int(lmdb.MapFull), db.curLimit)
		}
		return nil

	case lmdb.IsErrno(err, lmdb.MapResized):
		if setErr := db.env.SetMapSize(0); setErr != nil {
			return setErr
		}
		info, infoErr := db.env.Info()
		if infoErr != nil {
			return infoErr
		}
		db.curLimit = int64(info.MapSize)
		if db.notify != nil {
			db.notify(int(lmdb.MapResized), db.curLimit)
		}
		return nil

	case lmdb.IsErrno(err, lmdb.ReadersFull):
		if db.notify != nil {
			db.notify(int(lmdb.ReadersFull), db.curLimit)
		}
		time.Sleep(time.Second)
		return nil

	default:
		return err
	}
}

// withRetry runs fn, recovering from the three conditions above up to
// apiRetryLimit times before giving up. Mirrors the tail-recursive
// slmdb_get/slmdb_put/slmdb_del wrappers.
func (db *DB) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= db.apiRetryLimit; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !recoverable(err) {
			return err
		}
		if recErr := db.recover(err); recErr != nil {
			return recErr
		}
	}
	return fmt.Errorf("lmdbkv: giving up after %d retries: %w", db.apiRetryLimit, err)
}

// Get looks up key. found is false when the key is absent.
func (db *DB) Get(key []byte) (val []byte, found bool, err error) {
	err = db.withRetry(func() error {
		return db.env.View(func(txn *lmdb.Txn) error {
			v, getErr := txn.Get(db.dbi, key)
			if getErr != nil {
				if lmdb.IsNotFound(getErr) {
					val, found = nil, false
					return nil
				}
				return getErr
			}
			val = append([]byte(nil), v...)
			found = true
			return nil
		})
	})
	return val, found, err
}

// Put stores val under key, overwriting any existing entry.
func (db *DB) Put(key, val []byte) error {
	return db.withRetry(func() error {
		return db.env.Update(func(txn *lmdb.Txn) error {
			return txn.Put(db.dbi, key, val, 0)
		})
	})
}

// Del removes key. found is false if the key was already absent.
func (db *DB) Del(key []byte) (found bool, err error) {
	err = db.withRetry(func() error {
		found = true
		return db.env.Update(func(txn *lmdb.Txn) error {
			delErr := txn.Del(db.dbi, key, nil)
			if lmdb.IsNotFound(delErr) {
				found = false
				return nil
			}
			return delErr
		})
	})
	return found, err
}

// Bulk runs fn inside one long-lived write transaction. If an error
// recoverable condition forces the transaction to be redone, Bulk
// retries the whole closure from scratch, up to bulkRetryLimit times
// -- the loop-based stand-in for slmdb's longjmp-to-transaction-start.
func (db *DB) Bulk(fn func(txn *lmdb.Txn) error) error {
	var err error
	for attempt := 0; attempt <= db.bulkRetryLimit; attempt++ {
		if err = db.env.Update(fn); err == nil {
			return nil
		}
		if !recoverable(err) {
			return err
		}
		if recErr := db.recover(err); recErr != nil {
			return recErr
		}
	}
	return fmt.Errorf("lmdbkv: bulk transaction did not succeed after %d retries: %w", db.bulkRetryLimit, err)
}

// Cursor iterates over a DB's entries in key order, holding one
// read-only transaction open across calls the way slmdb_cursor_get
// does, instead of reopening a transaction per step.
type Cursor struct {
	db  *DB
	txn *lmdb.Txn
	cur *lmdb.Cursor
}

// NewCursor returns an unopened cursor; its transaction is opened
// lazily on the first Seq call.
func (db *DB) NewCursor() *Cursor {
	return &Cursor{db: db}
}

func (c *Cursor) ensureOpen() error {
	if c.cur != nil {
		return nil
	}
	return c.db.withRetry(func() error {
		txn, err := c.db.env.BeginTxn(nil, lmdb.Readonly)
		if err != nil {
			return err
		}
		cur, err := txn.OpenCursor(c.db.dbi)
		if err != nil {
			txn.Abort()
			return err
		}
		c.txn, c.cur = txn, cur
		return nil
	})
}

func (c *Cursor) closeLocked() {
	if c.cur != nil {
		c.cur.Close()
	}
	if c.txn != nil {
		c.txn.Abort()
	}
	c.cur, c.txn = nil, nil
}

// Seq returns the first (first=true) or next entry. ok is false once
// iteration is exhausted, at which point the cursor's transaction is
// closed automatically -- callers don't need to call Close in that
// case, only if they abandon iteration early.
func (c *Cursor) Seq(first bool) (key, val []byte, ok bool, err error) {
	if err := c.ensureOpen(); err != nil {
		return nil, nil, false, err
	}

	op := lmdb.Next
	if first {
		op = lmdb.First
	}

	err = c.db.withRetry(func() error {
		k, v, getErr := c.cur.Get(nil, nil, op)
		if getErr != nil {
			if lmdb.IsNotFound(getErr) {
				c.closeLocked()
				key, val, ok = nil, nil, false
				return nil
			}
			return getErr
		}
		key = append([]byte(nil), k...)
		val = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return key, val, ok, err
}

// Close releases the cursor's transaction, if one is open. Safe to
// call after Seq has already closed it on exhaustion.
func (c *Cursor) Close() {
	c.closeLocked()
}
