package dictcache

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
)

// memDict is an in-memory Dict whose Seq order is the sorted key
// order, so iteration is deterministic for the tests below.
type memDict struct {
	mu   sync.Mutex
	data map[string]string
	// seqKeys is a frozen snapshot of sorted keys taken when a
	// "first" call starts a new pass, mirroring how a real cursor
	// over a B-tree-ish store wouldn't see keys inserted mid-scan.
	seqKeys []string
	seqPos  int
}

func newMemDict() *memDict {
	return &memDict{data: map[string]string{}}
}

func (d *memDict) Get(key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[key]
	return v, ok, nil
}

func (d *memDict) Put(key, val string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = val
	return nil
}

func (d *memDict) Del(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.data[key]
	delete(d.data, key)
	return ok, nil
}

func (d *memDict) Seq(first bool) (string, string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first {
		keys := make([]string, 0, len(d.data))
		for k := range d.data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d.seqKeys = keys
		d.seqPos = 0
	}
	if d.seqPos >= len(d.seqKeys) {
		return "", "", false, nil
	}
	k := d.seqKeys[d.seqPos]
	d.seqPos++
	v, ok := d.data[k]
	if !ok {
		// Entry was deleted behind us; the real dict_seq equivalent
		// would simply skip it on its own iterator, so do the same.
		return d.Seq(false)
	}
	return k, v, true, nil
}

func discardLogger() log.Logger {
	return log.Logger{Out: log.NopOutput{}}
}

func TestLookupHidesArmedCurrentEntry(t *testing.T) {
	db := newMemDict()
	db.Put("a", "1")
	c := Open("test", db, discardLogger())

	if _, _, ok, err := c.Sequence(true); !ok || err != nil {
		t.Fatalf("Sequence(first) = ok=%v err=%v", ok, err)
	}
	if found, err := c.Delete("a"); !found || err != nil {
		t.Fatalf("Delete = found=%v err=%v", found, err)
	}

	if _, ok, err := c.Lookup("a"); ok || err != nil {
		t.Fatalf("Lookup should hide the armed current entry, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := db.Get("a"); !ok {
		t.Fatal("delete-behind should not have touched the store yet")
	}
}

func TestUpdateCancelsDeleteBehind(t *testing.T) {
	db := newMemDict()
	db.Put("a", "1")
	c := Open("test", db, discardLogger())

	c.Sequence(true)
	c.Delete("a")

	if err := c.Update("a", "2"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Lookup("a")
	if err != nil || !ok || val != "2" {
		t.Fatalf("Lookup after Update = val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestDeleteBehindAppliesOnNextSequenceStep(t *testing.T) {
	db := newMemDict()
	db.Put("a", "1")
	db.Put("b", "2")
	c := Open("test", db, discardLogger())

	if k, _, ok, _ := c.Sequence(true); !ok || k != "a" {
		t.Fatalf("first = %q ok=%v", k, ok)
	}
	c.Delete("a")

	if k, _, ok, _ := c.Sequence(false); !ok || k != "b" {
		t.Fatalf("next = %q ok=%v", k, ok)
	}
	if _, ok, _ := db.Get("a"); ok {
		t.Fatal("expected \"a\" to have been deleted behind once the cursor advanced")
	}
}

func TestSequenceSkipsCleanupTimestampKey(t *testing.T) {
	db := newMemDict()
	db.Put(lastCleanupKey, "12345")
	db.Put("a", "1")
	c := Open("test", db, discardLogger())

	k, _, ok, err := c.Sequence(true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || k != "a" {
		t.Fatalf("Sequence should have skipped the reserved key, got k=%q ok=%v", k, ok)
	}
}

func TestDeleteNonCurrentEntryIsImmediate(t *testing.T) {
	db := newMemDict()
	db.Put("a", "1")
	db.Put("b", "2")
	c := Open("test", db, discardLogger())

	found, err := c.Delete("b")
	if err != nil || !found {
		t.Fatalf("Delete = found=%v err=%v", found, err)
	}
	if _, ok, _ := db.Get("b"); ok {
		t.Fatal("non-current entry should be deleted immediately")
	}
}

func TestExpireDropsEntriesValidatorRejects(t *testing.T) {
	db := newMemDict()
	db.Put("keep", "1")
	db.Put("drop", "2")
	c := Open("test", db, discardLogger())

	done := make(chan struct{})
	var calls int
	validator := func(key, val string) bool {
		calls++
		keep := key == "keep"
		if calls >= 2 {
			defer close(done)
		}
		return keep
	}

	c.Expire(ExpSummary, time.Hour, validator)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the cleanup pass to examine both entries")
	}
	c.StopExpire()

	if _, ok, _ := db.Get("drop"); ok {
		t.Fatal("expected \"drop\" to have been removed by the cleanup pass")
	}
	if _, ok, _ := db.Get("keep"); !ok {
		t.Fatal("expected \"keep\" to survive the cleanup pass")
	}
}

func TestExpireTwiceWithoutStopPanics(t *testing.T) {
	db := newMemDict()
	c := Open("test", db, discardLogger())
	c.Expire(0, time.Hour, func(string, string) bool { return true })
	defer c.StopExpire()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic scheduling a second cleanup loop")
		}
	}()
	c.Expire(0, time.Hour, func(string, string) bool { return true })
}
