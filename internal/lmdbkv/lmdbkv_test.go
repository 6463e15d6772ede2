package lmdbkv

import (
	"path/filepath"
	"testing"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.lmdb"), Options{CurrLimit: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrips(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	val, found, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "v" {
		t.Fatalf("Get = %q found=%v", val, found)
	}
}

func TestGetMissingKeyIsNotFoundNotError(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.Get([]byte("absent"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected found=false for an absent key")
	}
}

func TestDelReportsWhetherKeyExisted(t *testing.T) {
	db := openTestDB(t)
	db.Put([]byte("k"), []byte("v"))

	found, err := db.Del([]byte("k"))
	if err != nil || !found {
		t.Fatalf("first Del: found=%v err=%v", found, err)
	}
	found, err = db.Del([]byte("k"))
	if err != nil || found {
		t.Fatalf("second Del: found=%v err=%v, want found=false", found, err)
	}
}

func TestCursorWalksInsertedEntries(t *testing.T) {
	db := openTestDB(t)
	db.Put([]byte("a"), []byte("1"))
	db.Put([]byte("b"), []byte("2"))

	cur := db.NewCursor()
	defer cur.Close()

	seen := map[string]string{}
	key, val, ok, err := cur.Seq(true)
	if err != nil {
		t.Fatal(err)
	}
	for ok {
		seen[string(key)] = string(val)
		key, val, ok, err = cur.Seq(false)
		if err != nil {
			t.Fatal(err)
		}
	}

	if len(seen) != 2 || seen["a"] != "1" || seen["b"] != "2" {
		t.Fatalf("seen = %#v", seen)
	}
}

func TestBulkAppliesAllWritesAtomically(t *testing.T) {
	db := openTestDB(t)

	err := db.Bulk(func(txn *lmdb.Txn) error {
		if err := txn.Put(db.dbi, []byte("x"), []byte("1"), 0); err != nil {
			return err
		}
		return txn.Put(db.dbi, []byte("y"), []byte("2"), 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	for k, want := range map[string]string{"x": "1", "y": "2"} {
		val, found, err := db.Get([]byte(k))
		if err != nil || !found || string(val) != want {
			t.Fatalf("Get(%q) = %q found=%v err=%v", k, val, found, err)
		}
	}
}
