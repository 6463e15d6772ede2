package anvil

import (
	"testing"
	"time"
)

func TestConnectFirstTimeStartsAtOne(t *testing.T) {
	tbl := New(time.Minute)
	stats := tbl.Connect("h1", "smtp:1.2.3.4")
	if stats.Count != 1 || stats.Rate != 1 {
		t.Fatalf("stats = %+v, want {1 1}", stats)
	}
}

func TestConnectAccumulatesWithinWindow(t *testing.T) {
	tbl := New(time.Hour)
	tbl.Connect("h1", "smtp:1.2.3.4")
	tbl.Connect("h2", "smtp:1.2.3.4")
	stats := tbl.Connect("h3", "smtp:1.2.3.4")
	if stats.Count != 3 || stats.Rate != 3 {
		t.Fatalf("stats = %+v, want {3 3}", stats)
	}
}

func TestDisconnectDecrementsCountNotRate(t *testing.T) {
	tbl := New(time.Hour)
	tbl.Connect("h1", "smtp:1.2.3.4")
	tbl.Connect("h2", "smtp:1.2.3.4")
	tbl.Disconnect("h1", "smtp:1.2.3.4")

	stats, ok := tbl.Lookup("smtp:1.2.3.4")
	if !ok {
		t.Fatal("expected entry to still exist")
	}
	if stats.Count != 1 {
		t.Fatalf("count = %d, want 1", stats.Count)
	}
	if stats.Rate != 2 {
		t.Fatalf("rate = %d, want 2 (rate is never decremented by disconnect)", stats.Rate)
	}
}

func TestEntryExpiresAfterWindowOnceCountReachesZero(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	tbl.Connect("h1", "smtp:1.2.3.4")
	tbl.Disconnect("h1", "smtp:1.2.3.4")

	if _, ok := tbl.Lookup("smtp:1.2.3.4"); !ok {
		t.Fatal("entry should still be present immediately after reaching count 0")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := tbl.Lookup("smtp:1.2.3.4"); ok {
		t.Fatal("entry should have expired after the window elapsed")
	}
}

func TestCleanupLocalDropsLastReportedConnectionForHandle(t *testing.T) {
	tbl := New(time.Hour)
	tbl.Connect("h1", "smtp:1.2.3.4")
	// Same handle reporting a different ident replaces, not adds to,
	// its tracked remote - only one remote per local handle.
	tbl.Connect("h1", "smtp:5.6.7.8")

	firstStats, _ := tbl.Lookup("smtp:1.2.3.4")
	if firstStats.Count != 0 {
		t.Fatalf("switching idents on the same handle should drop the old one, count = %d, want 0", firstStats.Count)
	}

	tbl.CleanupLocal("h1")

	stats, ok := tbl.Lookup("smtp:5.6.7.8")
	if !ok {
		t.Fatal("expected entry to still exist (count reaches 0, not removed)")
	}
	if stats.Count != 0 {
		t.Fatalf("count = %d, want 0 after CleanupLocal", stats.Count)
	}
}

func TestRateResetsOnceWindowElapses(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	tbl.Connect("h1", "smtp:1.2.3.4")
	time.Sleep(20 * time.Millisecond)
	stats := tbl.Connect("h2", "smtp:1.2.3.4")
	if stats.Rate != 1 {
		t.Fatalf("rate = %d, want 1 after the window elapsed", stats.Rate)
	}
	if stats.Count != 2 {
		t.Fatalf("count = %d, want 2 (count is cumulative, unlike rate)", stats.Count)
	}
}

func TestDumpStatsReportsAndResetsHighWaterMarks(t *testing.T) {
	tbl := New(time.Hour)
	tbl.Connect("h1", "smtp:1.2.3.4")
	tbl.Connect("h2", "smtp:1.2.3.4")

	hw := tbl.DumpStats()
	if hw.MaxCount != 2 || hw.MaxCountUser != "smtp:1.2.3.4" {
		t.Fatalf("high water = %+v, want MaxCount=2 for smtp:1.2.3.4", hw)
	}

	hw2 := tbl.DumpStats()
	if hw2.MaxCount != 0 {
		t.Fatalf("second DumpStats should have reset the mark, got %+v", hw2)
	}
}
