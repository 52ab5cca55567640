package history

import (
	"sync"
	"testing"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
)

func ms(n int64) time.Time { return clock.Millis(n) }

func TestLookups(t *testing.T) {
	h := New[string](WithPurgeInterval(0))
	h.RecordState("a", ms(100))
	h.RecordState("b", ms(200))
	h.RecordState("c", ms(300))

	tests := []struct {
		name     string
		at       int64
		before   string
		atOrBef  string
		okBefore bool
		okAtOr   bool
	}{
		{"before first", 50, "", "", false, false},
		{"exactly first", 100, "", "a", false, true},
		{"between", 250, "b", "b", true, true},
		{"exactly middle", 200, "a", "b", true, true},
		{"after last", 1000, "c", "c", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := h.StateBefore(ms(tt.at))
			if ok != tt.okBefore || e.State != tt.before {
				t.Errorf("StateBefore(%d) = %q, %v; want %q, %v", tt.at, e.State, ok, tt.before, tt.okBefore)
			}
			if ok && !e.Time.Before(ms(tt.at)) {
				t.Errorf("StateBefore(%d) returned time %v, not strictly before", tt.at, e.Time)
			}
			e, ok = h.StateAtOrBefore(ms(tt.at))
			if ok != tt.okAtOr || e.State != tt.atOrBef {
				t.Errorf("StateAtOrBefore(%d) = %q, %v; want %q, %v", tt.at, e.State, ok, tt.atOrBef, tt.okAtOr)
			}
			if ok && e.Time.After(ms(tt.at)) {
				t.Errorf("StateAtOrBefore(%d) returned time %v, after lookup", tt.at, e.Time)
			}
		})
	}
}

func TestRecordStateRemovesLaterEntries(t *testing.T) {
	h := New[string](WithPurgeInterval(0))
	h.RecordState("a", ms(100))
	h.RecordState("b", ms(200))
	h.RecordState("c", ms(300))

	h.RecordState("x", ms(200))

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("Len = %d, want 2", len(entries))
	}
	if entries[0].State != "a" || entries[1].State != "x" {
		t.Errorf("entries = %v, want [a x]", entries)
	}
	if _, ok := h.StateAtOrBefore(ms(300)); !ok {
		t.Fatal("StateAtOrBefore(300) not found")
	}
	if e, _ := h.StateAtOrBefore(ms(300)); e.State != "x" {
		t.Errorf("StateAtOrBefore(300) = %q, want x (c must be gone)", e.State)
	}
}

func TestRecordStateEarlierClearsAll(t *testing.T) {
	h := New[int](WithPurgeInterval(0))
	h.RecordState(1, ms(100))
	h.RecordState(2, ms(200))

	h.RecordState(0, ms(10))

	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestPrune(t *testing.T) {
	h := New[int](WithPurgeInterval(0))
	for i := int64(1); i <= 5; i++ {
		h.RecordState(int(i), ms(i*100))
	}

	removed := h.Prune(ms(200), ms(400))
	if removed != 2 {
		t.Errorf("Prune() removed %d, want 2", removed)
	}
	entries := h.Entries()
	if len(entries) != 3 || entries[0].State != 2 || entries[2].State != 4 {
		t.Errorf("entries = %v, want states 2..4", entries)
	}

	// Zero bounds are open-ended.
	if n := h.Prune(time.Time{}, ms(300)); n != 1 {
		t.Errorf("Prune(zero, 300) removed %d, want 1", n)
	}
}

func TestPruneKeepsReaderSnapshot(t *testing.T) {
	h := New[int](WithPurgeInterval(0))
	h.RecordState(1, ms(100))
	h.RecordState(2, ms(200))

	snap := h.Entries()
	h.Prune(ms(1000), time.Time{})

	if len(snap) != 2 || snap[0].State != 1 {
		t.Errorf("snapshot changed after prune: %v", snap)
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestAutomaticPurge(t *testing.T) {
	clk := clock.NewMock(ms(10_000))
	h := New[int](WithClock(clk), WithPurgeInterval(3))

	h.RecordState(1, ms(1000))
	h.RecordState(2, ms(2000))
	if h.Len() != 2 {
		t.Fatalf("Len = %d before purge write, want 2", h.Len())
	}

	// Third write triggers the purge: 1000 is older than the latest past
	// entry (3000), 20000 is in the future and stays.
	h.RecordState(3, ms(3000))
	if h.Len() != 1 {
		t.Fatalf("Len = %d after purge, want 1", h.Len())
	}

	h.RecordState(4, ms(20_000))
	e, ok := h.StateBefore(ms(20_000))
	if !ok || e.State != 3 {
		t.Errorf("StateBefore(20000) = %v, %v; want 3", e.State, ok)
	}
}

func TestPurgeKeepsCurrentEntry(t *testing.T) {
	clk := clock.NewMock(ms(500))
	h := New[int](WithClock(clk), WithPurgeInterval(0))
	h.RecordState(1, ms(100))
	h.RecordState(2, ms(400))
	h.RecordState(3, ms(900))

	if n := h.Purge(); n != 1 {
		t.Errorf("Purge() removed %d, want 1", n)
	}
	e, ok := h.StateAtOrBefore(ms(500))
	if !ok || e.State != 2 {
		t.Errorf("current entry = %v, %v; want 2", e.State, ok)
	}
}

func TestPurgeBefore(t *testing.T) {
	tests := []struct {
		name    string
		cutoff  int64
		removed int
		first   int
	}{
		{"before everything", 50, 0, 1},
		{"on first entry", 100, 0, 1},
		{"between", 300, 1, 2},
		{"after last", 2000, 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New[int](WithPurgeInterval(0))
			h.RecordState(1, ms(100))
			h.RecordState(2, ms(200))
			h.RecordState(3, ms(900))

			if n := h.PurgeBefore(ms(tt.cutoff)); n != tt.removed {
				t.Errorf("PurgeBefore(%d) removed %d, want %d", tt.cutoff, n, tt.removed)
			}
			if got := h.Entries()[0].State; got != tt.first {
				t.Errorf("first entry = %d, want %d", got, tt.first)
			}
		})
	}
}

func TestClear(t *testing.T) {
	h := New[int]()
	h.RecordState(1, ms(1))
	h.Clear()
	if h.Len() != 0 {
		t.Errorf("Len = %d after Clear", h.Len())
	}
	if _, ok := h.StateAtOrBefore(ms(10)); ok {
		t.Error("lookup found entry after Clear")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	h := New[int](WithPurgeInterval(5))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 500; i++ {
			h.RecordState(int(i), ms(i))
			if i%50 == 0 {
				h.Prune(ms(i-100), time.Time{})
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 500; i++ {
				if e, ok := h.StateBefore(ms(i)); ok && !e.Time.Before(ms(i)) {
					t.Errorf("StateBefore(%d) returned %v", i, e.Time)
					return
				}
			}
		}()
	}
	wg.Wait()
}
