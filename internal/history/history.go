// Package history keeps a sparse, time-indexed record of the device states a
// pipeline has assumed were applied.
//
// The record reflects one linear assumed past: recording a state at T first
// removes every entry at or after T. Lookups binary-search an immutable
// snapshot, so a concurrent prune never removes the entry a reader is about
// to return.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/clock"
)

// DefaultPurgeInterval is the number of writes between automatic purges.
const DefaultPurgeInterval = 10

// Entry is one recorded state.
type Entry[S any] struct {
	Time  time.Time
	State S
}

// Option configures a StateHistory.
type Option func(*options)

type options struct {
	clock         clock.Clock
	purgeInterval int
}

// WithClock sets the time source used to decide what "before now" means
// during automatic purges.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithPurgeInterval sets how many writes happen between automatic purges.
// Zero or negative disables automatic purging.
func WithPurgeInterval(n int) Option {
	return func(o *options) {
		o.purgeInterval = n
	}
}

// StateHistory is an ordered slice of entries with copy-on-write updates.
//
// Thread Safety: All methods are safe for concurrent use.
type StateHistory[S any] struct {
	mu      sync.RWMutex
	entries []Entry[S] // sorted by Time, never mutated in place
	writes  int

	clock         clock.Clock
	purgeInterval int
}

// New creates an empty StateHistory.
func New[S any](opts ...Option) *StateHistory[S] {
	o := options{
		clock:         clock.New(),
		purgeInterval: DefaultPurgeInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &StateHistory[S]{
		clock:         o.clock,
		purgeInterval: o.purgeInterval,
	}
}

// RecordState stores state at t after removing every entry at or after t.
func (h *StateHistory[S]) RecordState(state S, t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cut := h.searchAtOrAfter(t)
	next := make([]Entry[S], cut, cut+1)
	copy(next, h.entries[:cut])
	next = append(next, Entry[S]{Time: t, State: state})
	h.entries = next

	h.writes++
	if h.purgeInterval > 0 && h.writes%h.purgeInterval == 0 {
		h.purgeLocked(h.clock.Now())
	}
}

// StateBefore returns the most recent entry strictly before t.
func (h *StateHistory[S]) StateBefore(t time.Time) (Entry[S], bool) {
	entries := h.snapshot()
	// First index with Time >= t; the entry before it is the answer.
	i := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Time.Before(t)
	})
	if i == 0 {
		return Entry[S]{}, false
	}
	return entries[i-1], true
}

// StateAtOrBefore returns the most recent entry at or before t.
func (h *StateHistory[S]) StateAtOrBefore(t time.Time) (Entry[S], bool) {
	entries := h.snapshot()
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Time.After(t)
	})
	if i == 0 {
		return Entry[S]{}, false
	}
	return entries[i-1], true
}

// Prune removes entries before removeBefore and after removeAfter. A zero
// bound is ignored.
func (h *StateHistory[S]) Prune(removeBefore, removeAfter time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := make([]Entry[S], 0, len(h.entries))
	for _, e := range h.entries {
		if !removeBefore.IsZero() && e.Time.Before(removeBefore) {
			continue
		}
		if !removeAfter.IsZero() && e.Time.After(removeAfter) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(h.entries) - len(kept)
	if removed > 0 {
		h.entries = kept
	}
	return removed
}

// Purge drops every entry older than the most recent entry at or before now.
// That entry stays because it describes what the device is doing now.
func (h *StateHistory[S]) Purge() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.purgeLocked(h.clock.Now())
}

// PurgeBefore drops every entry older than the most recent entry at or
// before t. It is Purge with an explicit cutoff, used by retention.
func (h *StateHistory[S]) PurgeBefore(t time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.purgeLocked(t)
}

// Clear removes every entry.
func (h *StateHistory[S]) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Len returns the number of stored entries.
func (h *StateHistory[S]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns the stored entries in time order. The returned slice must
// not be modified.
func (h *StateHistory[S]) Entries() []Entry[S] {
	return h.snapshot()
}

func (h *StateHistory[S]) snapshot() []Entry[S] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries
}

// searchAtOrAfter returns the first index whose entry is at or after t.
// Callers must hold mu.
func (h *StateHistory[S]) searchAtOrAfter(t time.Time) int {
	return sort.Search(len(h.entries), func(i int) bool {
		return !h.entries[i].Time.Before(t)
	})
}

func (h *StateHistory[S]) purgeLocked(now time.Time) int {
	i := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Time.After(now)
	})
	// i-1 is the latest entry at or before now; everything before it goes.
	if i <= 1 {
		return 0
	}
	removed := i - 1
	next := make([]Entry[S], len(h.entries)-removed)
	copy(next, h.entries[removed:])
	h.entries = next
	return removed
}
