package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/narrowmargin/peanutpod/internal/probe"
)

// EvictThreshold is the fail-streak count at which an entry is dropped
// entirely rather than persisted (§4.4).
const EvictThreshold = 5

// Persister loads and saves the pool's entries. The default
// implementation (persist.go) round-trips the §6 JSON schema; it is an
// out-of-scope collaborator per §1, given a concrete interface so the
// store has something real to call.
type Persister interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

// Store holds the current pool, single-writer per §5 ("the pool file
// is single-writer (C4); readers... take a value copy").
type Store struct {
	mu        sync.RWMutex
	entries   []Entry
	persister Persister
}

// NewStore builds an empty Store backed by persister. persister may be
// nil for tests that never touch disk.
func NewStore(persister Persister) *Store {
	return &Store{persister: persister}
}

// Load populates the store from the persister, if any.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	entries, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("pool: load: %w", err)
	}
	s.mu.Lock()
	s.entries = sortedCopy(entries)
	s.mu.Unlock()
	return nil
}

// Snapshot returns a value copy of the current entries, sorted by score
// descending, safe for the caller to range over without holding a lock
// (used by the rotation scheduler's §4.10 step 1).
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Available returns the subset of the snapshot with Status == Available.
func (s *Store) Available() []Entry {
	all := s.Snapshot()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Status == Available {
			out = append(out, e)
		}
	}
	return out
}

// Merge folds a validation batch into the store per §4.4: reachable
// results reset fail_count to 0, unreachable results increment the
// previous fail_count, and any entry whose fail_count reaches
// EvictThreshold is dropped. onEvict, if non-nil, is called once per
// evicted key (used to emit the eviction log line from §4.14).
// Persistence failure is reported but does not roll back the in-memory
// merge, per §4.4 and §7.
func (s *Store) Merge(results []probe.Result, onEvict func(key string)) error {
	s.mu.Lock()

	existing := make(map[string]Entry, len(s.entries))
	for _, e := range s.entries {
		existing[e.Key()] = e
	}

	for _, r := range results {
		entry := FromResult(r)
		key := entry.Key()

		var prevFail uint32
		if prev, ok := existing[key]; ok {
			prevFail = prev.FailCount
		}

		if r.Reachable {
			entry.FailCount = 0
		} else {
			entry.FailCount = prevFail + 1
		}

		if entry.FailCount >= EvictThreshold {
			delete(existing, key)
			if onEvict != nil {
				onEvict(key)
			}
			continue
		}

		existing[key] = entry
	}

	merged := make([]Entry, 0, len(existing))
	for _, e := range existing {
		merged = append(merged, e)
	}
	sortByScoreDesc(merged)
	s.entries = merged
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(merged); err != nil {
		return fmt.Errorf("pool: persist: %w", err)
	}
	return nil
}

func sortByScoreDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
}

func sortedCopy(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sortByScoreDesc(out)
	return out
}
