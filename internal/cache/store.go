// Package cache persists per-file extractions keyed by content fingerprint so
// the pipeline can skip re-invoking the front-end for unchanged files.
//
// The contract every Store must hold: Get returns a hit if and only if the
// stored fingerprint equals the requested one - never a stale or partial
// entry. Concurrent Put for the same path is last-writer-wins; staleness is
// always re-validated by fingerprint, not arrival order.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/symdb/internal/types"
)

// Store is the cache boundary consumed by the indexing pipeline.
type Store interface {
	// Get returns the cached extraction for path if its stored fingerprint
	// equals fp.
	Get(path string, fp types.Fingerprint) (*types.ExtractedIndex, bool)

	// Put stores the extraction for path under fp, replacing any previous
	// entry for the path.
	Put(path string, fp types.Fingerprint, idx *types.ExtractedIndex)

	// Delete drops the entry for path, if any.
	Delete(path string)

	// Stats returns hit/miss/eviction counters.
	Stats() Stats

	// Close releases any backing resources.
	Close() error
}

// Stats holds cache observability counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Corrupt   int64
	Entries   int
	CreatedAt time.Time
}

// DefaultMaxEntries bounds the in-memory store when no limit is configured.
const DefaultMaxEntries = 4096

// memoryEntry is one cached extraction plus its LRU position.
type memoryEntry struct {
	path        string
	fingerprint types.Fingerprint
	index       *types.ExtractedIndex
	element     *list.Element
}

// MemoryStore is the default Store: an LRU-bounded in-process map. It holds
// no locks across anything but map/list manipulation, so many pipeline
// workers can hit it without meaningful contention.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	lru        *list.List // front = most recent
	maxEntries int

	hits      int64
	misses    int64
	evictions int64
	createdAt time.Time
}

// NewMemoryStore creates an in-memory store bounded to maxEntries
// (0 = DefaultMaxEntries).
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		lru:        list.New(),
		maxEntries: maxEntries,
		createdAt:  time.Now(),
	}
}

// Get implements Store. A fingerprint mismatch drops the stale entry
// immediately - it can never become valid again.
func (s *MemoryStore) Get(path string, fp types.Fingerprint) (*types.ExtractedIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[path]
	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}
	if entry.fingerprint != fp {
		s.removeLocked(entry)
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}

	s.lru.MoveToFront(entry.element)
	atomic.AddInt64(&s.hits, 1)
	return entry.index, true
}

// Put implements Store.
func (s *MemoryStore) Put(path string, fp types.Fingerprint, idx *types.ExtractedIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[path]; ok {
		entry.fingerprint = fp
		entry.index = idx
		s.lru.MoveToFront(entry.element)
		return
	}

	entry := &memoryEntry{path: path, fingerprint: fp, index: idx}
	entry.element = s.lru.PushFront(entry)
	s.entries[path] = entry

	for len(s.entries) > s.maxEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest.Value.(*memoryEntry))
		atomic.AddInt64(&s.evictions, 1)
	}
}

// Delete implements Store.
func (s *MemoryStore) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[path]; ok {
		s.removeLocked(entry)
	}
}

// removeLocked unlinks an entry from both map and list. Caller holds s.mu.
func (s *MemoryStore) removeLocked(entry *memoryEntry) {
	delete(s.entries, entry.path)
	s.lru.Remove(entry.element)
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()

	return Stats{
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Evictions: atomic.LoadInt64(&s.evictions),
		Entries:   entries,
		CreatedAt: s.createdAt,
	}
}

// Close implements Store. The memory store has nothing to release.
func (s *MemoryStore) Close() error {
	return nil
}
