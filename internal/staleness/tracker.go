// Package staleness decides whether a file needs (re)parsing before it can be
// queried, by comparing its current on-disk fingerprint/mtime against the
// state recorded at its last successful merge.
package staleness

import (
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/symdb/internal/types"
)

// shardCount spreads paths across independent locks so merges of unrelated
// files never contend. Must be a power of two.
const shardCount = 32

type shard struct {
	mu sync.RWMutex
	m  map[string]types.FileStamp
}

// Tracker maps file path to the fingerprint/mtime it was last indexed at.
// All methods are safe for concurrent use; synchronization is per-shard,
// never global.
type Tracker struct {
	shards [shardCount]shard
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]types.FileStamp)
	}
	return t
}

func (t *Tracker) shardFor(path string) *shard {
	return &t.shards[xxhash.Sum64String(path)&(shardCount-1)]
}

// Recorded returns the stamp recorded for path at its last merge.
func (t *Tracker) Recorded(path string) (types.FileStamp, bool) {
	s := t.shardFor(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	stamp, ok := s.m[path]
	return stamp, ok
}

// NeedsReindex reports whether path's on-disk content no longer matches its
// recorded indexed state. The mtime is checked first as a cheap filter; only
// when it differs are the bytes hashed. A file whose content is unchanged
// despite a newer mtime has its recorded mtime refreshed and is not
// reindexed.
func (t *Tracker) NeedsReindex(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	s := t.shardFor(path)
	s.mu.RLock()
	stamp, ok := s.m[path]
	s.mu.RUnlock()

	if !ok {
		return true, nil
	}
	if info.ModTime().Equal(stamp.ModTime) {
		return false, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if types.FingerprintOf(content) == stamp.Fingerprint {
		// Touched but unchanged: refresh the mtime so the next check stays cheap
		s.mu.Lock()
		if cur, ok := s.m[path]; ok && cur.Fingerprint == stamp.Fingerprint {
			cur.ModTime = info.ModTime()
			s.m[path] = cur
		}
		s.mu.Unlock()
		return false, nil
	}

	return true, nil
}

// RecordIndexed stores the fingerprint and mtime a successful merge was based
// on. Called by the merge engine as part of its commit step.
func (t *Tracker) RecordIndexed(path string, fp types.Fingerprint, modTime time.Time) {
	s := t.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[path] = types.FileStamp{
		Fingerprint: fp,
		ModTime:     modTime,
		IndexedAt:   time.Now(),
	}
}

// Forget drops the record for a deleted file.
func (t *Tracker) Forget(path string) {
	s := t.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}
