package cache

import (
	"bytes"
	"encoding/gob"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/standardbeagle/symdb/internal/debug"
	symerrors "github.com/standardbeagle/symdb/internal/errors"
	"github.com/standardbeagle/symdb/internal/types"
)

// cacheRecord is the on-disk value format: fingerprint plus the extraction it
// was computed from. Opaque outside this package.
type cacheRecord struct {
	Fingerprint types.Fingerprint
	Index       types.ExtractedIndex
}

// BadgerStore is the durable Store: cached extractions survive process
// restarts. Any record that cannot be decoded, or whose fingerprint no longer
// matches the live file, is dropped lazily on first access and reported as a
// miss - corruption is never fatal.
type BadgerStore struct {
	db *badger.DB

	hits      int64
	misses    int64
	evictions int64
	corrupt   int64
	createdAt time.Time
}

// NewBadgerStore opens (or creates) a durable cache at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, createdAt: time.Now()}, nil
}

// Get implements Store.
func (s *BadgerStore) Get(path string, fp types.Fingerprint) (*types.ExtractedIndex, bool) {
	var record cacheRecord
	var decodeErr error

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decodeErr = gob.NewDecoder(bytes.NewReader(val)).Decode(&record)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}
	if err != nil || decodeErr != nil {
		// Unreadable entry: treat as corruption, drop it, report a miss.
		if decodeErr != nil {
			err = decodeErr
		}
		corruption := symerrors.NewCacheCorruptionError(path, err)
		debug.LogCache("dropping unreadable entry: %v\n", corruption)
		atomic.AddInt64(&s.corrupt, 1)
		atomic.AddInt64(&s.misses, 1)
		s.Delete(path)
		return nil, false
	}

	if record.Fingerprint != fp {
		atomic.AddInt64(&s.misses, 1)
		s.Delete(path)
		return nil, false
	}

	atomic.AddInt64(&s.hits, 1)
	idx := record.Index
	return &idx, true
}

// Put implements Store. Last writer wins; callers must not assume ordering
// across concurrent writers for the same path.
func (s *BadgerStore) Put(path string, fp types.Fingerprint, idx *types.ExtractedIndex) {
	var buf bytes.Buffer
	record := cacheRecord{Fingerprint: fp, Index: *idx}
	if err := gob.NewEncoder(&buf).Encode(&record); err != nil {
		debug.LogCache("failed to encode entry for %s: %v\n", path, err)
		return
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), buf.Bytes())
	})
	if err != nil {
		debug.LogCache("failed to store entry for %s: %v\n", path, err)
	}
}

// Delete implements Store.
func (s *BadgerStore) Delete(path string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		debug.LogCache("failed to delete entry for %s: %v\n", path, err)
	}
	atomic.AddInt64(&s.evictions, 1)
}

// Stats implements Store. Entry count is not tracked for the durable store;
// badger's own size accounting covers it.
func (s *BadgerStore) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Evictions: atomic.LoadInt64(&s.evictions),
		Corrupt:   atomic.LoadInt64(&s.corrupt),
		CreatedAt: s.createdAt,
	}
}

// Close flushes and closes the backing database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
