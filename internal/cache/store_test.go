package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/standardbeagle/symdb/internal/types"
)

func testIndex(path string, name string) *types.ExtractedIndex {
	return &types.ExtractedIndex{
		Path: path,
		Symbols: []types.SymbolDescriptor{
			{
				Name: name,
				Kind: types.KindFunction,
				Uses: []types.Use{
					{Path: path, Range: types.Range{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 4}, Role: types.RoleDefinition},
				},
			},
		},
	}
}

// TestMemoryStore_HitRequiresExactFingerprint verifies the core cache
// contract: a hit iff stored fingerprint equals requested.
func TestMemoryStore_HitRequiresExactFingerprint(t *testing.T) {
	s := NewMemoryStore(16)
	defer s.Close()

	idx := testIndex("/src/a.cpp", "foo")
	s.Put("/src/a.cpp", 100, idx)

	if got, ok := s.Get("/src/a.cpp", 100); !ok || got == nil {
		t.Fatal("Expected hit for matching fingerprint")
	}

	if _, ok := s.Get("/src/a.cpp", 101); ok {
		t.Error("Expected miss for mismatched fingerprint")
	}

	// Mismatch invalidates the entry: even the original fingerprint now misses
	if _, ok := s.Get("/src/a.cpp", 100); ok {
		t.Error("Stale entry should be dropped after fingerprint mismatch")
	}
}

// TestMemoryStore_LastWriterWins verifies concurrent Put resolution.
func TestMemoryStore_LastWriterWins(t *testing.T) {
	s := NewMemoryStore(16)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(fp types.Fingerprint) {
			defer wg.Done()
			s.Put("/src/a.cpp", fp, testIndex("/src/a.cpp", "foo"))
		}(types.Fingerprint(i))
	}
	wg.Wait()

	// Whichever fingerprint won, exactly one must be retrievable
	found := 0
	for i := 0; i < 8; i++ {
		if _, ok := s.Get("/src/a.cpp", types.Fingerprint(i)); ok {
			found++
			// Re-insert since a mismatched Get drops the entry
			s.Put("/src/a.cpp", types.Fingerprint(i), testIndex("/src/a.cpp", "foo"))
		}
	}
	if found != 1 {
		t.Errorf("Expected exactly one winning fingerprint, found %d", found)
	}
}

// TestMemoryStore_LRUEviction verifies the size bound evicts oldest entries.
func TestMemoryStore_LRUEviction(t *testing.T) {
	s := NewMemoryStore(3)
	defer s.Close()

	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("/src/file%d.cpp", i)
		s.Put(path, types.Fingerprint(i), testIndex(path, "sym"))
	}

	stats := s.Stats()
	if stats.Entries != 3 {
		t.Errorf("Expected 3 entries after eviction, got %d", stats.Entries)
	}
	if stats.Evictions != 2 {
		t.Errorf("Expected 2 evictions, got %d", stats.Evictions)
	}

	// Oldest two should be gone, newest three present
	if _, ok := s.Get("/src/file0.cpp", 0); ok {
		t.Error("Oldest entry should have been evicted")
	}
	if _, ok := s.Get("/src/file4.cpp", 4); !ok {
		t.Error("Newest entry should still be cached")
	}
}

// TestBadgerStore_RoundTripAndCorruption verifies the durable store honors
// the same contract and survives reopen.
func TestBadgerStore_RoundTripAndCorruption(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}

	idx := testIndex("/src/a.cpp", "foo")
	s.Put("/src/a.cpp", 42, idx)

	got, ok := s.Get("/src/a.cpp", 42)
	if !ok {
		t.Fatal("Expected hit for matching fingerprint")
	}
	if len(got.Symbols) != 1 || got.Symbols[0].Name != "foo" {
		t.Errorf("Round-tripped index lost data: %+v", got)
	}

	if _, ok := s.Get("/src/a.cpp", 43); ok {
		t.Error("Expected miss for mismatched fingerprint")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: a matching entry written before close must still hit
	s2, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen badger store: %v", err)
	}
	defer s2.Close()

	s2.Put("/src/b.cpp", 7, testIndex("/src/b.cpp", "bar"))
	if _, ok := s2.Get("/src/b.cpp", 7); !ok {
		t.Error("Expected hit after reopen")
	}
}

// TestBadgerStore_DeleteDropsEntry verifies explicit invalidation.
func TestBadgerStore_DeleteDropsEntry(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}
	defer s.Close()

	s.Put("/src/a.cpp", 1, testIndex("/src/a.cpp", "foo"))
	s.Delete("/src/a.cpp")

	if _, ok := s.Get("/src/a.cpp", 1); ok {
		t.Error("Expected miss after delete")
	}
}
