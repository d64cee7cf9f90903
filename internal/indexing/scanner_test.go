package indexing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/standardbeagle/symdb/internal/cache"
	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/frontend"
	"github.com/standardbeagle/symdb/internal/index"
	"github.com/standardbeagle/symdb/internal/pipeline"
	"github.com/standardbeagle/symdb/internal/staleness"
	"github.com/standardbeagle/symdb/internal/types"
)

// stubFrontend emits one symbol named after the file's base name. A non-zero
// delay simulates parse cost so queues actually fill under load.
type stubFrontend struct {
	calls atomic.Int64
	delay time.Duration
}

func (f *stubFrontend) Parse(ctx context.Context, in frontend.ParseInput) (*types.ExtractedIndex, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	name := strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	return &types.ExtractedIndex{
		Path:        in.Path,
		Fingerprint: types.FingerprintOf(in.Content),
		Symbols: []types.SymbolDescriptor{{
			Name: name, Signature: "(0)", Kind: types.KindFunction,
			Uses: []types.Use{{
				Path:  in.Path,
				Range: types.Range{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 5},
				Role:  types.RoleDefinition,
			}},
		}},
	}, nil
}

type stack struct {
	cfg     *config.Config
	fe      *stubFrontend
	db      *index.Database
	tracker *staleness.Tracker
	merger  *index.MergeEngine
	pipe    *pipeline.Pipeline
	scanner *Scanner
}

func newStack(t *testing.T, root string) *stack {
	return newStackCfg(t, root, nil)
}

func newStackCfg(t *testing.T, root string, mutate func(*config.Config, *stubFrontend)) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Project.Root = root
	cfg.Pipeline.Workers = 2

	flags, err := config.LoadCompileFlags(root)
	if err != nil {
		t.Fatalf("LoadCompileFlags failed: %v", err)
	}

	s := &stack{
		cfg:     cfg,
		fe:      &stubFrontend{},
		db:      index.NewDatabase(),
		tracker: staleness.NewTracker(),
	}
	if mutate != nil {
		mutate(cfg, s.fe)
	}
	s.merger = index.NewMergeEngine(s.db, s.tracker)
	s.pipe = pipeline.New(cfg, flags, s.fe, cache.NewMemoryStore(0), s.tracker, s.merger)
	s.pipe.Start()
	s.scanner = NewScanner(cfg, s.pipe)

	t.Cleanup(func() {
		s.pipe.Close()
		s.merger.Close()
	})
	return s
}

func (s *stack) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pipe.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create dir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
}

// TestScanner_SubmitsMatchingFiles verifies include/exclude filtering over a
// nested tree.
func TestScanner_SubmitsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.cpp":          "int main() {}",
		"src/util.cpp":      "int util;",
		"src/util.hpp":      "int util;",
		"README.md":         "docs",
		"build/gen.cpp":     "int generated;",
		"src/notes.txt":     "notes",
		"deep/a/b/leaf.cxx": "int leaf;",
	})

	s := newStack(t, root)
	n, err := s.scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 submissions, got %d", n)
	}
	s.drain(t)

	for _, name := range []string{"main", "util", "leaf"} {
		if len(s.db.LookupByName(name)) == 0 {
			t.Errorf("Expected %s indexed", name)
		}
	}
	if len(s.db.LookupByName("gen")) != 0 {
		t.Error("Files under build/ must be excluded")
	}
	if len(s.db.LookupByName("README")) != 0 {
		t.Error("Non-matching extensions must be skipped")
	}
}

// TestScanner_SymlinkCycleTerminates verifies a symlink loop cannot hang the
// scan when symlink following is enabled.
func TestScanner_SymlinkCycleTerminates(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sub/a.cpp": "int a;",
	})
	if err := os.Symlink(root, filepath.Join(root, "sub", "loop")); err != nil {
		t.Skipf("Cannot create symlink: %v", err)
	}

	s := newStack(t, root)
	s.cfg.Index.FollowSymlinks = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.scanner.Scan(ctx); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	s.drain(t)

	if len(s.db.LookupByName("a")) != 1 {
		t.Error("File reachable through the cycle should be indexed exactly once")
	}
}

// TestScanner_TreeLargerThanQueueBound verifies the scanner rides out queue
// backpressure: every file in a tree far bigger than the parse queue bound is
// submitted and indexed.
func TestScanner_TreeLargerThanQueueBound(t *testing.T) {
	root := t.TempDir()
	const fileCount = 200
	files := make(map[string]string, fileCount)
	for i := 0; i < fileCount; i++ {
		files[fmt.Sprintf("src/f%03d.cpp", i)] = fmt.Sprintf("int f%03d;", i)
	}
	writeTree(t, root, files)

	s := newStackCfg(t, root, func(cfg *config.Config, fe *stubFrontend) {
		cfg.Pipeline.ParseQueueCapacity = 8
		fe.delay = time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed under backpressure: %v", err)
	}
	if n != fileCount {
		t.Errorf("Expected all %d files submitted, got %d", fileCount, n)
	}
	s.drain(t)

	if got := s.db.Stats().Files; got != fileCount {
		t.Errorf("Expected %d files indexed, got %d", fileCount, got)
	}
}

// TestScanner_RescanIsCheap verifies a second scan of an unchanged tree
// parses nothing.
func TestScanner_RescanIsCheap(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("f%d.cpp", i)] = fmt.Sprintf("int f%d;", i)
	}
	writeTree(t, root, files)

	s := newStack(t, root)
	if _, err := s.scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	s.drain(t)
	first := s.fe.calls.Load()

	if _, err := s.scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
	s.drain(t)

	if got := s.fe.calls.Load(); got != first {
		t.Errorf("Rescan of unchanged tree should parse nothing, got %d extra", got-first)
	}
}

// TestScanner_Matches covers pattern edge cases directly.
func TestScanner_Matches(t *testing.T) {
	root := t.TempDir()
	s := newStack(t, root)

	cases := []struct {
		rel  string
		want bool
	}{
		{"a.cpp", true},
		{"a.hh", true},
		{"dir/a.c", true},
		{"a.cpp.bak", false},
		{".git/hooks/x.cpp", false},
		{"out/a.cpp", false},
	}
	for _, tc := range cases {
		got := s.scanner.Matches(filepath.Join(root, filepath.FromSlash(tc.rel)))
		if got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}
