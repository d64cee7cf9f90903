package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/standardbeagle/symdb/internal/cache"
	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/frontend"
	"github.com/standardbeagle/symdb/internal/index"
	"github.com/standardbeagle/symdb/internal/staleness"
	"github.com/standardbeagle/symdb/internal/types"
)

// fakeFrontend extracts one function symbol named after the file content's
// first token. A nil gate parses immediately; a non-nil gate blocks every
// parse until the gate is closed.
type fakeFrontend struct {
	calls atomic.Int64
	gate  chan struct{}
	fail  atomic.Bool
}

func (f *fakeFrontend) Parse(ctx context.Context, in frontend.ParseInput) (*types.ExtractedIndex, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, fmt.Errorf("injected parse failure")
	}

	name := strings.Fields(string(in.Content))[0]
	return &types.ExtractedIndex{
		Path:        in.Path,
		Fingerprint: types.FingerprintOf(in.Content),
		Symbols: []types.SymbolDescriptor{{
			Name: name, Signature: "(0)", Kind: types.KindFunction,
			Uses: []types.Use{{
				Path:  in.Path,
				Range: types.Range{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 10},
				Role:  types.RoleDefinition,
			}},
		}},
	}, nil
}

type harness struct {
	dir      string
	fe       *fakeFrontend
	store    cache.Store
	tracker  *staleness.Tracker
	db       *index.Database
	merger   *index.MergeEngine
	pipeline *Pipeline
}

func newHarness(t *testing.T, fe *fakeFrontend) *harness {
	return newHarnessCfg(t, fe, nil)
}

func newHarnessCfg(t *testing.T, fe *fakeFrontend, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Project.Root = dir
	cfg.Pipeline.Workers = 2
	if mutate != nil {
		mutate(cfg)
	}

	flags, err := config.LoadCompileFlags(dir)
	if err != nil {
		t.Fatalf("LoadCompileFlags failed: %v", err)
	}

	h := &harness{
		dir:     dir,
		fe:      fe,
		store:   cache.NewMemoryStore(0),
		tracker: staleness.NewTracker(),
		db:      index.NewDatabase(),
	}
	h.merger = index.NewMergeEngine(h.db, h.tracker)
	h.pipeline = New(cfg, flags, fe, h.store, h.tracker, h.merger)
	h.pipeline.Start()

	t.Cleanup(func() {
		h.pipeline.Close()
		h.merger.Close()
	})
	return h
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pipeline.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

// TestPipeline_ParseAndMerge covers the plain path: submit, parse, merge,
// staleness recorded.
func TestPipeline_ParseAndMerge(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})
	path := h.write(t, "a.cpp", "alpha content")

	if err := h.pipeline.Submit(path, types.PriorityBulk); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.drain(t)

	if got := h.db.LookupByName("alpha"); len(got) != 1 {
		t.Fatalf("Expected symbol alpha in database, got %v", got)
	}
	if _, ok := h.tracker.Recorded(path); !ok {
		t.Error("Successful merge should record staleness stamp")
	}
	if h.fe.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 parse, got %d", h.fe.calls.Load())
	}
}

// TestPipeline_FreshFileSkipsParse verifies a resubmitted unchanged file is
// short-circuited by the staleness tracker.
func TestPipeline_FreshFileSkipsParse(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)
	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	if h.fe.calls.Load() != 1 {
		t.Errorf("Unchanged file should parse once, got %d", h.fe.calls.Load())
	}
	if h.pipeline.Stats().FreshSkips != 1 {
		t.Errorf("Expected 1 fresh skip, got %d", h.pipeline.Stats().FreshSkips)
	}
}

// TestPipeline_CacheShortCircuit verifies a stale-by-tracker file whose
// extraction is cached merges without invoking the front-end.
func TestPipeline_CacheShortCircuit(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	// Forgetting the stamp simulates a restart: the tracker no longer knows
	// the file, but the cache still holds its extraction by fingerprint.
	h.tracker.Forget(path)
	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	if h.fe.calls.Load() != 1 {
		t.Errorf("Cached extraction should skip the front-end, got %d parses", h.fe.calls.Load())
	}
	if h.pipeline.Stats().CacheHits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", h.pipeline.Stats().CacheHits)
	}
	if _, ok := h.tracker.Recorded(path); !ok {
		t.Error("Cache-hit merge should still record the staleness stamp")
	}
}

// TestPipeline_CoalescesDuplicateSubmissions verifies rapid resubmission of
// one path costs at most one extra parse.
func TestPipeline_CoalescesDuplicateSubmissions(t *testing.T) {
	fe := &fakeFrontend{gate: make(chan struct{})}
	h := newHarness(t, fe)
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)

	// Wait until the first parse is blocked inside the front-end
	deadline := time.Now().Add(2 * time.Second)
	for fe.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fe.calls.Load() == 0 {
		t.Fatal("First parse never started")
	}

	for i := 0; i < 6; i++ {
		h.pipeline.Submit(path, types.PriorityBulk)
	}
	close(fe.gate)
	h.drain(t)

	// One parse in flight plus at most one coalesced re-run. The re-run
	// is then skipped as fresh, so the front-end saw exactly one call.
	if got := fe.calls.Load(); got > 2 {
		t.Errorf("Expected at most 2 parses for 7 submissions, got %d", got)
	}
}

// TestPipeline_ParseFailureKeepsPreviousIndex verifies the last good index
// survives a failed reparse and diagnostics surface.
func TestPipeline_ParseFailureKeepsPreviousIndex(t *testing.T) {
	fe := &fakeFrontend{}
	h := newHarness(t, fe)
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	h.write(t, "a.cpp", "alpha broken content")
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)
	fe.fail.Store(true)

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	if got := h.db.LookupByName("alpha"); len(got) != 1 {
		t.Error("Previous index should survive a failed parse")
	}
	diags := h.db.Diagnostics(path)
	if len(diags) != 1 || !strings.Contains(diags[0].Message, "injected parse failure") {
		t.Errorf("Expected failure diagnostics, got %v", diags)
	}
	if h.pipeline.Stats().ParseFailures != 1 {
		t.Errorf("Expected 1 parse failure, got %d", h.pipeline.Stats().ParseFailures)
	}

	// Failure does not mark the file indexed: fixing it reparses
	fe.fail.Store(false)
	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)
	if len(h.db.Diagnostics(path)) != 0 {
		t.Error("Successful reparse should clear diagnostics")
	}
}

// TestPipeline_MidParseModificationReparses verifies content rewritten while
// its parse is in flight ends up indexed from the new bytes.
func TestPipeline_MidParseModificationReparses(t *testing.T) {
	fe := &fakeFrontend{gate: make(chan struct{})}
	h := newHarness(t, fe)
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)

	deadline := time.Now().Add(2 * time.Second)
	for fe.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fe.calls.Load() == 0 {
		t.Fatal("First parse never started")
	}

	// Rewrite while the worker is blocked inside Parse
	h.write(t, "a.cpp", "beta content")
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)
	close(fe.gate)
	h.drain(t)

	if got := h.db.LookupByName("beta"); len(got) != 1 {
		t.Error("Database should reflect the content written during the parse")
	}
	if got := h.db.LookupByName("alpha"); len(got) != 0 {
		t.Error("Stale mid-parse extraction must not be merged")
	}
	if fe.calls.Load() != 2 {
		t.Errorf("Expected discard-and-reparse to cost 2 parses, got %d", fe.calls.Load())
	}
}

// TestPipeline_RerunSurvivesFullQueue verifies a file rewritten during its
// own parse is rescheduled even when the lane it came from is at capacity.
func TestPipeline_RerunSurvivesFullQueue(t *testing.T) {
	fe := &fakeFrontend{gate: make(chan struct{})}
	h := newHarnessCfg(t, fe, func(cfg *config.Config) {
		cfg.Pipeline.Workers = 1
		cfg.Pipeline.ParseQueueCapacity = 1
	})
	pathA := h.write(t, "a.cpp", "alpha content")
	pathB := h.write(t, "b.cpp", "bravo content")

	if err := h.pipeline.Submit(pathA, types.PriorityBulk); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fe.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fe.calls.Load() == 0 {
		t.Fatal("First parse never started")
	}

	// Fill the single bulk slot behind the in-flight parse, then prove the
	// lane is saturated
	if err := h.pipeline.Submit(pathB, types.PriorityBulk); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	other := h.write(t, "c.cpp", "charlie content")
	if err := h.pipeline.Submit(other, types.PriorityBulk); err == nil {
		t.Fatal("Expected the saturated lane to reject a plain Submit")
	}

	// Rewrite the in-flight file; its rerun must be scheduled despite the
	// full lane
	h.write(t, "a.cpp", "beta content")
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(pathA, future, future)
	close(fe.gate)
	h.drain(t)

	if got := h.db.LookupByName("beta"); len(got) != 1 {
		t.Error("Rerun must survive queue saturation and index the new content")
	}
	if got := h.db.LookupByName("alpha"); len(got) != 0 {
		t.Error("Stale mid-parse extraction must not be merged")
	}
	if got := h.db.LookupByName("bravo"); len(got) != 1 {
		t.Error("Queued file should still be indexed")
	}
}

// TestPipeline_SubmitWaitRidesOutFullQueue verifies the blocking submission
// path delivers once workers free capacity.
func TestPipeline_SubmitWaitRidesOutFullQueue(t *testing.T) {
	fe := &fakeFrontend{gate: make(chan struct{})}
	h := newHarnessCfg(t, fe, func(cfg *config.Config) {
		cfg.Pipeline.Workers = 1
		cfg.Pipeline.ParseQueueCapacity = 1
	})
	pathA := h.write(t, "a.cpp", "alpha content")
	pathB := h.write(t, "b.cpp", "bravo content")
	pathC := h.write(t, "c.cpp", "charlie content")

	if err := h.pipeline.Submit(pathA, types.PriorityBulk); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fe.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := h.pipeline.Submit(pathB, types.PriorityBulk); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The lane is full; SubmitWait must block instead of rejecting
	done := make(chan error, 1)
	go func() {
		done <- h.pipeline.SubmitWait(context.Background(), pathC, types.PriorityBulk)
	}()
	select {
	case err := <-done:
		t.Fatalf("SubmitWait returned before capacity freed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(fe.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitWait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SubmitWait never resumed")
	}
	h.drain(t)

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		if len(h.db.LookupByName(name)) != 1 {
			t.Errorf("Expected %s indexed", name)
		}
	}
}

// TestPipeline_DrainHonorsCancel verifies a drain over in-flight work is
// released by its context instead of hanging.
func TestPipeline_DrainHonorsCancel(t *testing.T) {
	fe := &fakeFrontend{gate: make(chan struct{})}
	h := newHarness(t, fe)
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.pipeline.Drain(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded from drain over blocked parse, got %v", err)
	}

	close(fe.gate)
	h.drain(t)
	if len(h.db.LookupByName("alpha")) != 1 {
		t.Error("Work should complete after the gate opens")
	}
}

// TestPipeline_RemoveDropsEverything verifies Remove clears database, cache,
// and staleness state.
func TestPipeline_RemoveDropsEverything(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	if err := h.pipeline.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	h.drain(t)

	if got := h.db.Stats(); got.Files != 0 || got.Symbols != 0 {
		t.Errorf("Expected empty database after remove, got %+v", got)
	}
	if _, ok := h.tracker.Recorded(path); ok {
		t.Error("Remove should forget the staleness stamp")
	}
	if _, ok := h.store.Get(path, types.FingerprintOf([]byte("alpha content"))); ok {
		t.Error("Remove should drop the cache entry")
	}
}

// TestPipeline_VanishedFileBecomesDelete verifies submitting a path that no
// longer exists unindexes it instead of erroring.
func TestPipeline_VanishedFileBecomesDelete(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})
	path := h.write(t, "a.cpp", "alpha content")

	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)
	if len(h.db.LookupByName("alpha")) != 1 {
		t.Fatal("Setup merge missing")
	}

	os.Remove(path)
	h.pipeline.Submit(path, types.PriorityBulk)
	h.drain(t)

	if got := h.db.Stats(); got.Files != 0 {
		t.Errorf("Vanished file should be unindexed, got %+v", got)
	}
}

// TestPipeline_ConcurrentSubmitters exercises many goroutines submitting
// overlapping paths while the pipeline runs.
func TestPipeline_ConcurrentSubmitters(t *testing.T) {
	h := newHarness(t, &fakeFrontend{})

	paths := make([]string, 20)
	for i := range paths {
		paths[i] = h.write(t, fmt.Sprintf("f%02d.cpp", i), fmt.Sprintf("sym%02d content", i))
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range paths {
				h.pipeline.Submit(p, types.PriorityBulk)
			}
		}()
	}
	wg.Wait()
	h.drain(t)

	stats := h.db.Stats()
	if stats.Files != len(paths) || stats.Symbols != len(paths) {
		t.Errorf("Expected %d files and symbols, got %+v", len(paths), stats)
	}
}
