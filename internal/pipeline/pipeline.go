// Package pipeline runs the parse side of indexing: submitted paths flow
// through staleness checking, the extraction cache, and the front-end on a
// worker pool, and finished extractions are handed to the merge engine.
//
// Submissions are deduplicated per path. A path submitted while already
// queued is coalesced into the queued run; a path submitted while being
// parsed is re-run once afterwards. Each queued run carries a generation
// number so superseded queue tokens are dropped cheaply when dequeued.
package pipeline

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/symdb/internal/cache"
	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/errors"
	"github.com/standardbeagle/symdb/internal/frontend"
	"github.com/standardbeagle/symdb/internal/index"
	"github.com/standardbeagle/symdb/internal/queue"
	"github.com/standardbeagle/symdb/internal/staleness"
	"github.com/standardbeagle/symdb/internal/types"
)

// Stats counts pipeline outcomes since start.
type Stats struct {
	Submitted     uint64
	Parsed        uint64
	CacheHits     uint64
	FreshSkips    uint64
	ParseFailures uint64
	Removed       uint64
}

// token is one queued run of a path. Stale generations are dropped on
// dequeue instead of being searched for in the queue.
type token struct {
	path       string
	generation uint64
}

type pendingState struct {
	generation uint64
	queued     bool
	parsing    bool
	rerun      bool
	priority   types.Priority
}

// Pipeline owns the parse workers and the two-lane request queue.
type Pipeline struct {
	cfg     *config.Config
	flags   *config.CompileFlagsProvider
	fe      frontend.Frontend
	store   cache.Store
	tracker *staleness.Tracker
	merger  *index.MergeEngine

	requests *queue.PriorityPair[token]

	mu      sync.Mutex
	pending map[string]*pendingState

	// active counts enqueued tokens not yet fully handled. Together with
	// the merge engine's pending count it defines quiescence; Drain sleeps
	// on idleCond until the count falls to zero.
	idleMu   sync.Mutex
	idleCond *sync.Cond
	active   int64

	submitted     atomic.Uint64
	parsed        atomic.Uint64
	cacheHits     atomic.Uint64
	freshSkips    atomic.Uint64
	parseFailures atomic.Uint64
	removed       atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. Start must be called before submissions are served.
func New(cfg *config.Config, flags *config.CompileFlagsProvider, fe frontend.Frontend,
	store cache.Store, tracker *staleness.Tracker, merger *index.MergeEngine) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		flags:    flags,
		fe:       fe,
		store:    store,
		tracker:  tracker,
		merger:   merger,
		requests: queue.NewPriorityPair[token](cfg.Pipeline.ParseQueueCapacity),
		pending:  make(map[string]*pendingState),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.idleCond = sync.NewCond(&p.idleMu)
	return p
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	workers := p.cfg.EffectiveWorkers()
	debug.LogQueue("starting %d pipeline workers", workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit requests (re)indexing of a path. Duplicate submissions of a path
// already queued or in flight coalesce into at most one additional run.
// Returns ErrQueueFull when the target lane is at capacity; producers that
// would rather wait out the backpressure use SubmitWait.
func (p *Pipeline) Submit(path string, priority types.Priority) error {
	return p.submit(nil, path, priority)
}

// SubmitWait behaves like Submit but blocks while the target lane is at
// capacity, resuming when workers free space or ctx is cancelled. This is
// the entry point for bulk producers like the scanner, whose job is to
// outpace the workers.
func (p *Pipeline) SubmitWait(ctx context.Context, path string, priority types.Priority) error {
	return p.submit(ctx, path, priority)
}

func (p *Pipeline) submit(ctx context.Context, path string, priority types.Priority) error {
	p.submitted.Add(1)

	p.mu.Lock()
	st, ok := p.pending[path]
	if !ok {
		st = &pendingState{}
		p.pending[path] = st
	}

	if st.parsing {
		// Re-run once after the in-flight parse completes
		st.rerun = true
		if priority > st.priority {
			st.priority = priority
		}
		p.mu.Unlock()
		return nil
	}
	if st.queued {
		if priority > st.priority {
			// Upgrade lane: enqueue a fresh generation interactively, the
			// bulk token becomes stale and is dropped on dequeue
			st.priority = priority
			return p.enqueueLocked(ctx, path, st)
		}
		p.mu.Unlock()
		return nil
	}

	st.priority = priority
	return p.enqueueLocked(ctx, path, st)
}

// enqueueLocked bumps the generation and queues a token. Unlocks p.mu. A nil
// ctx enqueues without waiting out a full lane.
func (p *Pipeline) enqueueLocked(ctx context.Context, path string, st *pendingState) error {
	st.generation++
	st.queued = true
	tok := token{path: path, generation: st.generation}
	priority := st.priority
	p.mu.Unlock()

	p.beginWork()
	var err error
	if ctx != nil {
		err = p.requests.EnqueueWait(ctx, tok, priority)
	} else {
		err = p.requests.Enqueue(tok, priority)
	}
	if err != nil {
		p.endWork()
		p.mu.Lock()
		st.queued = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// requeueLocked reschedules a path whose in-flight run was superseded.
// Unlocks p.mu. The worker holding the rerun is itself a queue consumer, so
// the token bypasses the lane bound instead of waiting on it.
func (p *Pipeline) requeueLocked(path string, st *pendingState) {
	st.generation++
	st.queued = true
	tok := token{path: path, generation: st.generation}
	priority := st.priority
	p.mu.Unlock()

	p.beginWork()
	if err := p.requests.Requeue(tok, priority); err != nil {
		// Closed: abandoning the rerun matches Close's contract
		p.endWork()
		p.mu.Lock()
		st.queued = false
		p.mu.Unlock()
	}
}

func (p *Pipeline) beginWork() {
	p.idleMu.Lock()
	p.active++
	p.idleMu.Unlock()
}

func (p *Pipeline) endWork() {
	p.idleMu.Lock()
	p.active--
	if p.active == 0 {
		p.idleCond.Broadcast()
	}
	p.idleMu.Unlock()
}

// waitParsesIdle suspends until no enqueued token remains unhandled.
func (p *Pipeline) waitParsesIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.idleMu.Lock()
		p.idleCond.Broadcast()
		p.idleMu.Unlock()
	})
	defer stop()

	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	for p.active != 0 && ctx.Err() == nil {
		p.idleCond.Wait()
	}
	return ctx.Err()
}

func (p *Pipeline) activeCount() int64 {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	return p.active
}

// Remove unindexes a path: drops any queued run, the cache entry, and the
// file's database contribution.
func (p *Pipeline) Remove(path string) error {
	p.removed.Add(1)

	p.mu.Lock()
	// A deleted pending entry makes any queued token stale on dequeue
	delete(p.pending, path)
	p.mu.Unlock()

	p.store.Delete(path)
	return p.merger.Submit(index.MergeRequest{Path: path, Delete: true})
}

// Drain blocks until every submitted path has been parsed and merged, or the
// context is cancelled. Every parse submits its merge before it stops
// counting as active, so once parses are idle all their merges are already
// visible to the merge engine; a parse arriving during the merge wait
// restarts the loop.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		if err := p.waitParsesIdle(ctx); err != nil {
			return err
		}
		if err := p.merger.WaitIdle(ctx); err != nil {
			return err
		}
		if p.activeCount() == 0 && p.merger.Pending() == 0 {
			return nil
		}
	}
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Parsed:        p.parsed.Load(),
		CacheHits:     p.cacheHits.Load(),
		FreshSkips:    p.freshSkips.Load(),
		ParseFailures: p.parseFailures.Load(),
		Removed:       p.removed.Load(),
	}
}

// Close stops the workers. Queued work is abandoned; the merge engine is not
// closed here because it may serve other producers.
func (p *Pipeline) Close() {
	p.cancel()
	p.requests.Close()
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		tok, err := p.requests.Dequeue()
		if err != nil {
			return
		}
		if p.ctx.Err() != nil {
			p.endWork()
			continue
		}
		p.process(tok)
	}
}

func (p *Pipeline) process(tok token) {
	defer p.endWork()

	p.mu.Lock()
	st, ok := p.pending[tok.path]
	if !ok || st.generation != tok.generation || st.parsing {
		// Superseded or removed while queued
		p.mu.Unlock()
		return
	}
	st.queued = false
	st.parsing = true
	p.mu.Unlock()

	p.handle(tok.path)

	p.mu.Lock()
	if st.rerun {
		st.rerun = false
		st.parsing = false
		p.requeueLocked(tok.path, st)
		return
	}
	delete(p.pending, tok.path)
	p.mu.Unlock()
}

// handle runs the full staleness/cache/parse/merge sequence for one path.
func (p *Pipeline) handle(path string) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		p.store.Delete(path)
		_ = p.merger.Submit(index.MergeRequest{Path: path, Delete: true})
		return
	}
	if err != nil {
		debug.LogIndexing("%v", errors.NewFileError("stat", path, err))
		return
	}
	if info.Size() > p.cfg.Index.MaxFileSize {
		debug.LogIndexing("skipping %s: %d bytes exceeds max file size", path, info.Size())
		return
	}

	stale, err := p.tracker.NeedsReindex(path)
	if err != nil {
		debug.LogIndexing("staleness check for %s failed: %v", path, err)
		return
	}
	if !stale {
		p.freshSkips.Add(1)
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		debug.LogIndexing("%v", errors.NewFileError("read", path, err))
		return
	}
	fp := types.FingerprintOf(content)

	if cached, ok := p.store.Get(path, fp); ok {
		p.cacheHits.Add(1)
		_ = p.merger.Submit(index.MergeRequest{
			Path:        path,
			Fingerprint: fp,
			ModTime:     info.ModTime(),
			Index:       cached,
		})
		return
	}

	extracted, err := p.fe.Parse(p.ctx, frontend.ParseInput{
		Path:    path,
		Content: content,
		Flags:   p.flags.FlagsFor(path),
	})
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.parseFailures.Add(1)
		debug.LogIndexing("parse of %s failed: %v", path, err)
		_ = p.merger.Submit(index.MergeRequest{
			Path:            path,
			DiagnosticsOnly: true,
			Diagnostics: []types.Diagnostic{{
				Severity: types.SeverityError,
				Message:  err.Error(),
			}},
		})
		return
	}
	p.parsed.Add(1)

	// The file may have changed while it was being parsed; a merge of the
	// old content would be recorded under the old fingerprint and go stale
	// undetected. Discard and run again against the current bytes.
	current, err := os.ReadFile(path)
	if err != nil || types.FingerprintOf(current) != fp {
		debug.LogIndexing("%s changed during parse, rescheduling", path)
		p.mu.Lock()
		if st, ok := p.pending[path]; ok {
			st.rerun = true
		}
		p.mu.Unlock()
		return
	}

	p.store.Put(path, fp, extracted)
	_ = p.merger.Submit(index.MergeRequest{
		Path:        path,
		Fingerprint: fp,
		ModTime:     info.ModTime(),
		Index:       extracted,
	})
}
