// Package engine assembles the indexing core: cache store, staleness
// tracker, symbol database, merge engine, parse pipeline, scanner, and
// optional watcher, wired per configuration and torn down in order.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/standardbeagle/symdb/internal/cache"
	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/frontend"
	"github.com/standardbeagle/symdb/internal/index"
	"github.com/standardbeagle/symdb/internal/indexing"
	"github.com/standardbeagle/symdb/internal/pipeline"
	"github.com/standardbeagle/symdb/internal/staleness"
	"github.com/standardbeagle/symdb/internal/types"
)

// Engine is the top-level handle over one project's index.
type Engine struct {
	cfg     *config.Config
	store   cache.Store
	tracker *staleness.Tracker
	db      *index.Database
	merger  *index.MergeEngine
	pipe    *pipeline.Pipeline
	scanner *indexing.Scanner
	watcher *indexing.Watcher

	closeOnce sync.Once
	closeErr  error
}

// Status aggregates observability counters from every component.
type Status struct {
	Files    int
	Symbols  int
	Uses     int
	Pipeline pipeline.Stats
	Cache    cache.Stats
	Tracked  int
	Watch    *indexing.WatchStats
}

// New builds an engine from configuration. The pipeline workers start
// immediately; scanning and watching wait for Start.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	flags, err := config.LoadCompileFlags(cfg.Project.Root)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load compile flags: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		tracker: staleness.NewTracker(),
		db:      index.NewDatabase(),
	}
	e.merger = index.NewMergeEngine(e.db, e.tracker)
	e.pipe = pipeline.New(cfg, flags, frontend.NewTreeSitterFrontend(), store, e.tracker, e.merger)
	e.pipe.Start()
	e.scanner = indexing.NewScanner(cfg, e.pipe)

	if cfg.Index.WatchMode {
		w, err := indexing.NewWatcher(cfg, e.scanner, e.pipe)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		e.watcher = w
	}

	return e, nil
}

func newStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "badger":
		store, err := cache.NewBadgerStore(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return cache.NewMemoryStore(cfg.Cache.MaxEntries), nil
	}
}

// Start scans the project tree and, in watch mode, begins following changes.
// Returns the number of files submitted by the initial scan.
func (e *Engine) Start(ctx context.Context) (int, error) {
	n, err := e.scanner.Scan(ctx)
	if err != nil {
		return n, err
	}
	if e.watcher != nil {
		if err := e.watcher.Start(); err != nil {
			return n, err
		}
	}
	debug.Log("engine", "started over %s, %d files submitted", e.cfg.Project.Root, n)
	return n, nil
}

// Submit schedules one path for (re)indexing.
func (e *Engine) Submit(path string, priority types.Priority) error {
	return e.pipe.Submit(path, priority)
}

// Remove unindexes one path.
func (e *Engine) Remove(path string) error {
	return e.pipe.Remove(path)
}

// Drain blocks until all submitted work is parsed and merged.
func (e *Engine) Drain(ctx context.Context) error {
	return e.pipe.Drain(ctx)
}

// LookupByName returns every symbol with the given qualified name.
func (e *Engine) LookupByName(name string) []index.Symbol {
	return e.db.LookupByName(name)
}

// Definition returns the defining location of a symbol.
func (e *Engine) Definition(id types.SymbolID) (types.Use, bool) {
	return e.db.FindDefinition(id)
}

// References returns every use of a symbol across the project.
func (e *Engine) References(id types.SymbolID) []types.Use {
	return e.db.FindReferences(id)
}

// SymbolsInFile returns the symbols a file contributes to.
func (e *Engine) SymbolsInFile(path string) []index.Symbol {
	return e.db.SymbolsInFile(path)
}

// Diagnostics returns a file's diagnostics from its last merge or failed
// parse.
func (e *Engine) Diagnostics(path string) []types.Diagnostic {
	return e.db.Diagnostics(path)
}

// Files returns every indexed path.
func (e *Engine) Files() []string {
	return e.db.Files()
}

// Status returns a snapshot of all component counters.
func (e *Engine) Status() Status {
	dbStats := e.db.Stats()
	st := Status{
		Files:    dbStats.Files,
		Symbols:  dbStats.Symbols,
		Uses:     dbStats.Uses,
		Pipeline: e.pipe.Stats(),
		Cache:    e.store.Stats(),
		Tracked:  e.tracker.Len(),
	}
	if e.watcher != nil {
		ws := e.watcher.Stats()
		st.Watch = &ws
	}
	return st
}

// Close tears the engine down: watcher first so no new work arrives, then
// the pipeline, then the merge engine, then the cache store. Safe to call
// more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.watcher != nil {
			if err := e.watcher.Stop(); err != nil {
				e.closeErr = err
			}
		}
		if e.pipe != nil {
			e.pipe.Close()
		}
		if e.merger != nil {
			e.merger.Close()
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}
