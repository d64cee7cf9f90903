package index

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/errors"
	"github.com/standardbeagle/symdb/internal/queue"
	"github.com/standardbeagle/symdb/internal/staleness"
	"github.com/standardbeagle/symdb/internal/types"
)

// MergeRequest is one unit of work for the merge engine. Exactly one of the
// three shapes is used: a full index merge (Index set), a diagnostics-only
// update after a failed parse (DiagnosticsOnly set, previous index retained),
// or a file removal (Delete set).
type MergeRequest struct {
	Path            string
	Fingerprint     types.Fingerprint
	ModTime         time.Time
	Index           *types.ExtractedIndex
	Diagnostics     []types.Diagnostic
	DiagnosticsOnly bool
	Delete          bool

	// OnDone, if set, is called after the request is applied, with the merge
	// error (nil on success). Runs on the merge goroutine; keep it cheap.
	OnDone func(error)
}

// MergeEngine serializes all database mutations through a single goroutine.
// Parse results arrive from many workers, but applying them one at a time
// means merges never race each other and readers only need the database's
// snapshot lock. The inbound queue is unbounded so workers never stall on
// merge throughput.
type MergeEngine struct {
	db       *Database
	tracker  *staleness.Tracker
	requests *queue.Queue[MergeRequest]
	wg       sync.WaitGroup

	idleMu   sync.Mutex
	idleCond *sync.Cond
	inFlight int64
}

// NewMergeEngine creates the engine and starts its merge goroutine.
func NewMergeEngine(db *Database, tracker *staleness.Tracker) *MergeEngine {
	e := &MergeEngine{
		db:       db,
		tracker:  tracker,
		requests: queue.New[MergeRequest](),
	}
	e.idleCond = sync.NewCond(&e.idleMu)
	e.wg.Add(1)
	go e.run()
	return e
}

// Submit enqueues a merge request. Returns ErrQueueClosed after Close.
func (e *MergeEngine) Submit(req MergeRequest) error {
	e.idleMu.Lock()
	e.inFlight++
	e.idleMu.Unlock()

	if err := e.requests.Enqueue(req); err != nil {
		e.settleOne()
		return err
	}
	return nil
}

// Pending returns the number of submitted requests not yet applied.
func (e *MergeEngine) Pending() int {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	return int(e.inFlight)
}

// WaitIdle suspends until every submitted request has been applied, or ctx
// is cancelled.
func (e *MergeEngine) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.idleMu.Lock()
		e.idleCond.Broadcast()
		e.idleMu.Unlock()
	})
	defer stop()

	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	for e.inFlight != 0 && ctx.Err() == nil {
		e.idleCond.Wait()
	}
	return ctx.Err()
}

func (e *MergeEngine) settleOne() {
	e.idleMu.Lock()
	e.inFlight--
	if e.inFlight == 0 {
		e.idleCond.Broadcast()
	}
	e.idleMu.Unlock()
}

// Close stops accepting requests, applies everything already queued, and
// waits for the merge goroutine to exit.
func (e *MergeEngine) Close() {
	e.requests.Close()
	e.wg.Wait()
}

func (e *MergeEngine) run() {
	defer e.wg.Done()
	for {
		req, err := e.requests.Dequeue()
		if err != nil {
			return
		}
		mergeErr := e.apply(req)
		if req.OnDone != nil {
			req.OnDone(mergeErr)
		}
		e.settleOne()
	}
}

func (e *MergeEngine) apply(req MergeRequest) error {
	switch {
	case req.Delete:
		e.db.removeFile(req.Path)
		e.tracker.Forget(req.Path)
		debug.LogMerge("removed %s", req.Path)
		return nil

	case req.DiagnosticsOnly:
		// The previous index stays in place; the file is retried on its
		// next change, not before, so it is deliberately not recorded as
		// indexed here.
		e.db.setDiagnostics(req.Path, req.Diagnostics)
		debug.LogMerge("diagnostics-only update for %s (%d diagnostics)", req.Path, len(req.Diagnostics))
		return nil

	case req.Index != nil:
		if err := e.db.applyExtracted(req.Index); err != nil {
			// A rejected merge means an identity invariant broke upstream;
			// surface it even without the debug gate
			log.Printf("symdb: %v", err)
			return err
		}
		e.tracker.RecordIndexed(req.Path, req.Fingerprint, req.ModTime)
		debug.LogMerge("merged %s (%d symbols)", req.Path, len(req.Index.Symbols))
		return nil
	}

	err := errors.NewMergeConflictError(req.Path, "request carries no index, diagnostics, or delete")
	log.Printf("symdb: %v", err)
	return err
}

// contribution is one file's resolved share of a symbol: final ID after
// collision discrimination, identity material, and deduplicated uses.
type contribution struct {
	id        types.SymbolID
	name      string
	signature string
	kind      types.SymbolKind
	uses      []types.Use
}

// resolveContributions turns an extraction into per-symbol contributions.
// Structural fingerprint collisions between distinct descriptors in the same
// file are resolved by declaration order: the Nth colliding descriptor gets
// discriminator N. Duplicate (path, range) uses are dropped.
func resolveContributions(idx *types.ExtractedIndex) []contribution {
	out := make([]contribution, 0, len(idx.Symbols))
	collisions := make(map[types.SymbolID]uint32)

	for i := range idx.Symbols {
		d := &idx.Symbols[i]
		base := d.StructuralID()
		ord := collisions[base]
		collisions[base] = ord + 1

		c := contribution{
			id:        base.WithDiscriminator(ord),
			name:      d.Name,
			signature: d.Signature,
			kind:      d.Kind,
		}

		seen := make(map[types.Range]struct{}, len(d.Uses))
		for _, u := range d.Uses {
			u.Path = idx.Path
			if _, dup := seen[u.Range]; dup {
				continue
			}
			seen[u.Range] = struct{}{}
			c.uses = append(c.uses, u)
		}
		out = append(out, c)
	}
	return out
}

// applyExtracted replaces the file's entire contribution with the new
// extraction in one critical section. Contributions are resolved before the
// lock is taken; readers see either the old state or the new, never a mix.
func (db *Database) applyExtracted(idx *types.ExtractedIndex) error {
	contribs := resolveContributions(idx)

	db.mu.Lock()
	defer db.mu.Unlock()

	// Identity check before any mutation: a contribution whose ID is already
	// bound to different identity material would corrupt lookups.
	for _, c := range contribs {
		if existing, ok := db.symbols[c.id]; ok {
			if existing.Name != c.name || existing.Signature != c.signature || existing.Kind != c.kind {
				return errors.NewMergeConflictError(idx.Path, fmt.Sprintf(
					"symbol %x resolves to both %s%s and %s%s",
					uint64(c.id), existing.Name, existing.Signature, c.name, c.signature))
			}
		}
	}

	db.stripFileLocked(idx.Path)

	symbolIDs := make([]types.SymbolID, 0, len(contribs))
	for _, c := range contribs {
		sym, ok := db.symbols[c.id]
		if !ok {
			sym = &Symbol{ID: c.id, Name: c.name, Signature: c.signature, Kind: c.kind}
			db.symbols[c.id] = sym
			db.byName[c.name] = append(db.byName[c.name], c.id)
		}
		sym.Uses = append(sym.Uses, c.uses...)
		symbolIDs = append(symbolIDs, c.id)
	}

	db.files[idx.Path] = &FileRecord{
		Path:        idx.Path,
		Fingerprint: idx.Fingerprint,
		Symbols:     symbolIDs,
		Diagnostics: append([]types.Diagnostic(nil), idx.Diagnostics...),
		IndexedAt:   time.Now(),
	}
	return nil
}

// removeFile drops the file's record and every use it contributed. Symbols
// referenced only from other files survive; symbols with no remaining uses
// are pruned entirely.
func (db *Database) removeFile(path string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stripFileLocked(path)
	delete(db.files, path)
}

// setDiagnostics replaces a file's diagnostics without touching its symbols.
// A parse failure on a never-merged file still gets a record so diagnostics
// are queryable.
func (db *Database) setDiagnostics(path string, diags []types.Diagnostic) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.files[path]
	if !ok {
		rec = &FileRecord{Path: path}
		db.files[path] = rec
	}
	rec.Diagnostics = append([]types.Diagnostic(nil), diags...)
	rec.IndexedAt = time.Now()
}

// stripFileLocked removes every use the file contributed and prunes symbols
// left with no uses. Caller holds the write lock.
func (db *Database) stripFileLocked(path string) {
	rec, ok := db.files[path]
	if !ok {
		return
	}
	for _, id := range rec.Symbols {
		sym, ok := db.symbols[id]
		if !ok {
			continue
		}
		kept := sym.Uses[:0]
		for _, u := range sym.Uses {
			if u.Path != path {
				kept = append(kept, u)
			}
		}
		sym.Uses = kept
		if len(sym.Uses) == 0 {
			delete(db.symbols, id)
			db.dropNameLocked(sym.Name, id)
		}
	}
	rec.Symbols = nil
}

func (db *Database) dropNameLocked(name string, id types.SymbolID) {
	ids := db.byName[name]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(db.byName, name)
	} else {
		db.byName[name] = ids
	}
}
