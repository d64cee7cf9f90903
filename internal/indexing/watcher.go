package indexing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/pipeline"
	"github.com/standardbeagle/symdb/internal/types"
)

// fileEventType classifies a debounced file system event.
type fileEventType int

const (
	fileEventWrite fileEventType = iota
	fileEventRemove
)

// Watcher turns file system changes into pipeline submissions. Edited and
// created files are submitted on the interactive lane; removed files are
// unindexed. Bursts of events on the same path collapse into one submission
// through the debouncer.
type Watcher struct {
	watcher   *fsnotify.Watcher
	cfg       *config.Config
	scanner   *Scanner
	pipe      *pipeline.Pipeline
	debouncer *eventDebouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu         sync.RWMutex
	eventsProcessed int64
	errorCount      int64
	lastEventTime   time.Time
}

// WatchStats reports watcher activity.
type WatchStats struct {
	EventsProcessed int64
	ErrorCount      int64
	LastEventTime   time.Time
	IsActive        bool
}

// NewWatcher creates a watcher; Start must be called to begin delivering.
func NewWatcher(cfg *config.Config, scanner *Scanner, pipe *pipeline.Pipeline) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:   fsw,
		cfg:       cfg,
		scanner:   scanner,
		pipe:      pipe,
		debouncer: newEventDebouncer(time.Duration(cfg.Index.WatchDebounceMs) * time.Millisecond),
		ctx:       ctx,
		cancel:    cancel,
	}
	w.debouncer.deliver = w.deliverBatch
	return w, nil
}

// Start adds watches over the whole project tree and begins processing.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.cfg.Project.Root); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.processEvents()
	debug.LogWatch("watching %s (debounce %dms)", w.cfg.Project.Root, w.cfg.Index.WatchDebounceMs)
	return nil
}

// Stop shuts the watcher down. Events still buffered in the debouncer are
// dropped; the index is being torn down or the caller will rescan.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.debouncer.stop()
	return err
}

// Stats returns watcher activity counters.
func (w *Watcher) Stats() WatchStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return WatchStats{
		EventsProcessed: w.eventsProcessed,
		ErrorCount:      w.errorCount,
		LastEventTime:   w.lastEventTime,
		IsActive:        w.ctx.Err() == nil,
	}
}

// addWatches registers every non-excluded directory under root. Symlink
// cycles are broken by tracking resolved paths.
func (w *Watcher) addWatches(root string) error {
	visited := make(map[string]bool)

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true

		if path != root && w.scanner.excludedDir(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			debug.LogWatch("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			debug.LogWatch("fsnotify error: %v", err)
			w.statsMu.Lock()
			w.errorCount++
			w.statsMu.Unlock()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	info, err := os.Stat(path)
	if err != nil {
		// Gone already; removes and renames both unindex the old path
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && w.scanner.Matches(path) {
			w.debouncer.addEvent(path, fileEventRemove)
		}
		return
	}

	if info.IsDir() {
		// A created directory needs a watch and an initial scan of any
		// files that arrived with it (editors often rename whole dirs in)
		if event.Op&fsnotify.Create != 0 && !w.scanner.excludedDir(path) {
			if err := w.watcher.Add(path); err != nil {
				debug.LogWatch("failed to watch new directory %s: %v", path, err)
			}
			w.submitSubtree(path)
		}
		return
	}

	if !w.scanner.Matches(path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		w.debouncer.addEvent(path, fileEventWrite)
	}
}

// submitSubtree submits every matching file under a newly created directory.
func (w *Watcher) submitSubtree(dir string) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if w.scanner.Matches(path) {
			w.debouncer.addEvent(path, fileEventWrite)
		}
		return nil
	})
}

// deliverBatch applies one debounced batch: removals first so renamed files
// free their old identity before the new path merges.
func (w *Watcher) deliverBatch(events map[string]fileEventType) {
	debug.LogWatch("processing %d debounced events", len(events))

	for path, eventType := range events {
		if eventType != fileEventRemove {
			continue
		}
		if err := w.pipe.Remove(path); err != nil {
			debug.LogWatch("remove of %s failed: %v", path, err)
		}
	}
	for path, eventType := range events {
		if eventType != fileEventWrite {
			continue
		}
		// Wait out a full lane rather than dropping the edit; nothing else
		// would reschedule it. Meanwhile new events keep accumulating in
		// the debouncer.
		if err := w.pipe.SubmitWait(w.ctx, path, types.PriorityInteractive); err != nil {
			debug.LogWatch("submit of %s failed: %v", path, err)
		}
	}

	w.statsMu.Lock()
	w.eventsProcessed += int64(len(events))
	w.lastEventTime = time.Now()
	w.statsMu.Unlock()
}

// eventDebouncer batches file events so an editor's save burst costs one
// pipeline submission per path. The newest event type per path wins.
type eventDebouncer struct {
	mu       sync.Mutex
	events   map[string]fileEventType
	debounce time.Duration
	timer    *time.Timer
	stopped  bool
	deliver  func(map[string]fileEventType)
}

func newEventDebouncer(debounce time.Duration) *eventDebouncer {
	return &eventDebouncer{
		events:   make(map[string]fileEventType),
		debounce: debounce,
	}
}

func (d *eventDebouncer) addEvent(path string, eventType fileEventType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.events[path] = eventType

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, d.flush)
}

func (d *eventDebouncer) flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	events := d.events
	d.events = make(map[string]fileEventType)
	d.mu.Unlock()

	if len(events) == 0 {
		return
	}
	d.deliver(events)
}

// stop drops pending events and prevents further flushes. Losing events at
// shutdown is fine: the pipeline is stopping too.
func (d *eventDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
