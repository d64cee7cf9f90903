// Package indexing feeds the pipeline from the file system: a bulk scanner
// for initial and full reindex passes, and an fsnotify watcher that turns
// edits into interactive submissions.
package indexing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/symdb/internal/config"
	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/pipeline"
	"github.com/standardbeagle/symdb/internal/types"
)

// Scanner walks the project tree and submits every matching file for bulk
// indexing. Top-level directories are walked in parallel.
type Scanner struct {
	cfg  *config.Config
	pipe *pipeline.Pipeline

	visitedMu sync.Mutex
	visited   map[string]bool
}

// NewScanner creates a scanner over the configured project root.
func NewScanner(cfg *config.Config, pipe *pipeline.Pipeline) *Scanner {
	return &Scanner{
		cfg:     cfg,
		pipe:    pipe,
		visited: make(map[string]bool),
	}
}

// Scan submits every file under the project root that matches the include
// patterns and no exclude pattern. Returns the number of files submitted.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	root := s.cfg.Project.Root
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}

	var submitted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EffectiveWorkers())

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() {
			if s.excludedDir(path) {
				continue
			}
			g.Go(func() error {
				return s.walkDir(ctx, path, &submitted)
			})
			continue
		}
		if err := s.consider(ctx, path, entry.Type(), &submitted); err != nil {
			return int(submitted.Load()), err
		}
	}

	err = g.Wait()
	debug.LogIndexing("scan of %s submitted %d files", root, submitted.Load())
	return int(submitted.Load()), err
}

func (s *Scanner) walkDir(ctx context.Context, dir string, submitted *atomic.Int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.markVisited(dir) {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		debug.LogIndexing("skipping unreadable directory %s: %v", dir, err)
		return nil
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if s.excludedDir(path) {
				continue
			}
			if err := s.walkDir(ctx, path, submitted); err != nil {
				return err
			}
			continue
		}
		if err := s.consider(ctx, path, entry.Type(), submitted); err != nil {
			return err
		}
	}
	return nil
}

// consider submits a regular file if it matches, following symlinks when
// configured.
func (s *Scanner) consider(ctx context.Context, path string, mode os.FileMode, submitted *atomic.Int64) error {
	if mode&os.ModeSymlink != 0 {
		if !s.cfg.Index.FollowSymlinks {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if s.excludedDir(path) {
				return nil
			}
			return s.walkDir(ctx, path, submitted)
		}
	}

	if !s.Matches(path) {
		return nil
	}
	// A full queue is backpressure, not failure: wait for the workers to
	// free space. Only cancellation or shutdown stops the scan.
	if err := s.pipe.SubmitWait(ctx, path, types.PriorityBulk); err != nil {
		return err
	}
	submitted.Add(1)
	return nil
}

// markVisited records a directory's resolved path, returning false when it
// was already walked. This is what breaks symlink cycles.
func (s *Scanner) markVisited(dir string) bool {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		real = dir
	}
	s.visitedMu.Lock()
	defer s.visitedMu.Unlock()
	if s.visited[real] {
		return false
	}
	s.visited[real] = true
	return true
}

// Matches reports whether a file path passes the include/exclude patterns.
// Patterns are matched against the slash-form path relative to the root.
func (s *Scanner) Matches(path string) bool {
	rel := s.relSlash(path)
	for _, pattern := range s.cfg.Exclude {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return false
		}
	}
	for _, pattern := range s.cfg.Include {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

// excludedDir reports whether a directory is covered by an exclude pattern,
// so its whole subtree can be skipped without reading it.
func (s *Scanner) excludedDir(path string) bool {
	rel := s.relSlash(path)
	for _, pattern := range s.cfg.Exclude {
		// "**/build/**" excludes everything under build; match against a
		// synthetic child so the directory itself triggers the pattern
		if matched, _ := doublestar.Match(pattern, rel+"/x"); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

func (s *Scanner) relSlash(path string) string {
	rel, err := filepath.Rel(s.cfg.Project.Root, path)
	if err != nil {
		rel = path
	}
	return filepath.ToSlash(rel)
}
