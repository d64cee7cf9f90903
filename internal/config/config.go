package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/standardbeagle/symdb/internal/errors"
)

// Config is the full configuration surface of the indexing core: project
// location, scan filters, pipeline sizing, and cache policy. Defaults come
// from DefaultConfig; a .symdb.kdl in the project root overrides them.
type Config struct {
	Version  int
	Project  Project
	Index    Index
	Pipeline Pipeline
	Cache    Cache
	Include  []string
	Exclude  []string
}

type Project struct {
	Root string
	Name string
}

type Index struct {
	MaxFileSize     int64 // Files larger than this are skipped entirely
	FollowSymlinks  bool
	WatchMode       bool // Enable file system watching for automatic reindexing
	WatchDebounceMs int  // Debounce time for file change events
}

type Pipeline struct {
	Workers            int // Parser worker count; 0 = auto-detect (NumCPU)
	ParseQueueCapacity int // Per-lane bound on the parse request queues; 0 = unbounded
}

// Cache selects the cache store backend and its eviction policy.
type Cache struct {
	Backend    string // "memory" or "badger"
	Dir        string // Badger directory; ignored for the memory backend
	MaxEntries int    // Memory backend entry bound; 0 = default
}

// DefaultConfig returns the configuration used when no .symdb.kdl exists.
func DefaultConfig() *Config {
	root, _ := os.Getwd()
	if root == "" {
		root = "."
	}

	return &Config{
		Version: 1,
		Project: Project{Root: root},
		Index: Index{
			MaxFileSize:     10 * 1024 * 1024,
			FollowSymlinks:  false,
			WatchMode:       false,
			WatchDebounceMs: 100,
		},
		Pipeline: Pipeline{
			Workers:            0, // auto
			ParseQueueCapacity: 4096,
		},
		Cache: Cache{
			Backend:    "memory",
			MaxEntries: 4096,
		},
		Include: []string{"**/*.c", "**/*.cc", "**/*.cpp", "**/*.cxx", "**/*.h", "**/*.hh", "**/*.hpp"},
		Exclude: []string{"**/.git/**", "**/build/**", "**/out/**"},
	}
}

// EffectiveWorkers resolves the worker count, defaulting to NumCPU.
func (c *Config) EffectiveWorkers() int {
	if c.Pipeline.Workers > 0 {
		return c.Pipeline.Workers
	}
	return runtime.NumCPU()
}

// Validate checks configuration values are within usable ranges. Rejections
// come back as *errors.ConfigError naming the offending field.
func (c *Config) Validate() error {
	if c.Project.Root == "" {
		return errors.NewConfigError("project.root", "", fmt.Errorf("must not be empty"))
	}
	if c.Index.MaxFileSize <= 0 {
		return errors.NewConfigError("index.max_file_size",
			fmt.Sprint(c.Index.MaxFileSize), fmt.Errorf("must be positive"))
	}
	if c.Pipeline.Workers < 0 {
		return errors.NewConfigError("pipeline.workers",
			fmt.Sprint(c.Pipeline.Workers), fmt.Errorf("must not be negative"))
	}
	if c.Pipeline.ParseQueueCapacity < 0 {
		return errors.NewConfigError("pipeline.parse_queue_capacity",
			fmt.Sprint(c.Pipeline.ParseQueueCapacity), fmt.Errorf("must not be negative"))
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return errors.NewConfigError("cache.backend",
			c.Cache.Backend, fmt.Errorf("must be \"memory\" or \"badger\""))
	}
	if c.Cache.Backend == "badger" && c.Cache.Dir == "" {
		return errors.NewConfigError("cache.dir",
			"", fmt.Errorf("required for the badger backend"))
	}
	if c.Index.WatchDebounceMs < 0 {
		return errors.NewConfigError("index.watch_debounce_ms",
			fmt.Sprint(c.Index.WatchDebounceMs), fmt.Errorf("must not be negative"))
	}
	return nil
}
