// Compiler flag discovery from a compile_flags.toml in the project root.
// Flag sets are matched by directory prefix; the front-end receives the most
// specific match for each file it parses.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// compileFlagsFile mirrors the compile_flags.toml schema:
//
//	default = ["-std=c++17"]
//	[[dir]]
//	path = "src/legacy"
//	flags = ["-std=c++03"]
type compileFlagsFile struct {
	Default []string       `toml:"default"`
	Dir     []dirFlagEntry `toml:"dir"`
}

type dirFlagEntry struct {
	Path  string   `toml:"path"`
	Flags []string `toml:"flags"`
}

// CompileFlagsProvider resolves the compiler flags to parse a file with.
// Immutable after load; safe for concurrent use by all pipeline workers.
type CompileFlagsProvider struct {
	root        string
	defaults    []string
	prefixes    []string // sorted longest-first for most-specific match
	prefixFlags map[string][]string
}

// LoadCompileFlags reads compile_flags.toml from the project root. A missing
// file yields a provider that returns the built-in default for everything.
func LoadCompileFlags(projectRoot string) (*CompileFlagsProvider, error) {
	p := &CompileFlagsProvider{
		root:        projectRoot,
		defaults:    []string{"-std=c++17"},
		prefixFlags: make(map[string][]string),
	}

	tomlPath := filepath.Join(projectRoot, "compile_flags.toml")
	content, err := os.ReadFile(tomlPath)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	var file compileFlagsFile
	if err := toml.Unmarshal(content, &file); err != nil {
		return nil, err
	}

	if len(file.Default) > 0 {
		p.defaults = file.Default
	}
	for _, entry := range file.Dir {
		if entry.Path == "" {
			continue
		}
		prefix := filepath.ToSlash(filepath.Clean(entry.Path))
		p.prefixFlags[prefix] = entry.Flags
		p.prefixes = append(p.prefixes, prefix)
	}
	sort.Slice(p.prefixes, func(i, j int) bool {
		return len(p.prefixes[i]) > len(p.prefixes[j])
	})

	return p, nil
}

// FlagsFor returns the flags for a file path, preferring the longest
// configured directory prefix, falling back to the default set.
func (p *CompileFlagsProvider) FlagsFor(path string) []string {
	rel := path
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(p.root, path); err == nil {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)

	for _, prefix := range p.prefixes {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return p.prefixFlags[prefix]
		}
	}
	return p.defaults
}
