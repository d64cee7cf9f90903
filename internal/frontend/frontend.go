// Package frontend defines the parsing boundary of the indexing core. A
// Frontend turns one file's bytes into an ExtractedIndex; everything behind
// the boundary (pipeline, cache, merge engine) is front-end agnostic.
package frontend

import (
	"context"

	"github.com/standardbeagle/symdb/internal/types"
)

// ParseInput is everything a front-end may consider for one file. Extraction
// must be deterministic over (Content, Flags): same input, same output.
type ParseInput struct {
	Path    string
	Content []byte
	Flags   []string
}

// Frontend extracts symbols and diagnostics from a single file. Parse is
// called concurrently from every pipeline worker; implementations must be
// safe for concurrent use.
//
// A returned error means the file could not be parsed at all and its previous
// index should be retained. Recoverable syntax problems are reported through
// ExtractedIndex.Diagnostics instead, alongside whatever symbols were
// recovered.
type Frontend interface {
	Parse(ctx context.Context, in ParseInput) (*types.ExtractedIndex, error)
}
