// Package index holds the in-memory symbol database and the single-writer
// merge engine that keeps it consistent with parsed file content.
//
// The database is organized around structural symbol identity: a symbol's ID
// is derived from its qualified name and signature, never from file position,
// so edits that move a declaration do not change its identity. All uses a
// file contributes are replaced atomically when that file is remerged.
package index

import (
	"sort"
	"sync"
	"time"

	"github.com/standardbeagle/symdb/internal/types"
)

// Symbol is one indexed symbol with every use known across all files.
type Symbol struct {
	ID        types.SymbolID
	Name      string
	Signature string
	Kind      types.SymbolKind
	Uses      []types.Use
}

// FileRecord is the database's bookkeeping for one merged file: which
// symbols it contributes uses to, and its last diagnostics.
type FileRecord struct {
	Path        string
	Fingerprint types.Fingerprint
	Symbols     []types.SymbolID
	Diagnostics []types.Diagnostic
	IndexedAt   time.Time
}

// Stats summarizes database contents.
type Stats struct {
	Files   int
	Symbols int
	Uses    int
}

// Database is the concurrent symbol index. Any number of readers run against
// a consistent snapshot while the merge engine applies updates; readers never
// observe a half-merged file. Query results are copies and stay valid after
// later merges.
type Database struct {
	mu      sync.RWMutex
	symbols map[types.SymbolID]*Symbol
	files   map[string]*FileRecord
	byName  map[string][]types.SymbolID
}

// NewDatabase creates an empty symbol database.
func NewDatabase() *Database {
	return &Database{
		symbols: make(map[types.SymbolID]*Symbol),
		files:   make(map[string]*FileRecord),
		byName:  make(map[string][]types.SymbolID),
	}
}

// Lookup returns a copy of the symbol with the given ID.
func (db *Database) Lookup(id types.SymbolID) (Symbol, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	sym, ok := db.symbols[id]
	if !ok {
		return Symbol{}, false
	}
	return copySymbol(sym), true
}

// LookupByName returns copies of every symbol with the given qualified name,
// in a stable order.
func (db *Database) LookupByName(name string) []Symbol {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := db.byName[name]
	out := make([]Symbol, 0, len(ids))
	for _, id := range ids {
		if sym, ok := db.symbols[id]; ok {
			out = append(out, copySymbol(sym))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindDefinition returns the location that defines the symbol, preferring a
// definition use and falling back to a declaration. A reference to a symbol
// whose defining file was deleted has no definition until one reappears.
func (db *Database) FindDefinition(id types.SymbolID) (types.Use, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	sym, ok := db.symbols[id]
	if !ok {
		return types.Use{}, false
	}
	var decl *types.Use
	for i := range sym.Uses {
		switch sym.Uses[i].Role {
		case types.RoleDefinition:
			return sym.Uses[i], true
		case types.RoleDeclaration:
			if decl == nil {
				decl = &sym.Uses[i]
			}
		}
	}
	if decl != nil {
		return *decl, true
	}
	return types.Use{}, false
}

// FindReferences returns every use of the symbol across all files, ordered by
// path then position.
func (db *Database) FindReferences(id types.SymbolID) []types.Use {
	db.mu.RLock()
	defer db.mu.RUnlock()
	sym, ok := db.symbols[id]
	if !ok {
		return nil
	}
	out := make([]types.Use, len(sym.Uses))
	copy(out, sym.Uses)
	sortUses(out)
	return out
}

// SymbolsInFile returns copies of every symbol the file contributes uses to.
func (db *Database) SymbolsInFile(path string) []Symbol {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.files[path]
	if !ok {
		return nil
	}
	out := make([]Symbol, 0, len(rec.Symbols))
	for _, id := range rec.Symbols {
		if sym, ok := db.symbols[id]; ok {
			out = append(out, copySymbol(sym))
		}
	}
	return out
}

// Diagnostics returns the file's diagnostics from its last merge.
func (db *Database) Diagnostics(path string) []types.Diagnostic {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.files[path]
	if !ok {
		return nil
	}
	out := make([]types.Diagnostic, len(rec.Diagnostics))
	copy(out, rec.Diagnostics)
	return out
}

// File returns the file's merge record, or ok=false if it was never merged.
func (db *Database) File(path string) (FileRecord, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.files[path]
	if !ok {
		return FileRecord{}, false
	}
	out := *rec
	out.Symbols = append([]types.SymbolID(nil), rec.Symbols...)
	out.Diagnostics = append([]types.Diagnostic(nil), rec.Diagnostics...)
	return out, true
}

// Files returns the sorted paths of every merged file.
func (db *Database) Files() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.files))
	for path := range db.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Stats returns current database totals.
func (db *Database) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := Stats{Files: len(db.files), Symbols: len(db.symbols)}
	for _, sym := range db.symbols {
		s.Uses += len(sym.Uses)
	}
	return s
}

func copySymbol(sym *Symbol) Symbol {
	out := *sym
	out.Uses = make([]types.Use, len(sym.Uses))
	copy(out.Uses, sym.Uses)
	return out
}

func sortUses(uses []types.Use) {
	sort.Slice(uses, func(i, j int) bool {
		if uses[i].Path != uses[j].Path {
			return uses[i].Path < uses[j].Path
		}
		if uses[i].Range.StartLine != uses[j].Range.StartLine {
			return uses[i].Range.StartLine < uses[j].Range.StartLine
		}
		return uses[i].Range.StartColumn < uses[j].Range.StartColumn
	})
}
