package types

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the content hash of a file's bytes (xxhash64).
// A cache entry or indexed state is valid only while the file's current
// fingerprint matches the recorded one.
type Fingerprint uint64

// FingerprintOf computes the content fingerprint for a file's bytes.
func FingerprintOf(content []byte) Fingerprint {
	return Fingerprint(xxhash.Sum64(content))
}

// SymbolID is a stable identity for a symbol derived from its structural
// fingerprint (qualified name + signature), never from file/line. Moving a
// declaration within a file does not change its SymbolID.
type SymbolID uint64

// StructuralFingerprint derives the base symbol identity from a qualified
// name and signature. The front-end must produce the same (name, signature)
// pair for identical (content, flags) input, so this is deterministic.
func StructuralFingerprint(name, signature string) SymbolID {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(signature)
	return SymbolID(d.Sum64())
}

// WithDiscriminator folds a declaration-order discriminator into a colliding
// structural fingerprint. Discriminator 0 leaves the ID unchanged, so the
// common non-colliding case keeps the plain structural identity.
func (id SymbolID) WithDiscriminator(ord uint32) SymbolID {
	if ord == 0 {
		return id
	}
	d := xxhash.New()
	var buf [12]byte
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	buf[4] = byte(id >> 32)
	buf[5] = byte(id >> 40)
	buf[6] = byte(id >> 48)
	buf[7] = byte(id >> 56)
	buf[8] = byte(ord)
	buf[9] = byte(ord >> 8)
	buf[10] = byte(ord >> 16)
	buf[11] = byte(ord >> 24)
	_, _ = d.Write(buf[:])
	return SymbolID(d.Sum64())
}

// SymbolKind classifies a symbol.
type SymbolKind uint8

const (
	KindUnknown SymbolKind = iota
	KindFunction
	KindMethod
	KindClass
	KindStruct
	KindEnum
	KindVariable
	KindField
	KindTypedef
	KindNamespace
	KindMacro
)

// String returns the lowercase name of the kind.
func (k SymbolKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindMethod:
		return "method"
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindVariable:
		return "variable"
	case KindField:
		return "field"
	case KindTypedef:
		return "typedef"
	case KindNamespace:
		return "namespace"
	case KindMacro:
		return "macro"
	default:
		return "unknown"
	}
}

// Role describes how a use relates to its symbol.
type Role uint8

const (
	RoleDeclaration Role = iota
	RoleDefinition
	RoleReference
	RoleCall
)

// String returns the lowercase name of the role.
func (r Role) String() string {
	switch r {
	case RoleDeclaration:
		return "declaration"
	case RoleDefinition:
		return "definition"
	case RoleReference:
		return "reference"
	case RoleCall:
		return "call"
	default:
		return "unknown"
	}
}

// Range is a source span. Lines and columns are 1-based; End is inclusive of
// the last line, exclusive of EndColumn.
type Range struct {
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// String formats the range for diagnostics and debug output.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", r.StartLine, r.StartColumn, r.EndLine, r.EndColumn)
}

// Use is one occurrence of a symbol in a file. The symbol index enforces at
// most one use per (Path, Range) pair; all uses from a file are replaced
// atomically when that file is reindexed.
type Use struct {
	Path  string
	Range Range
	Role  Role
}

// SymbolDescriptor is one symbol in a front-end extraction: identity material
// plus every use the front-end saw in that file. Descriptors appear in
// declaration order, which is what the merge engine's collision discriminator
// is derived from.
type SymbolDescriptor struct {
	Name      string // fully qualified
	Signature string
	Kind      SymbolKind
	Uses      []Use
}

// StructuralID returns the base identity for this descriptor (before any
// collision discriminator is applied).
func (d *SymbolDescriptor) StructuralID() SymbolID {
	return StructuralFingerprint(d.Name, d.Signature)
}

// DiagnosticSeverity grades a parse diagnostic.
type DiagnosticSeverity uint8

const (
	SeverityError DiagnosticSeverity = iota
	SeverityWarning
)

// Diagnostic is a per-file message produced by the front-end or by a failed
// parse. Diagnostics survive alongside the file's last good index.
type Diagnostic struct {
	Range    Range
	Severity DiagnosticSeverity
	Message  string
}

// ExtractedIndex is the front-end's complete output for one file. It is
// transient: consumed once by the merge engine, optionally cached by
// fingerprint.
type ExtractedIndex struct {
	Path        string
	Fingerprint Fingerprint
	Symbols     []SymbolDescriptor
	Diagnostics []Diagnostic
}

// Priority selects the queue lane for a parse request. Interactive requests
// (files a user is actively viewing) are always drained before bulk
// reindex work.
type Priority uint8

const (
	PriorityBulk Priority = iota
	PriorityInteractive
)

// String returns the lane name.
func (p Priority) String() string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "bulk"
}

// FileStamp pairs the fingerprint a file was indexed at with its wall-clock
// index time. Recorded by the staleness tracker after each successful merge.
type FileStamp struct {
	Fingerprint Fingerprint
	ModTime     time.Time
	IndexedAt   time.Time
}
