package frontend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_cpp "github.com/tree-sitter/tree-sitter-cpp/bindings/go"

	"github.com/standardbeagle/symdb/internal/debug"
	"github.com/standardbeagle/symdb/internal/errors"
	"github.com/standardbeagle/symdb/internal/types"
)

// maxDiagnostics bounds how many syntax diagnostics one file can report.
const maxDiagnostics = 50

// TreeSitterFrontend extracts C/C++ symbols with the tree-sitter C++ grammar.
// It is purely syntactic: identities come from spelled names and arity, not
// from type resolution, so compiler flags do not affect its output (they are
// accepted for front-ends that do preprocess).
//
// Parsers are pooled because a tree-sitter parser is not safe for concurrent
// use but is cheap to reuse across files.
type TreeSitterFrontend struct {
	language *tree_sitter.Language
	pool     sync.Pool
}

// NewTreeSitterFrontend creates a front-end with the C++ grammar loaded.
func NewTreeSitterFrontend() *TreeSitterFrontend {
	language := tree_sitter.NewLanguage(tree_sitter_cpp.Language())
	return &TreeSitterFrontend{language: language}
}

func (f *TreeSitterFrontend) acquire() (*tree_sitter.Parser, error) {
	if p, ok := f.pool.Get().(*tree_sitter.Parser); ok {
		return p, nil
	}
	parser := tree_sitter.NewParser()
	if err := parser.SetLanguage(f.language); err != nil {
		return nil, fmt.Errorf("failed to load C++ grammar: %w", err)
	}
	return parser, nil
}

func (f *TreeSitterFrontend) release(p *tree_sitter.Parser) {
	f.pool.Put(p)
}

// Parse extracts every symbol and use from one file. Syntax errors become
// diagnostics; the symbols tree-sitter could still recover are kept.
func (f *TreeSitterFrontend) Parse(ctx context.Context, in ParseInput) (*types.ExtractedIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parser, err := f.acquire()
	if err != nil {
		return nil, errors.NewParseError(in.Path, 0, 0, err)
	}
	defer f.release(parser)

	tree := parser.Parse(in.Content, nil)
	if tree == nil {
		return nil, errors.NewParseError(in.Path, 0, 0, fmt.Errorf("parser produced no tree"))
	}
	defer tree.Close()

	b := &builder{
		ctx:     ctx,
		path:    in.Path,
		content: in.Content,
		descs:   make(map[descKey]*types.SymbolDescriptor),
	}
	if err := b.walk(tree.RootNode()); err != nil {
		return nil, err
	}

	out := &types.ExtractedIndex{
		Path:        in.Path,
		Fingerprint: types.FingerprintOf(in.Content),
		Symbols:     b.ordered(),
		Diagnostics: b.diagnostics,
	}
	debug.LogIndexing("extracted %d symbols, %d diagnostics from %s",
		len(out.Symbols), len(out.Diagnostics), in.Path)
	return out, nil
}

// descKey groups uses of the same symbol within one file. Descriptors are
// emitted in first-seen (declaration) order.
type descKey struct {
	name      string
	signature string
	kind      types.SymbolKind
}

type builder struct {
	ctx     context.Context
	path    string
	content []byte

	scope      []scopeFrame
	inFunction int

	order       []descKey
	descs       map[descKey]*types.SymbolDescriptor
	diagnostics []types.Diagnostic

	visited int
}

type scopeFrame struct {
	name    string
	isClass bool
}

func (b *builder) ordered() []types.SymbolDescriptor {
	out := make([]types.SymbolDescriptor, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, *b.descs[k])
	}
	return out
}

func (b *builder) add(name, signature string, kind types.SymbolKind, node *tree_sitter.Node, role types.Role) {
	if name == "" || node == nil {
		return
	}
	k := descKey{name: name, signature: signature, kind: kind}
	d, ok := b.descs[k]
	if !ok {
		d = &types.SymbolDescriptor{Name: name, Signature: signature, Kind: kind}
		b.descs[k] = d
		b.order = append(b.order, k)
	}
	d.Uses = append(d.Uses, types.Use{
		Path:  b.path,
		Range: rangeOf(node),
		Role:  role,
	})
}

func (b *builder) addDiagnostic(node *tree_sitter.Node, msg string) {
	if len(b.diagnostics) >= maxDiagnostics {
		return
	}
	b.diagnostics = append(b.diagnostics, types.Diagnostic{
		Range:    rangeOf(node),
		Severity: types.SeverityError,
		Message:  msg,
	})
}

// qualify joins a spelled name with the enclosing namespace/class scope.
// Names that carry their own qualification are used verbatim.
func (b *builder) qualify(name string) string {
	if strings.Contains(name, "::") || len(b.scope) == 0 {
		return name
	}
	parts := make([]string, 0, len(b.scope)+1)
	for _, f := range b.scope {
		parts = append(parts, f.name)
	}
	parts = append(parts, name)
	return strings.Join(parts, "::")
}

func (b *builder) inClassScope() bool {
	return len(b.scope) > 0 && b.scope[len(b.scope)-1].isClass
}

func (b *builder) walk(node *tree_sitter.Node) error {
	if node == nil {
		return nil
	}
	b.visited++
	if b.visited%256 == 0 {
		if err := b.ctx.Err(); err != nil {
			return err
		}
	}

	if node.IsMissing() {
		b.addDiagnostic(node, fmt.Sprintf("missing %s", node.Kind()))
	}

	switch node.Kind() {
	case "ERROR":
		b.addDiagnostic(node, "syntax error")

	case "namespace_definition":
		name := "(anonymous)"
		if n := node.ChildByFieldName("name"); n != nil {
			name = n.Utf8Text(b.content)
			b.add(b.qualify(name), "", types.KindNamespace, n, types.RoleDefinition)
		}
		b.scope = append(b.scope, scopeFrame{name: name})
		err := b.walkChildren(node.ChildByFieldName("body"))
		b.scope = b.scope[:len(b.scope)-1]
		return err

	case "class_specifier", "struct_specifier":
		kind := types.KindClass
		if node.Kind() == "struct_specifier" {
			kind = types.KindStruct
		}
		nameNode := node.ChildByFieldName("name")
		body := node.ChildByFieldName("body")
		if nameNode != nil {
			name := nameNode.Utf8Text(b.content)
			role := types.RoleDeclaration
			if body != nil {
				role = types.RoleDefinition
			}
			b.add(b.qualify(name), "", kind, nameNode, role)
			if body != nil {
				b.scope = append(b.scope, scopeFrame{name: name, isClass: true})
				err := b.walkChildren(body)
				b.scope = b.scope[:len(b.scope)-1]
				return err
			}
			return nil
		}
		return b.walkChildren(body)

	case "enum_specifier":
		if nameNode := node.ChildByFieldName("name"); nameNode != nil {
			role := types.RoleDeclaration
			if node.ChildByFieldName("body") != nil {
				role = types.RoleDefinition
			}
			b.add(b.qualify(nameNode.Utf8Text(b.content)), "", types.KindEnum, nameNode, role)
		}
		return b.walkChildren(node.ChildByFieldName("body"))

	case "function_definition":
		fn := findFunctionDeclarator(node.ChildByFieldName("declarator"))
		if fn != nil {
			b.addFunction(fn, types.RoleDefinition)
		}
		b.inFunction++
		err := b.walkChildren(node.ChildByFieldName("body"))
		b.inFunction--
		return err

	case "declaration":
		decl := node.ChildByFieldName("declarator")
		if fn := findFunctionDeclarator(decl); fn != nil {
			b.addFunction(fn, types.RoleDeclaration)
			return nil
		}
		// Plain declarations inside function bodies are locals; only
		// file/namespace/class scope variables get symbols.
		if b.inFunction == 0 {
			if id := findDeclaredIdentifier(decl); id != nil {
				b.add(b.qualify(id.Utf8Text(b.content)), "", types.KindVariable, id, types.RoleDefinition)
			}
		}
		return b.walkChildren(node)

	case "field_declaration":
		decl := node.ChildByFieldName("declarator")
		if fn := findFunctionDeclarator(decl); fn != nil {
			b.addFunction(fn, types.RoleDeclaration)
			return nil
		}
		if id := findDeclaredIdentifier(decl); id != nil {
			b.add(b.qualify(id.Utf8Text(b.content)), "", types.KindField, id, types.RoleDefinition)
		}
		return nil

	case "type_definition":
		if id := findDeclaredIdentifier(node.ChildByFieldName("declarator")); id != nil {
			b.add(b.qualify(id.Utf8Text(b.content)), "", types.KindTypedef, id, types.RoleDefinition)
		}
		return nil

	case "preproc_def", "preproc_function_def":
		if n := node.ChildByFieldName("name"); n != nil {
			b.add(n.Utf8Text(b.content), "", types.KindMacro, n, types.RoleDefinition)
		}
		return b.walkChildren(node)

	case "call_expression":
		b.addCall(node)
		return b.walkChildren(node)
	}

	return b.walkChildren(node)
}

func (b *builder) walkChildren(node *tree_sitter.Node) error {
	if node == nil {
		return nil
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		if err := b.walk(node.Child(i)); err != nil {
			return err
		}
	}
	return nil
}

// addFunction records a function or method from its function_declarator.
// Identity is qualified name plus arity; parameter types are not resolved,
// which keeps the extraction deterministic without a preprocessor.
func (b *builder) addFunction(fn *tree_sitter.Node, role types.Role) {
	nameNode := findDeclaredIdentifier(fn.ChildByFieldName("declarator"))
	if nameNode == nil {
		return
	}
	name := nameNode.Utf8Text(b.content)
	arity := parameterCount(fn.ChildByFieldName("parameters"), b.content)

	kind := types.KindFunction
	if b.inClassScope() || nameNode.Kind() == "field_identifier" || strings.Contains(name, "::") {
		kind = types.KindMethod
	}
	b.add(b.qualify(name), aritySignature(arity), kind, nameNode, role)
}

// addCall records a call site. Member calls keep the spelled member name
// unqualified; free calls are qualified against the enclosing namespaces so
// same-namespace calls share identity with their definitions.
func (b *builder) addCall(node *tree_sitter.Node) {
	fnNode := node.ChildByFieldName("function")
	if fnNode == nil {
		return
	}
	arity := argumentCount(node.ChildByFieldName("arguments"))

	switch fnNode.Kind() {
	case "identifier":
		name := b.qualifyCall(fnNode.Utf8Text(b.content))
		b.add(name, aritySignature(arity), types.KindFunction, fnNode, types.RoleCall)
	case "qualified_identifier":
		b.add(fnNode.Utf8Text(b.content), aritySignature(arity), types.KindFunction, fnNode, types.RoleCall)
	case "field_expression":
		if field := fnNode.ChildByFieldName("field"); field != nil {
			b.add(field.Utf8Text(b.content), aritySignature(arity), types.KindMethod, field, types.RoleCall)
		}
	}
}

// qualifyCall resolves an unqualified call name against the enclosing
// namespace frames only. Class frames are skipped: a free call inside a
// method body does not target the class.
func (b *builder) qualifyCall(name string) string {
	parts := make([]string, 0, len(b.scope)+1)
	for _, f := range b.scope {
		if !f.isClass {
			parts = append(parts, f.name)
		}
	}
	parts = append(parts, name)
	return strings.Join(parts, "::")
}

func aritySignature(arity int) string {
	return fmt.Sprintf("(%d)", arity)
}

// findFunctionDeclarator descends through pointer/reference wrapping to the
// function_declarator, or nil when the declarator is not a function.
func findFunctionDeclarator(node *tree_sitter.Node) *tree_sitter.Node {
	for node != nil {
		switch node.Kind() {
		case "function_declarator":
			return node
		case "pointer_declarator", "reference_declarator", "parenthesized_declarator", "init_declarator":
			node = node.ChildByFieldName("declarator")
		default:
			return nil
		}
	}
	return nil
}

// findDeclaredIdentifier descends through declarator wrapping to the spelled
// name of a declaration.
func findDeclaredIdentifier(node *tree_sitter.Node) *tree_sitter.Node {
	for node != nil {
		switch node.Kind() {
		case "identifier", "field_identifier", "type_identifier",
			"qualified_identifier", "destructor_name", "operator_name":
			return node
		case "pointer_declarator", "reference_declarator", "parenthesized_declarator",
			"init_declarator", "array_declarator", "function_declarator":
			inner := node.ChildByFieldName("declarator")
			if inner == nil {
				return nil
			}
			node = inner
		default:
			return nil
		}
	}
	return nil
}

// parameterCount returns the arity of a parameter_list. A single bare "void"
// parameter counts as zero.
func parameterCount(params *tree_sitter.Node, content []byte) int {
	if params == nil {
		return 0
	}
	count := 0
	var only *tree_sitter.Node
	for i := uint(0); i < params.NamedChildCount(); i++ {
		child := params.NamedChild(i)
		switch child.Kind() {
		case "parameter_declaration", "optional_parameter_declaration", "variadic_parameter_declaration":
			count++
			only = child
		}
	}
	if count == 1 && only != nil && strings.TrimSpace(only.Utf8Text(content)) == "void" {
		return 0
	}
	return count
}

func argumentCount(args *tree_sitter.Node) int {
	if args == nil {
		return 0
	}
	return int(args.NamedChildCount())
}

func rangeOf(node *tree_sitter.Node) types.Range {
	start := node.StartPosition()
	end := node.EndPosition()
	return types.Range{
		StartLine:   int(start.Row) + 1,
		StartColumn: int(start.Column) + 1,
		EndLine:     int(end.Row) + 1,
		EndColumn:   int(end.Column) + 1,
	}
}
