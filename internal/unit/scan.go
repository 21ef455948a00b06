package unit

import (
	"context"
	"fmt"
	"go/token"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// Import is one import spec of a unit.
type Import struct {
	Name string // explicit alias, "" when absent
	Path string
}

// Method describes a method declaration found at top level.
type Method struct {
	Receiver string // receiver type name without '*'
	Pointer  bool
	Name     string
	Params   string // parameter list text, including parentheses
	Result   string // result text, "" when the method returns nothing

	arity int
}

// ParamCount returns the number of declared parameters.
func (m Method) ParamCount() int { return m.arity }

// Scan is the static view of a unit's source: enough to resolve dependency
// edges, name the namespace, and generate launcher glue.
type Scan struct {
	Package   string
	Imports   []Import
	Funcs     []string          // exported top-level funcs
	Results   map[string]string // result text per exported func, "" for none
	Vars      []string          // exported top-level vars
	Consts    []string          // exported top-level consts
	Types     []string          // exported top-level types
	Methods   []Method
	HasMain   bool
	HasErrors bool // tree-sitter recovered from syntax errors
}

// Exported returns every exported value name (funcs, vars, consts), sorted.
func (s *Scan) Exported() []string {
	out := make([]string, 0, len(s.Funcs)+len(s.Vars)+len(s.Consts))
	out = append(out, s.Funcs...)
	out = append(out, s.Vars...)
	out = append(out, s.Consts...)
	sort.Strings(out)
	return out
}

// Kind reports what kind of value an exported name is.
func (s *Scan) Kind(name string) SymbolKind {
	for _, n := range s.Funcs {
		if n == name {
			return KindFunc
		}
	}
	for _, n := range s.Consts {
		if n == name {
			return KindConst
		}
	}
	return KindVar
}

// HasFunc reports whether an exported top-level func is declared.
func (s *Scan) HasFunc(name string) bool {
	for _, n := range s.Funcs {
		if n == name {
			return true
		}
	}
	return false
}

// HasType reports whether an exported top-level type is declared.
func (s *Scan) HasType(name string) bool {
	for _, n := range s.Types {
		if n == name {
			return true
		}
	}
	return false
}

// Method looks up a method by receiver type and name.
func (s *Scan) Method(receiver, name string) (Method, bool) {
	for _, m := range s.Methods {
		if m.Receiver == receiver && m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}

// Scanner extracts a Scan from Go source with tree-sitter. A Scanner is
// not safe for concurrent use.
type Scanner struct {
	parser *sitter.Parser
}

// NewScanner creates a new tree-sitter backed scanner.
func NewScanner() *Scanner {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &Scanner{parser: p}
}

// Close releases resources held by the parser
func (s *Scanner) Close() {
	s.parser.Close()
}

// Scan parses src. Syntax errors are not reported here; the interpreter
// gives better messages. The scan only needs the declarations it can see.
func (s *Scanner) Scan(src []byte) (*Scan, error) {
	tree, err := s.parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	out := &Scan{HasErrors: root.HasError(), Results: make(map[string]string)}
	text := func(n *sitter.Node) string { return n.Content(src) }

	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "package_clause":
			if id := n.NamedChild(0); id != nil {
				out.Package = text(id)
			}

		case "import_declaration":
			eachNamed(n, "import_spec", func(spec *sitter.Node) {
				imp := Import{}
				if p := spec.ChildByFieldName("path"); p != nil {
					imp.Path = strings.Trim(text(p), "\"`")
				}
				if a := spec.ChildByFieldName("name"); a != nil {
					imp.Name = text(a)
				}
				if imp.Path != "" {
					out.Imports = append(out.Imports, imp)
				}
			})

		case "function_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				fn := text(name)
				if fn == "main" {
					out.HasMain = true
				}
				if token.IsExported(fn) {
					out.Funcs = append(out.Funcs, fn)
					out.Results[fn] = ""
					if r := n.ChildByFieldName("result"); r != nil {
						out.Results[fn] = text(r)
					}
				}
			}

		case "method_declaration":
			if m, ok := scanMethod(n, text); ok {
				out.Methods = append(out.Methods, m)
			}

		case "var_declaration":
			eachNamed(n, "var_spec", func(spec *sitter.Node) {
				out.Vars = append(out.Vars, exportedIdents(spec, text)...)
			})

		case "const_declaration":
			eachNamed(n, "const_spec", func(spec *sitter.Node) {
				out.Consts = append(out.Consts, exportedIdents(spec, text)...)
			})

		case "type_declaration":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				spec := n.NamedChild(j)
				if spec.Type() != "type_spec" && spec.Type() != "type_alias" {
					continue
				}
				if name := spec.ChildByFieldName("name"); name != nil && token.IsExported(text(name)) {
					out.Types = append(out.Types, text(name))
				}
			}
		}
	}

	return out, nil
}

// eachNamed calls fn for every child of n of the given type, looking one
// level into grouped lists ("import_spec_list", "var_spec_list").
func eachNamed(n *sitter.Node, typ string, fn func(*sitter.Node)) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch {
		case c.Type() == typ:
			fn(c)
		case strings.HasSuffix(c.Type(), "_list"):
			eachNamed(c, typ, fn)
		}
	}
}

// exportedIdents returns the exported names declared by a var or const
// spec. Names are the direct identifier children; types and values are
// other node types.
func exportedIdents(spec *sitter.Node, text func(*sitter.Node) string) []string {
	var out []string
	for i := 0; i < int(spec.NamedChildCount()); i++ {
		c := spec.NamedChild(i)
		if c.Type() != "identifier" {
			continue
		}
		if name := text(c); token.IsExported(name) {
			out = append(out, name)
		}
	}
	return out
}

func scanMethod(n *sitter.Node, text func(*sitter.Node) string) (Method, bool) {
	name := n.ChildByFieldName("name")
	recv := n.ChildByFieldName("receiver")
	if name == nil || recv == nil {
		return Method{}, false
	}

	m := Method{Name: text(name)}
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		decl := recv.NamedChild(i)
		if decl.Type() != "parameter_declaration" {
			continue
		}
		typ := decl.ChildByFieldName("type")
		if typ == nil {
			continue
		}
		if typ.Type() == "pointer_type" {
			m.Pointer = true
			if typ.NamedChildCount() > 0 {
				typ = typ.NamedChild(0)
			}
		}
		// Generic receivers (Box[T]) keep only the base name.
		m.Receiver = strings.SplitN(text(typ), "[", 2)[0]
		break
	}
	if m.Receiver == "" {
		return Method{}, false
	}

	if p := n.ChildByFieldName("parameters"); p != nil {
		m.Params = text(p)
		m.arity = countParams(p)
	}
	if r := n.ChildByFieldName("result"); r != nil {
		m.Result = text(r)
	}
	return m, true
}

// countParams counts the parameters of a parameter_list. A declaration
// names one parameter per identifier ("a, b int" is two); an unnamed
// declaration is a single parameter. Identifiers inside the type, as in
// "cb func(x, y int)", belong to nested lists and are not counted.
func countParams(list *sitter.Node) int {
	n := 0
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		switch decl.Type() {
		case "parameter_declaration":
			names := 0
			for j := 0; j < int(decl.NamedChildCount()); j++ {
				if decl.NamedChild(j).Type() == "identifier" {
					names++
				}
			}
			if names == 0 {
				names = 1
			}
			n += names
		case "variadic_parameter_declaration":
			n++
		}
	}
	return n
}
