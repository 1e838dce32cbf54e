// Package notation implements the $attr{...} / $var{...} expression
// language used by crawl plans to describe where on a page to look and
// what to store. Parsing and evaluation are separate phases: Parse
// produces an AST that Evaluate later resolves against a live page
// context and a variable scope.
package notation

import "errors"

var (
	// ErrElementNotFound is returned when a first-match query yields no
	// element and the expression has no fallback.
	ErrElementNotFound = errors.New("element not found")

	// ErrUndefinedVariable is returned when $var{name} is absent from
	// every frame of the variable scope.
	ErrUndefinedVariable = errors.New("undefined variable")

	// ErrUnknownUtility is returned when a pipeline names a utility that
	// is not registered.
	ErrUnknownUtility = errors.New("unknown utility")
)

// ScopeCtx selects the DOM context a selector is resolved in.
type ScopeCtx string

const (
	// ScopeParent resolves the selector within the current element.
	ScopeParent ScopeCtx = "parent"
	// ScopePage resolves the selector against the whole page.
	ScopePage ScopeCtx = "page"
)

// Expr is a parsed notation expression.
type Expr interface {
	isExpr()
}

// AttrExpr is a parsed $attr{...} expression.
//
// Child is 1-indexed: child(1) selects the first child node of the
// matched element, matching the original notation. Zero means the
// matched element itself.
type AttrExpr struct {
	Attribute string
	Child     int
	Ctx       ScopeCtx
	All       bool
	Selector  string
	Pipeline  []UtilCall
	Capture   string
}

func (*AttrExpr) isExpr() {}

// VarExpr is a parsed $var{...} expression.
type VarExpr struct {
	Name     string
	Pipeline []UtilCall
	Capture  string
}

func (*VarExpr) isExpr() {}

// UtilCall is one step of a transform pipeline, e.g. "prepend https://".
type UtilCall struct {
	Name string
	Arg  string
}

// Template is an interpolation: literal text with embedded expressions.
type Template struct {
	Parts []Part
	raw   string
}

// Part is either a literal run or an embedded expression, never both.
type Part struct {
	Literal string
	Expr    Expr
}

// Raw returns the source text the template was parsed from.
func (t *Template) Raw() string { return t.raw }

// IsLiteral reports whether the template contains no expressions.
func (t *Template) IsLiteral() bool {
	for _, p := range t.Parts {
		if p.Expr != nil {
			return false
		}
	}
	return true
}
