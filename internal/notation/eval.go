package notation

import (
	"fmt"

	"rake/internal/browser"
	"rake/internal/vars"
)

// PageContext is the DOM context an expression is evaluated against.
// Element is the current node's matched element; it may be nil when the
// expression only uses page scope or $var lookups.
type PageContext struct {
	Page    browser.Page
	Element browser.Element
}

// EvaluateString parses and evaluates a template in one step.
func EvaluateString(s string, pc PageContext, scope *vars.Scope) (any, error) {
	t, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}
	return Evaluate(t, pc, scope)
}

// Evaluate resolves a template against the page context and variable
// scope. A template that is exactly one expression yields that
// expression's native value; mixed templates concatenate string-coerced
// values with the literal text. When any embedded expression yields a
// sequence (an .all match), the result is the concatenation of all
// sequence values, as the original engine does.
func Evaluate(t *Template, pc PageContext, scope *vars.Scope) (any, error) {
	if len(t.Parts) == 1 && t.Parts[0].Expr != nil {
		return EvaluateExpr(t.Parts[0].Expr, pc, scope)
	}

	var (
		out  []any
		text []byte
	)
	for _, part := range t.Parts {
		if part.Expr == nil {
			text = append(text, part.Literal...)
			continue
		}
		v, err := EvaluateExpr(part.Expr, pc, scope)
		if err != nil {
			return nil, err
		}
		if seq, ok := v.([]any); ok {
			out = append(out, seq...)
			continue
		}
		text = append(text, fmt.Sprintf("%v", v)...)
	}
	if len(out) > 0 {
		return out, nil
	}
	return string(text), nil
}

// EvaluateExpr resolves a single parsed expression.
func EvaluateExpr(e Expr, pc PageContext, scope *vars.Scope) (any, error) {
	switch expr := e.(type) {
	case *AttrExpr:
		return EvaluateAttr(expr, pc, scope)
	case *VarExpr:
		return evaluateVar(expr, scope)
	}
	return nil, fmt.Errorf("notation: unsupported expression type %T", e)
}

// EvaluateAttr resolves a $attr expression: query, extract, pipeline,
// capture.
func EvaluateAttr(a *AttrExpr, pc PageContext, scope *vars.Scope) (any, error) {
	els, err := resolveElements(a, pc)
	if err != nil {
		return nil, err
	}

	// count is the size of the match set, not a per-element attribute.
	if a.Attribute == "count" {
		v, err := applyPipeline(a.Pipeline, len(els))
		if err != nil {
			return nil, err
		}
		return finishAttr(a, v, scope), nil
	}

	if !a.All {
		if len(els) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, a.describeTarget())
		}
		els = els[:1]
	}

	values := make([]any, 0, len(els))
	for _, el := range els {
		var v any
		if a.Attribute == "disabled" {
			v, err = el.IsDisabled()
		} else {
			v, err = el.Extract(a.Attribute, a.Child)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s of %s: %w", a.Attribute, a.describeTarget(), err)
		}
		if v, err = applyPipeline(a.Pipeline, v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if a.All {
		return finishAttr(a, values, scope), nil
	}
	return finishAttr(a, values[0], scope), nil
}

func finishAttr(a *AttrExpr, v any, scope *vars.Scope) any {
	if a.Capture != "" && scope != nil {
		scope.Set(a.Capture, v)
	}
	return v
}

func resolveElements(a *AttrExpr, pc PageContext) ([]browser.Element, error) {
	if a.Selector == "" {
		if pc.Element == nil {
			return nil, fmt.Errorf("%w: no current element for attribute %s", ErrElementNotFound, a.Attribute)
		}
		return []browser.Element{pc.Element}, nil
	}

	// parent scope falls back to the page when there is no enclosing
	// element (a task-level expression).
	if a.Ctx == ScopeParent && pc.Element != nil {
		return pc.Element.Query(a.Selector, browser.QueryOptions{})
	}
	if pc.Page == nil {
		return nil, fmt.Errorf("%w: no page for selector %q", ErrElementNotFound, a.Selector)
	}
	return pc.Page.Query(a.Selector, browser.QueryOptions{})
}

func (a *AttrExpr) describeTarget() string {
	if a.Selector != "" {
		return fmt.Sprintf("selector %q", a.Selector)
	}
	return "current element"
}

func evaluateVar(v *VarExpr, scope *vars.Scope) (any, error) {
	if scope == nil {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedVariable, v.Name)
	}
	value, ok := scope.Lookup(v.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedVariable, v.Name)
	}
	value, err := applyPipeline(v.Pipeline, value)
	if err != nil {
		return nil, err
	}
	if v.Capture != "" {
		scope.Set(v.Capture, value)
	}
	return value, nil
}
