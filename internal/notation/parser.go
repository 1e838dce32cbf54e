package notation

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports where in the source text parsing failed. Parsing is
// total: a malformed expression fails the whole template, there is no
// partial success.
type ParseError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("notation: %s at offset %d in %q", e.Msg, e.Pos, e.Input)
}

const (
	attrPrefix = "$attr{"
	varPrefix  = "$var{"
)

// ParseTemplate parses a string that may mix literal text with embedded
// $attr{...} / $var{...} expressions. Expressions may appear bare or
// wrapped in single braces ("...{$var{name}}...").
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.Parts = append(t.Parts, Part{Literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		braced := false
		j := i
		if s[j] == '{' && (strings.HasPrefix(s[j+1:], attrPrefix) || strings.HasPrefix(s[j+1:], varPrefix)) {
			braced = true
			j++
		}
		if strings.HasPrefix(s[j:], attrPrefix) || strings.HasPrefix(s[j:], varPrefix) {
			expr, next, err := parseExprAt(s, j)
			if err != nil {
				return nil, err
			}
			if braced {
				if next >= len(s) || s[next] != '}' {
					return nil, &ParseError{Input: s, Pos: next, Msg: "missing closing brace around embedded expression"}
				}
				next++
			}
			flush()
			t.Parts = append(t.Parts, Part{Expr: expr})
			i = next
			continue
		}
		lit.WriteByte(s[i])
		i++
	}
	flush()

	return t, nil
}

// Parse parses a string that must be exactly one expression with no
// surrounding literal text.
func Parse(s string) (Expr, error) {
	t, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(t.Parts) != 1 || t.Parts[0].Expr == nil {
		return nil, &ParseError{Input: s, Pos: 0, Msg: "expected a single expression"}
	}
	return t.Parts[0].Expr, nil
}

// parseExprAt parses the expression starting at s[i] (which begins with
// $attr{ or $var{) and returns it with the index just past its closing
// brace.
func parseExprAt(s string, i int) (Expr, int, error) {
	var kind string
	switch {
	case strings.HasPrefix(s[i:], attrPrefix):
		kind = "attr"
	case strings.HasPrefix(s[i:], varPrefix):
		kind = "var"
	default:
		return nil, 0, &ParseError{Input: s, Pos: i, Msg: "expected $attr{ or $var{"}
	}

	open := i + len("$"+kind+"{") - 1 // index of the opening brace
	depth := 0
	end := -1
	for j := open; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = j
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil, 0, &ParseError{Input: s, Pos: i, Msg: "unterminated expression"}
	}

	body := s[open+1 : end]
	var (
		expr Expr
		err  error
	)
	if kind == "attr" {
		expr, err = parseAttrBody(s, i, body)
	} else {
		expr, err = parseVarBody(s, i, body)
	}
	if err != nil {
		return nil, 0, err
	}
	return expr, end + 1, nil
}

func parseAttrBody(input string, pos int, body string) (*AttrExpr, error) {
	a := &AttrExpr{Ctx: ScopeParent}

	body, capture, err := cutCapture(input, pos, body)
	if err != nil {
		return nil, err
	}
	a.Capture = capture

	segments := splitTop(body, '|')
	head := segments[0]
	if a.Pipeline, err = parsePipeline(input, pos, segments[1:]); err != nil {
		return nil, err
	}

	if i := strings.IndexByte(head, '@'); i >= 0 {
		a.Selector = strings.TrimSpace(head[i+1:])
		if a.Selector == "" {
			return nil, &ParseError{Input: input, Pos: pos, Msg: "empty selector after @"}
		}
		head = head[:i]
	}

	if i := strings.IndexByte(head, '<'); i >= 0 {
		j := strings.IndexByte(head[i:], '>')
		if j < 0 {
			return nil, &ParseError{Input: input, Pos: pos, Msg: "unterminated <scope>"}
		}
		ctx, all, serr := parseScope(strings.TrimSpace(head[i+1 : i+j]))
		if serr != nil {
			return nil, &ParseError{Input: input, Pos: pos, Msg: serr.Error()}
		}
		a.Ctx, a.All = ctx, all
		head = head[:i] + head[i+j+1:]
	}

	if i := strings.Index(head, ":child("); i >= 0 {
		j := strings.IndexByte(head[i:], ')')
		if j < 0 {
			return nil, &ParseError{Input: input, Pos: pos, Msg: "unterminated :child(n)"}
		}
		n, cerr := strconv.Atoi(strings.TrimSpace(head[i+len(":child(") : i+j]))
		if cerr != nil || n < 1 {
			return nil, &ParseError{Input: input, Pos: pos, Msg: ":child(n) requires an integer >= 1"}
		}
		a.Child = n
		head = head[:i] + head[i+j+1:]
	}

	a.Attribute = strings.TrimSpace(head)
	if !isIdent(a.Attribute) {
		return nil, &ParseError{Input: input, Pos: pos, Msg: fmt.Sprintf("invalid attribute name %q", a.Attribute)}
	}
	return a, nil
}

func parseVarBody(input string, pos int, body string) (*VarExpr, error) {
	v := &VarExpr{}

	body, capture, err := cutCapture(input, pos, body)
	if err != nil {
		return nil, err
	}
	v.Capture = capture

	segments := splitTop(body, '|')
	if v.Pipeline, err = parsePipeline(input, pos, segments[1:]); err != nil {
		return nil, err
	}

	v.Name = strings.TrimSpace(segments[0])
	if !isIdent(v.Name) {
		return nil, &ParseError{Input: input, Pos: pos, Msg: fmt.Sprintf("invalid variable name %q", v.Name)}
	}
	return v, nil
}

// cutCapture strips a trailing ">> name" capture clause if present.
func cutCapture(input string, pos int, body string) (rest, capture string, err error) {
	i := strings.LastIndex(body, ">>")
	if i < 0 {
		return body, "", nil
	}
	name := strings.TrimSpace(body[i+2:])
	if name == "" {
		return "", "", &ParseError{Input: input, Pos: pos, Msg: "empty capture name after >>"}
	}
	if !isIdent(name) {
		// A lone ">" comparison inside a selector can look like a capture
		// marker; only treat valid identifiers as captures.
		return body, "", nil
	}
	return body[:i], name, nil
}

func parsePipeline(input string, pos int, segments []string) ([]UtilCall, error) {
	var pipeline []UtilCall
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, &ParseError{Input: input, Pos: pos, Msg: "empty utility in pipeline"}
		}
		name, arg, _ := strings.Cut(seg, " ")
		if !isIdent(name) {
			return nil, &ParseError{Input: input, Pos: pos, Msg: fmt.Sprintf("invalid utility name %q", name)}
		}
		pipeline = append(pipeline, UtilCall{Name: name, Arg: strings.TrimSpace(arg)})
	}
	return pipeline, nil
}

func parseScope(s string) (ScopeCtx, bool, error) {
	ctx, mod, hasMod := strings.Cut(s, ".")
	var c ScopeCtx
	switch ctx {
	case "page":
		c = ScopePage
	case "parent":
		c = ScopeParent
	default:
		return "", false, fmt.Errorf("invalid scope %q, want page or parent", s)
	}
	if !hasMod {
		return c, false, nil
	}
	switch mod {
	case "all":
		return c, true, nil
	case "first":
		return c, false, nil
	}
	return "", false, fmt.Errorf("invalid scope modifier %q, want all or first", mod)
}

// splitTop splits on sep at the top level only, ignoring separators
// inside quotes, brackets and parentheses (CSS selectors may contain
// them).
func splitTop(s string, sep byte) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}
