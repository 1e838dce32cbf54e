package notation

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTemplateLiteral(t *testing.T) {
	t.Parallel()
	tmpl, err := ParseTemplate("just text, no expressions")
	if err != nil {
		t.Fatalf("ParseTemplate failed: %v", err)
	}
	if !tmpl.IsLiteral() {
		t.Error("expected a literal template")
	}
	if len(tmpl.Parts) != 1 || tmpl.Parts[0].Literal != "just text, no expressions" {
		t.Errorf("unexpected parts: %#v", tmpl.Parts)
	}
}

func TestParseVar(t *testing.T) {
	t.Parallel()
	expr, err := Parse("$var{item}")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	v, ok := expr.(*VarExpr)
	if !ok {
		t.Fatalf("expected *VarExpr, got %T", expr)
	}
	if v.Name != "item" || v.Capture != "" || len(v.Pipeline) != 0 {
		t.Errorf("unexpected var expr: %#v", v)
	}
}

func TestParseAttrFull(t *testing.T) {
	t.Parallel()
	expr, err := Parse("$attr{href:child(2)<page.all>@a.item|trim|prepend https:// >> link}")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a, ok := expr.(*AttrExpr)
	if !ok {
		t.Fatalf("expected *AttrExpr, got %T", expr)
	}

	want := &AttrExpr{
		Attribute: "href",
		Child:     2,
		Ctx:       ScopePage,
		All:       true,
		Selector:  "a.item",
		Pipeline: []UtilCall{
			{Name: "trim"},
			{Name: "prepend", Arg: "https://"},
		},
		Capture: "link",
	}
	if !reflect.DeepEqual(a, want) {
		t.Errorf("got %#v, want %#v", a, want)
	}
}

func TestParseAttrDefaults(t *testing.T) {
	t.Parallel()
	expr, err := Parse("$attr{text}")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := expr.(*AttrExpr)
	if a.Ctx != ScopeParent {
		t.Errorf("default scope = %q, want parent", a.Ctx)
	}
	if a.All || a.Selector != "" || a.Child != 0 {
		t.Errorf("unexpected defaults: %#v", a)
	}
}

func TestParseTemplateMixed(t *testing.T) {
	t.Parallel()
	tmpl, err := ParseTemplate("https://example.com/items/$var{slug}")
	if err != nil {
		t.Fatalf("ParseTemplate failed: %v", err)
	}
	if len(tmpl.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(tmpl.Parts))
	}
	if tmpl.Parts[0].Literal != "https://example.com/items/" {
		t.Errorf("unexpected literal %q", tmpl.Parts[0].Literal)
	}
	if _, ok := tmpl.Parts[1].Expr.(*VarExpr); !ok {
		t.Errorf("expected var expression, got %#v", tmpl.Parts[1])
	}
}

func TestParseTemplateBracedEmbedding(t *testing.T) {
	t.Parallel()
	tmpl, err := ParseTemplate("before {$var{a}} after")
	if err != nil {
		t.Fatalf("ParseTemplate failed: %v", err)
	}
	if len(tmpl.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d: %#v", len(tmpl.Parts), tmpl.Parts)
	}
	if tmpl.Parts[0].Literal != "before " || tmpl.Parts[2].Literal != " after" {
		t.Errorf("braces leaked into literals: %#v", tmpl.Parts)
	}
}

func TestSelectorKeepsCombinators(t *testing.T) {
	t.Parallel()
	expr, err := Parse("$attr{count<page>@div.list > span}")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := expr.(*AttrExpr)
	if a.Selector != "div.list > span" {
		t.Errorf("selector = %q", a.Selector)
	}
	if a.Capture != "" {
		t.Errorf("a lone > must not start a capture, got %q", a.Capture)
	}
}

func TestCaptureMarkerInsideQuotesIgnored(t *testing.T) {
	t.Parallel()
	expr, err := Parse(`$attr{text@a[href^=">>x"]}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := expr.(*AttrExpr)
	if a.Capture != "" {
		t.Errorf("capture = %q, want none", a.Capture)
	}
	if a.Selector != `a[href^=">>x"]` {
		t.Errorf("selector = %q", a.Selector)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		input string
	}{
		{"unterminated", "$attr{href"},
		{"bad scope", "$attr{text<body>@p}"},
		{"bad scope modifier", "$attr{text<page.some>@p}"},
		{"child index zero", "$attr{text:child(0)@p}"},
		{"child index not a number", "$attr{text:child(x)@p}"},
		{"empty capture", "$attr{text@p >>}"},
		{"empty selector", "$attr{text@}"},
		{"empty utility", "$var{a||trim}"},
		{"bad attribute", "$attr{two words@p}"},
		{"bad variable", "$var{9lives}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseTemplate(tc.input); err == nil {
				t.Errorf("ParseTemplate(%q) succeeded, want error", tc.input)
			}
		})
	}
}

func TestParseErrorReportsPosition(t *testing.T) {
	t.Parallel()
	_, err := ParseTemplate("ok $attr{bad name}")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if perr.Pos != 3 {
		t.Errorf("Pos = %d, want 3", perr.Pos)
	}
}

func TestParseRejectsSurroundingText(t *testing.T) {
	t.Parallel()
	if _, err := Parse("prefix $var{a}"); err == nil {
		t.Error("Parse accepted surrounding literal text")
	}
}
