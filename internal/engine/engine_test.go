package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"rake/internal/browser/browsertest"
	"rake/internal/config"
	"rake/internal/links"
	"rake/internal/notation"
	"rake/internal/scope"
	"rake/internal/vars"
)

const shopURL = "https://shop.test/"

func buildPlan(t *testing.T, src string) *config.Plan {
	t.Helper()
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(src), &raw); err != nil {
		t.Fatalf("bad plan yaml: %v", err)
	}
	plan, err := config.BuildPlan(raw)
	if err != nil {
		t.Fatalf("building plan failed: %v", err)
	}
	if len(plan.Pages) == 0 {
		t.Fatal("plan has no pages")
	}
	return plan
}

// runTask executes the plan's first page entry against the driver and
// returns the crawl state.
func runTask(t *testing.T, d *browsertest.Driver, task Task, planSrc string) (*scope.Tree, *links.Queue, *browsertest.Page, error) {
	t.Helper()

	plan := buildPlan(t, planSrc)
	pg, err := d.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	t.Cleanup(func() { pg.Close() })

	tree := scope.NewTree()
	queue := links.NewQueue()
	runner := NewRunner(pg, &plan.Pages[0], task, tree, queue, vars.NewRoot(), zap.NewNop())
	return tree, queue, pg.(*browsertest.Page), runner.Run(context.Background())
}

func shopDriver() *browsertest.Driver {
	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "h1", Text: "Catalog"},
			{Tag: "a", Attrs: map[string]string{"class": "more", "href": "/all"}, Text: "See all"},
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "/items/a"}, Text: "A"},
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "/items/b"}, Text: "B"},
		}},
	}})
	return d
}

func product(sku, title string) *browsertest.Node {
	return &browsertest.Node{
		Tag:   "div",
		Attrs: map[string]string{"class": "product", "sku": sku},
		Children: []*browsertest.Node{
			{Tag: "h3", Text: title},
		},
	}
}

func productsDriver() *browsertest.Driver {
	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			product("p1", "Alpha"),
			product("p2", "Beta"),
			product("p3", "Gamma"),
		}},
	}})
	return d
}

func TestExtractsDataIntoTree(t *testing.T) {
	tree, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: body
          data:
            - scope: data.title
              value: "$attr{text<page>@h1}"
            - scope: data.link
              value: "$attr{href@a.more}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := map[string]any{
		"data": map[string]any{"title": "Catalog", "link": "/all"},
	}
	if got := tree.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("tree = %#v, want %#v", got, want)
	}
}

func TestAllMatchesAccumulate(t *testing.T) {
	tree, _, _, err := runTask(t, productsDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: div.product
          all: true
          data:
            - scope: titles
              value: "$attr{text@h3}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []any{"Alpha", "Beta", "Gamma"}
	if got := tree.Snapshot()["titles"]; !reflect.DeepEqual(got, want) {
		t.Errorf("titles = %#v, want %#v", got, want)
	}
}

func TestKeyScopedEntriesPerElement(t *testing.T) {
	tree, _, _, err := runTask(t, productsDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: div.product
          all: true
          data:
            - scope: "items.$key{id = $var{sku}}"
              value:
                id: "$attr{sku >> sku}"
                title: "$attr{text@h3}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []any{
		map[string]any{"id": "p1", "title": "Alpha"},
		map[string]any{"id": "p2", "title": "Beta"},
		map[string]any{"id": "p3", "title": "Gamma"},
	}
	if got := tree.Snapshot()["items"]; !reflect.DeepEqual(got, want) {
		t.Errorf("items = %#v, want %#v", got, want)
	}
}

func TestNestedInteract(t *testing.T) {
	tree, _, _, err := runTask(t, productsDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: div.product
          all: true
          interact:
            nodes:
              - selector: h3
                all: true
                data:
                  - scope: names
                    value: "$attr{text}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []any{"Alpha", "Beta", "Gamma"}
	if got := tree.Snapshot()["names"]; !reflect.DeepEqual(got, want) {
		t.Errorf("names = %#v, want %#v", got, want)
	}
}

func TestCapturesLinkGroups(t *testing.T) {
	_, queue, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: a.item
          all: true
          links:
            - name: items
              url: "$attr{href|prepend https://shop.test}"
              metadata:
                label: "$attr{text}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := queue.Resolve("items")
	if len(got) != 2 {
		t.Fatalf("captured %d links, want 2", len(got))
	}
	if got[0].URL != "https://shop.test/items/a" || got[0].Metadata["label"] != "A" {
		t.Errorf("first link = %#v", got[0])
	}
	if got[1].URL != "https://shop.test/items/b" || got[1].Metadata["label"] != "B" {
		t.Errorf("second link = %#v", got[1])
	}
}

func TestRangeSlicesMatches(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "li", Attrs: map[string]string{"class": "row"}, Text: "A"},
			{Tag: "li", Attrs: map[string]string{"class": "row"}, Text: "B"},
			{Tag: "li", Attrs: map[string]string{"class": "row"}, Text: "C"},
			{Tag: "li", Attrs: map[string]string{"class": "row"}, Text: "D"},
			{Tag: "li", Attrs: map[string]string{"class": "row"}, Text: "E"},
		}},
	}})

	tree, _, _, err := runTask(t, d, Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: li.row
          all: true
          range: [1, 4, 2]
          data:
            - scope: picked
              value: "$attr{text}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []any{"B", "D"}
	if got := tree.Snapshot()["picked"]; !reflect.DeepEqual(got, want) {
		t.Errorf("picked = %#v, want %#v", got, want)
	}
}

func TestRangeBeyondMatchesIsEmpty(t *testing.T) {
	tree, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: a.item
          range: [5]
          data:
            - scope: never
              value: "$attr{text}"
        - selector: body
          data:
            - scope: after
              value: reached
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	snap := tree.Snapshot()
	if _, ok := snap["never"]; ok {
		t.Error("a range past the last match must not extract")
	}
	if snap["after"] != "reached" {
		t.Errorf("after = %v, later nodes must still run", snap["after"])
	}
}

func TestRepeatFixedCount(t *testing.T) {
	clicks := 0
	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "button", Attrs: map[string]string{"id": "more"}, OnClick: func() { clicks++ }},
		}},
	}})

	_, _, _, err := runTask(t, d, Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      repeat: 3
      nodes:
        - selector: "#more"
          actions:
            - type: click
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if clicks != 3 {
		t.Errorf("clicks = %d, want exactly 3", clicks)
	}
}

func TestRepeatStopsWhenConditionBreaks(t *testing.T) {
	clicks := 0
	next := &browsertest.Node{Tag: "button", Attrs: map[string]string{"id": "next"}}
	next.OnClick = func() {
		clicks++
		if clicks >= 2 {
			next.Disabled = true
		}
	}

	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{next}},
	}})

	_, _, _, err := runTask(t, d, Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      repeat:
        - value:
            attribute: disabled
            selector: "#next"
            context: page
          while: [not, true]
      nodes:
        - selector: "#next"
          actions:
            - type: click
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if clicks != 2 {
		t.Errorf("clicks = %d, want 2 before the button disables", clicks)
	}
}

func TestRepeatBudgetStopsRunawayLoops(t *testing.T) {
	_, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      repeat:
        - value: "1"
          while: [is, 1]
      nodes:
        - selector: div.never
`)
	if !errors.Is(err, ErrRepeatBudget) {
		t.Errorf("err = %v, want ErrRepeatBudget", err)
	}
}

func TestTaskAbortsOnMissingElement(t *testing.T) {
	tree, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: body
          data:
            - scope: kept
              value: "$attr{text<page>@h1}"
            - scope: lost
              value: "$attr{text<page>@h2}"
`)
	if !errors.Is(err, notation.ErrElementNotFound) {
		t.Fatalf("err = %v, want ErrElementNotFound", err)
	}

	var terr *TaskError
	if !errors.As(err, &terr) || terr.URL != shopURL {
		t.Errorf("expected a TaskError for %s, got %v", shopURL, err)
	}

	// Data merged before the failure point is retained.
	if got := tree.Snapshot()["kept"]; got != "Catalog" {
		t.Errorf("kept = %v, want Catalog", got)
	}
}

func TestMissingSelectorSkipsNode(t *testing.T) {
	tree, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: div.absent
          data:
            - scope: never
              value: "$attr{text}"
        - selector: body
          data:
            - scope: after
              value: reached
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	snap := tree.Snapshot()
	if _, ok := snap["never"]; ok {
		t.Error("node without matches must not extract")
	}
	if snap["after"] != "reached" {
		t.Errorf("after = %v, later nodes must still run", snap["after"])
	}
}

func TestAlternativesFirstMatchWins(t *testing.T) {
	tree, _, _, err := runTask(t, shopDriver(), Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - - selector: div.banner
            data:
              - {scope: src, value: banner}
          - selector: body
            data:
              - {scope: src, value: content}
        - - selector: body
            data:
              - {scope: first, value: a}
          - selector: body
            data:
              - {scope: first, value: b}
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	snap := tree.Snapshot()
	if snap["src"] != "content" {
		t.Errorf("src = %v, want the matching alternative", snap["src"])
	}
	if snap["first"] != "a" {
		t.Errorf("first = %v, a matched alternative must skip the rest", snap["first"])
	}
}

func TestActionCountAndScreenshot(t *testing.T) {
	clicks := 0
	d := browsertest.NewDriver()
	d.Static(shopURL, &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "/a"}},
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "/b"}},
			{Tag: "button", Attrs: map[string]string{"id": "more"}, OnClick: func() { clicks++ }},
		}},
	}})

	_, _, page, err := runTask(t, d, Task{URL: shopURL}, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: "#more"
          actions:
            - type: click
              count: "$attr{count<page>@a.item}"
              screenshot: "shots/$var{_node}.png"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if clicks != 2 {
		t.Errorf("clicks = %d, want one per counted element", clicks)
	}
	if len(page.Screenshots) != 1 || page.Screenshots[0] != "shots/#more.png" {
		t.Errorf("screenshots = %v", page.Screenshots)
	}
}

func TestBuiltinVariables(t *testing.T) {
	task := Task{URL: shopURL, Metadata: map[string]any{"category": "books"}}
	tree, _, _, err := runTask(t, shopDriver(), task, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: body
          data:
            - scope: meta.url
              value: "$var{_url}"
            - scope: meta.category
              value: "$var{category}"
            - scope: meta.node
              value: "$var{_node}"
`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := map[string]any{"url": shopURL, "category": "books", "node": "body"}
	if got := tree.Snapshot()["meta"]; !reflect.DeepEqual(got, want) {
		t.Errorf("meta = %#v, want %#v", got, want)
	}
}
