package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"rake/internal/browser/browsertest"
	"rake/internal/config"
)

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
	return plan
}

func titledPage(title string) *browsertest.Node {
	return &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "h1", Text: title},
		}},
	}}
}

func TestRunExecutesAllTasks(t *testing.T) {
	d := browsertest.NewDriver()
	var urls []string
	for i := 0; i < 6; i++ {
		url := fmt.Sprintf("https://shop.test/%d", i)
		urls = append(urls, url)
		d.Static(url, titledPage(fmt.Sprintf("Page %d", i)))
	}

	plan := buildPlan(t, `
race: 3
rake:
  - link: []
    interact:
      nodes:
        - selector: h1
          all: true
          data:
            - scope: titles
              value: "$attr{text}"
`)
	plan.Pages[0].Link = toAny(urls)

	s := New(d, plan, zap.NewNop())
	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.PagesOpened != 6 {
		t.Errorf("PagesOpened = %d, want 6", summary.PagesOpened)
	}
	if len(summary.TaskErrors) != 0 {
		t.Errorf("TaskErrors = %v, want none", summary.TaskErrors)
	}
	titles, _ := s.Tree().Snapshot()["titles"].([]any)
	if len(titles) != 6 {
		t.Errorf("extracted %d titles, want 6", len(titles))
	}
}

func TestRaceBoundsOpenPages(t *testing.T) {
	d := browsertest.NewDriver()
	d.NavigateDelay = 20 * time.Millisecond
	var urls []string
	for i := 0; i < 8; i++ {
		url := fmt.Sprintf("https://shop.test/%d", i)
		urls = append(urls, url)
		d.Static(url, titledPage("x"))
	}

	plan := buildPlan(t, `
race: 2
rake:
  - link: []
    interact:
      nodes:
        - selector: h1
`)
	plan.Pages[0].Link = toAny(urls)

	if _, err := New(d, plan, zap.NewNop()).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := d.MaxOpen(); got > 2 {
		t.Errorf("max open pages = %d, race limit is 2", got)
	}
}

func TestGroupReferenceFansOut(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/", &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "https://shop.test/a"}, Text: "First"},
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "https://shop.test/b"}, Text: "Second"},
		}},
	}})
	d.Static("https://shop.test/a", titledPage("Alpha"))
	d.Static("https://shop.test/b", titledPage("Beta"))

	plan := buildPlan(t, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: a.item
          all: true
          links:
            - name: items
              url: "$attr{href}"
              metadata:
                label: "$attr{text}"
  - link: $items
    interact:
      nodes:
        - selector: h1
          data:
            - scope: "details.$key{label = $var{label}}"
              value:
                title: "$attr{text}"
`)

	s := New(d, plan, zap.NewNop())
	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.PagesOpened != 3 {
		t.Errorf("PagesOpened = %d, want index plus two details", summary.PagesOpened)
	}
	if got := s.Links().Len("items"); got != 2 {
		t.Errorf("captured %d links, want 2", got)
	}

	want := []any{
		map[string]any{"label": "First", "title": "Alpha"},
		map[string]any{"label": "Second", "title": "Beta"},
	}
	got, _ := s.Tree().Snapshot()["details"].([]any)
	if !sameEntries(got, want) {
		t.Errorf("details = %#v, want %#v", got, want)
	}
}

func TestTaskFailureIsIsolated(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/ok", titledPage("Fine"))
	// https://shop.test/broken has no route, navigation fails.

	plan := buildPlan(t, `
rake:
  - link: [https://shop.test/broken, https://shop.test/ok]
    interact:
      nodes:
        - selector: h1
          data:
            - scope: title
              value: "$attr{text}"
`)

	s := New(d, plan, zap.NewNop())
	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.PagesOpened != 2 {
		t.Errorf("PagesOpened = %d, want 2", summary.PagesOpened)
	}
	if len(summary.TaskErrors) != 1 {
		t.Fatalf("TaskErrors = %v, want exactly one", summary.TaskErrors)
	}
	if got := s.Tree().Snapshot()["title"]; got != "Fine" {
		t.Errorf("title = %v, the healthy task must still extract", got)
	}
}

func TestEntryMetadataMergesWithLinkMetadata(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/a", titledPage("Alpha"))

	plan := buildPlan(t, `
rake:
  - link:
      url: https://shop.test/a
      metadata:
        source: link
    metadata:
      source: entry
      category: books
    interact:
      nodes:
        - selector: body
          data:
            - scope: meta.source
              value: "$var{source}"
            - scope: meta.category
              value: "$var{category}"
`)

	s := New(d, plan, zap.NewNop())
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := map[string]any{"source": "link", "category": "books"}
	if got := s.Tree().Snapshot()["meta"]; !reflect.DeepEqual(got, want) {
		t.Errorf("meta = %#v, want link metadata to win", got)
	}
}

type memoryRecorder struct {
	mu       sync.Mutex
	started  int
	visits   []string
	links    int
	finished bool
	pages    int
}

func (m *memoryRecorder) StartRun(pages int) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return 7, nil
}

func (m *memoryRecorder) RecordVisit(runID uint, url, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits = append(m.visits, status)
	return nil
}

func (m *memoryRecorder) RecordLink(runID uint, group, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links++
	return nil
}

func (m *memoryRecorder) FinishRun(runID uint, pagesOpened, taskErrors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	m.pages = pagesOpened
	return nil
}

func TestRecorderObservesRun(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/", &browsertest.Node{Tag: "html", Children: []*browsertest.Node{
		{Tag: "body", Children: []*browsertest.Node{
			{Tag: "a", Attrs: map[string]string{"class": "item", "href": "https://shop.test/a"}},
		}},
	}})

	plan := buildPlan(t, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: a.item
          links:
            - name: items
              url: "$attr{href}"
`)

	rec := &memoryRecorder{}
	s := New(d, plan, zap.NewNop())
	s.SetRecorder(rec)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rec.started != 1 || !rec.finished {
		t.Errorf("run not recorded: %+v", rec)
	}
	if len(rec.visits) != 1 || rec.visits[0] != "completed" {
		t.Errorf("visits = %v", rec.visits)
	}
	if rec.links != 1 || rec.pages != 1 {
		t.Errorf("links = %d, pages = %d", rec.links, rec.pages)
	}
}

func TestRecorderClassifiesFailures(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/", titledPage("x"))
	d.Static("https://shop.test/slow", titledPage("x"))

	plan := buildPlan(t, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: body
          data:
            - scope: never
              value: "$attr{text<page>@h2}"
  - link: https://shop.test/slow
    interact:
      nodes:
        - selector: div.absent
          wait: 10
  - link: https://shop.test/unrouted
    interact:
      nodes:
        - selector: body
`)

	rec := &memoryRecorder{}
	s := New(d, plan, zap.NewNop())
	s.SetRecorder(rec)
	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.TaskErrors) != 3 {
		t.Fatalf("TaskErrors = %v, want 3", summary.TaskErrors)
	}

	want := []string{"not_found", "timeout", "failed"}
	if !reflect.DeepEqual(rec.visits, want) {
		t.Errorf("visits = %v, want %v", rec.visits, want)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	d := browsertest.NewDriver()
	d.Static("https://shop.test/", titledPage("x"))

	plan := buildPlan(t, `
rake:
  - link: https://shop.test/
    interact:
      nodes:
        - selector: h1
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(d, plan, zap.NewNop()).Run(ctx); err == nil {
		t.Error("Run succeeded with a cancelled context")
	}
}

func toAny(urls []string) []any {
	out := make([]any, len(urls))
	for i, u := range urls {
		out[i] = u
	}
	return out
}

// sameEntries compares sequences of mappings ignoring order, tasks of
// one entry may settle in any order.
func sameEntries(got, want []any) bool {
	if len(got) != len(want) {
		return false
	}
	used := make([]bool, len(want))
	for _, g := range got {
		found := false
		for i, w := range want {
			if !used[i] && reflect.DeepEqual(g, w) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
