// Package browsertest is a scripted in-memory browser for tests. A
// Driver serves hand-built node trees by URL, matches a small CSS
// subset (tag, #id, .class, descendant chains) and records clicks,
// swipes and screenshots so engine behavior can be asserted without a
// real browser.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rake/internal/browser"
)

// Node is one element of a scripted page.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []*Node
	Disabled bool
	Hidden   bool

	// OnClick runs when the node is clicked or receives a click event,
	// so tests can script DOM mutations such as a "load more" button.
	OnClick func()
}

// Driver implements browser.Driver over scripted routes.
type Driver struct {
	mu     sync.Mutex
	routes map[string]func() *Node

	open    int
	maxOpen int
	opened  int

	// NavigateDelay stretches every navigation, which lets concurrency
	// tests observe how many pages are open at once.
	NavigateDelay time.Duration
}

func NewDriver() *Driver {
	return &Driver{routes: make(map[string]func() *Node)}
}

// Route serves a fresh node tree for the given URL. The build function
// runs once per navigation so pages never share mutable state.
func (d *Driver) Route(url string, build func() *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[url] = build
}

// Static serves the same tree for every navigation to the URL.
func (d *Driver) Static(url string, root *Node) {
	d.Route(url, func() *Node { return root })
}

func (d *Driver) Launch(ctx context.Context) error { return nil }

func (d *Driver) NewPage(ctx context.Context) (browser.Page, error) {
	d.mu.Lock()
	d.open++
	d.opened++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()
	return &Page{driver: d}, nil
}

func (d *Driver) Close() error { return nil }

// MaxOpen reports the highest number of simultaneously open pages.
func (d *Driver) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Opened reports how many pages were opened in total.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Page is one scripted browsing context.
type Page struct {
	driver *Driver

	mu          sync.Mutex
	url         string
	root        *Node
	Clicks      int
	Swipes      []browser.SwipeDirection
	Screenshots []string
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.driver.mu.Lock()
	build := p.driver.routes[url]
	delay := p.driver.NavigateDelay
	p.driver.mu.Unlock()

	if build == nil {
		return fmt.Errorf("no route for %s", url)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	p.mu.Lock()
	p.url = url
	p.root = build()
	p.mu.Unlock()
	return nil
}

func (p *Page) Query(selector string, opts browser.QueryOptions) ([]browser.Element, error) {
	p.mu.Lock()
	root := p.root
	p.mu.Unlock()
	if root == nil {
		return nil, fmt.Errorf("no page loaded")
	}
	nodes, err := match(root, selector, true, opts)
	if err != nil {
		return nil, err
	}
	return wrap(p, nodes), nil
}

func (p *Page) WaitForSelector(selector string, timeout time.Duration) error {
	els, err := p.Query(selector, browser.QueryOptions{})
	if err != nil {
		return err
	}
	if len(els) == 0 {
		return fmt.Errorf("timeout waiting for %q", selector)
	}
	return nil
}

func (p *Page) WaitTimeout(ms int) {}

func (p *Page) Swipe(el browser.Element, direction browser.SwipeDirection) error {
	p.mu.Lock()
	p.Swipes = append(p.Swipes, direction)
	p.mu.Unlock()
	return nil
}

func (p *Page) Screenshot(path string) error {
	p.mu.Lock()
	p.Screenshots = append(p.Screenshots, path)
	p.mu.Unlock()
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Close() error {
	p.driver.mu.Lock()
	p.driver.open--
	p.driver.mu.Unlock()
	return nil
}

// Element wraps a matched node.
type Element struct {
	page *Page
	node *Node
}

func wrap(p *Page, nodes []*Node) []browser.Element {
	els := make([]browser.Element, len(nodes))
	for i, n := range nodes {
		els[i] = &Element{page: p, node: n}
	}
	return els
}

func (e *Element) Query(selector string, opts browser.QueryOptions) ([]browser.Element, error) {
	nodes, err := match(e.node, selector, false, opts)
	if err != nil {
		return nil, err
	}
	return wrap(e.page, nodes), nil
}

func (e *Element) Extract(attr string, child int) (string, error) {
	target := e.node
	if child >= 1 {
		if child > len(e.node.Children) {
			return "", nil
		}
		target = e.node.Children[child-1]
	}
	if attr == "text" || attr == "textContent" {
		return deepText(target), nil
	}
	return target.Attrs[attr], nil
}

func (e *Element) IsDisabled() (bool, error) { return e.node.Disabled, nil }

func (e *Element) IsVisible() (bool, error) { return !e.node.Hidden, nil }

func (e *Element) ScrollIntoView() error { return nil }

func (e *Element) Click(opts browser.ClickOptions) error {
	e.page.mu.Lock()
	e.page.Clicks++
	e.page.mu.Unlock()
	if e.node.OnClick != nil {
		e.node.OnClick()
	}
	return nil
}

func (e *Element) Dispatch(event string) error {
	if event == "click" {
		return e.Click(browser.ClickOptions{})
	}
	return nil
}

// match walks the tree and collects nodes satisfying a descendant chain
// of simple selectors. includeSelf matches the root itself, which page
// queries allow and element queries do not.
func match(root *Node, selector string, includeSelf bool, opts browser.QueryOptions) ([]*Node, error) {
	steps := strings.Fields(selector)
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty selector")
	}

	current := []*Node{root}
	for i, step := range steps {
		sel, err := parseSimple(step)
		if err != nil {
			return nil, err
		}
		var next []*Node
		seen := map[*Node]bool{}
		for _, n := range current {
			collect(n, includeSelf && i == 0, sel, seen, &next)
		}
		current = next
	}

	if opts.Contains == "" && opts.Excludes == "" {
		return current, nil
	}
	var filtered []*Node
	for _, n := range current {
		text := deepText(n)
		if opts.Contains != "" && !strings.Contains(text, opts.Contains) {
			continue
		}
		if opts.Excludes != "" && strings.Contains(text, opts.Excludes) {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered, nil
}

func collect(n *Node, includeSelf bool, sel simpleSelector, seen map[*Node]bool, out *[]*Node) {
	if includeSelf && sel.matches(n) && !seen[n] {
		seen[n] = true
		*out = append(*out, n)
	}
	for _, c := range n.Children {
		collect(c, true, sel, seen, out)
	}
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
}

func parseSimple(s string) (simpleSelector, error) {
	var sel simpleSelector
	rest := s
	for rest != "" {
		next := strings.IndexAny(rest[1:], "#.")
		var token string
		if next == -1 {
			token, rest = rest, ""
		} else {
			token, rest = rest[:next+1], rest[next+1:]
		}
		switch {
		case strings.HasPrefix(token, "#"):
			sel.id = token[1:]
		case strings.HasPrefix(token, "."):
			sel.classes = append(sel.classes, token[1:])
		default:
			sel.tag = token
		}
	}
	if sel.tag == "" && sel.id == "" && len(sel.classes) == 0 {
		return sel, fmt.Errorf("unsupported selector %q", s)
	}
	return sel, nil
}

func (s simpleSelector) matches(n *Node) bool {
	if s.tag != "" && s.tag != "*" && n.Tag != s.tag {
		return false
	}
	if s.id != "" && n.Attrs["id"] != s.id {
		return false
	}
	for _, class := range s.classes {
		if !hasClass(n, class) {
			return false
		}
	}
	return true
}

func hasClass(n *Node, class string) bool {
	for _, c := range strings.Fields(n.Attrs["class"]) {
		if c == class {
			return true
		}
	}
	return false
}

func deepText(n *Node) string {
	var b strings.Builder
	b.WriteString(n.Text)
	for _, c := range n.Children {
		b.WriteString(deepText(c))
	}
	return b.String()
}
