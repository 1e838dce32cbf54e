package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// IsTimeout reports whether err is a driver-side timeout: a playwright
// wait that ran out or a navigation cut short by its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// extractJS reads an attribute from a node or one of its child nodes.
// Child indexes are 1-based; properties are preferred over attributes so
// href and src resolve to absolute URLs the way the page sees them.
const extractJS = `(node, args) => {
	const [child, attr] = args;
	const el = child ? node.childNodes[child - 1] : node;
	if (!el) return null;
	if (attr === 'textContent') return el.textContent;
	if (el[attr] !== undefined && el[attr] !== null) return el[attr];
	return el.getAttribute ? el.getAttribute(attr) : null;
}`

// PlaywrightDriver implements Driver on top of playwright-go.
type PlaywrightDriver struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     Config
}

// NewPlaywright builds a driver with sane defaults applied.
func NewPlaywright(cfg Config) *PlaywrightDriver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NavigateTimeout == 0 {
		cfg.NavigateTimeout = 60 * time.Second // navigation is usually slower
	}
	if cfg.Type == "" {
		cfg.Type = "chromium"
	}
	return &PlaywrightDriver{cfg: cfg}
}

func (d *PlaywrightDriver) Launch(ctx context.Context) error {
	if d.cfg.BrowsersPath != "" {
		os.Setenv("PLAYWRIGHT_BROWSERS_PATH", d.cfg.BrowsersPath)
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("starting playwright: %w", err)
	}

	var browserType playwright.BrowserType
	switch strings.ToLower(d.cfg.Type) {
	case "chromium":
		browserType = pw.Chromium
	case "firefox":
		browserType = pw.Firefox
	case "webkit":
		browserType = pw.WebKit
	default:
		pw.Stop()
		return fmt.Errorf("unsupported browser type %q", d.cfg.Type)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.cfg.Headless),
		Args:     []string{"--no-sandbox"},
	}
	if d.cfg.SlowMo > 0 {
		opts.SlowMo = playwright.Float(float64(d.cfg.SlowMo.Milliseconds()))
	}

	browser, err := browserType.Launch(opts)
	if err != nil {
		pw.Stop()
		return fmt.Errorf("launching %s: %w", d.cfg.Type, err)
	}

	d.mu.Lock()
	d.pw = pw
	d.browser = browser
	d.mu.Unlock()
	return nil
}

// NewPage opens a fresh browsing context with its own page. One context
// per task keeps cookies and storage isolated between concurrent tasks.
func (d *PlaywrightDriver) NewPage(ctx context.Context) (Page, error) {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser is not launched")
	}

	bctx, err := browser.NewContext()
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("opening page: %w", err)
	}
	page.SetDefaultTimeout(float64(d.cfg.Timeout.Milliseconds()))

	if d.cfg.Viewport[0] > 0 && d.cfg.Viewport[1] > 0 {
		if err := page.SetViewportSize(d.cfg.Viewport[0], d.cfg.Viewport[1]); err != nil {
			bctx.Close()
			return nil, fmt.Errorf("setting viewport: %w", err)
		}
	}

	if len(d.cfg.BlockedResources) > 0 {
		blocked := make(map[string]bool, len(d.cfg.BlockedResources))
		for _, t := range d.cfg.BlockedResources {
			blocked[t] = true
		}
		err := page.Route("**/*", func(route playwright.Route) {
			if blocked[route.Request().ResourceType()] {
				route.Abort()
				return
			}
			route.Continue()
		})
		if err != nil {
			bctx.Close()
			return nil, fmt.Errorf("installing request filter: %w", err)
		}
	}

	return &pwPage{page: page, bctx: bctx, cfg: d.cfg}, nil
}

func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			return err
		}
		d.browser = nil
	}
	if d.pw != nil {
		err := d.pw.Stop()
		d.pw = nil
		return err
	}
	return nil
}

type pwPage struct {
	page playwright.Page
	bctx playwright.BrowserContext
	cfg  Config
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	opts := playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(p.cfg.NavigateTimeout.Milliseconds())),
	}
	switch strings.ToLower(p.cfg.ReadyOn) {
	case "domcontentloaded":
		opts.WaitUntil = playwright.WaitUntilStateDomcontentloaded
	case "networkidle":
		opts.WaitUntil = playwright.WaitUntilStateNetworkidle
	case "load", "":
		opts.WaitUntil = playwright.WaitUntilStateLoad
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := p.page.Goto(url, opts)
		errChan <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("navigating to %s: %w", url, err)
		}
		return nil
	}
}

func (p *pwPage) Query(selector string, opts QueryOptions) ([]Element, error) {
	locOpts := playwright.PageLocatorOptions{}
	if opts.Contains != "" {
		locOpts.HasText = opts.Contains
	}
	if opts.Excludes != "" {
		locOpts.HasNotText = opts.Excludes
	}
	all, err := p.page.Locator(selector, locOpts).All()
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	return wrapLocators(p, all), nil
}

func (p *pwPage) WaitForSelector(selector string, timeout time.Duration) error {
	return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *pwPage) WaitTimeout(ms int) {
	p.page.WaitForTimeout(float64(ms))
}

// Swipe drags the pointer from the element center to the viewport edge,
// the way the original engine emulates touch carousels.
func (p *pwPage) Swipe(el Element, direction SwipeDirection) error {
	pe, ok := el.(*pwElement)
	if !ok {
		return fmt.Errorf("swipe target is not a playwright element")
	}

	box, err := pe.loc.BoundingBox()
	if err != nil {
		return fmt.Errorf("reading bounding box: %w", err)
	}
	if box == nil {
		return fmt.Errorf("swipe target has no bounding box")
	}

	startX := box.X + box.Width/2
	startY := box.Y + box.Height/2
	endX := 0.0
	if direction == SwipeRight {
		endX = box.X + box.Width
	}

	mouse := p.page.Mouse()
	if err := mouse.Move(startX, startY); err != nil {
		return err
	}
	if err := mouse.Down(); err != nil {
		return err
	}
	if err := mouse.Move(endX, startY); err != nil {
		return err
	}
	return mouse.Up()
}

func (p *pwPage) Screenshot(path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("taking screenshot: %w", err)
	}
	return nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Close() error {
	if err := p.page.Close(); err != nil {
		return err
	}
	return p.bctx.Close()
}

type pwElement struct {
	page *pwPage
	loc  playwright.Locator
}

func wrapLocators(page *pwPage, locs []playwright.Locator) []Element {
	els := make([]Element, len(locs))
	for i, l := range locs {
		els[i] = &pwElement{page: page, loc: l}
	}
	return els
}

func (e *pwElement) Query(selector string, opts QueryOptions) ([]Element, error) {
	locOpts := playwright.LocatorLocatorOptions{}
	if opts.Contains != "" {
		locOpts.HasText = opts.Contains
	}
	if opts.Excludes != "" {
		locOpts.HasNotText = opts.Excludes
	}
	all, err := e.loc.Locator(selector, locOpts).All()
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	return wrapLocators(e.page, all), nil
}

func (e *pwElement) Extract(attr string, child int) (string, error) {
	name := attr
	if attr == "text" {
		name = "textContent"
	}
	value, err := e.loc.Evaluate(extractJS, []any{child, name})
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", attr, err)
	}
	if value == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", value), nil
}

func (e *pwElement) IsDisabled() (bool, error) {
	return e.loc.IsDisabled()
}

func (e *pwElement) IsVisible() (bool, error) {
	return e.loc.IsVisible()
}

func (e *pwElement) ScrollIntoView() error {
	return e.loc.ScrollIntoViewIfNeeded()
}

func (e *pwElement) Click(opts ClickOptions) error {
	clickOpts := playwright.LocatorClickOptions{}
	switch strings.ToLower(opts.Button) {
	case "right":
		clickOpts.Button = playwright.MouseButtonRight
	case "middle":
		clickOpts.Button = playwright.MouseButtonMiddle
	case "left", "":
	default:
		return fmt.Errorf("unsupported mouse button %q", opts.Button)
	}
	for _, m := range opts.Modifiers {
		switch strings.ToLower(m) {
		case "alt":
			clickOpts.Modifiers = append(clickOpts.Modifiers, *playwright.KeyboardModifierAlt)
		case "control", "ctrl":
			clickOpts.Modifiers = append(clickOpts.Modifiers, *playwright.KeyboardModifierControl)
		case "meta":
			clickOpts.Modifiers = append(clickOpts.Modifiers, *playwright.KeyboardModifierMeta)
		case "shift":
			clickOpts.Modifiers = append(clickOpts.Modifiers, *playwright.KeyboardModifierShift)
		default:
			return fmt.Errorf("unsupported click modifier %q", m)
		}
	}
	return e.loc.Click(clickOpts)
}

func (e *pwElement) Dispatch(event string) error {
	return e.loc.DispatchEvent(event, nil)
}
