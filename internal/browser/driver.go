// Package browser exposes page automation behind a narrow capability
// interface. The production implementation wraps playwright-go; tests use
// the scripted in-memory driver from the browsertest subpackage.
package browser

import (
	"context"
	"time"
)

// Driver owns the browser process and hands out isolated page contexts.
// Each crawl task gets its own Page; pages are never shared across
// concurrent tasks.
type Driver interface {
	Launch(ctx context.Context) error
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one isolated browsing context plus its single page.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Query(selector string, opts QueryOptions) ([]Element, error)
	WaitForSelector(selector string, timeout time.Duration) error
	WaitTimeout(ms int)
	Swipe(el Element, direction SwipeDirection) error
	Screenshot(path string) error
	URL() string
	Close() error
}

// Element is a handle to one matched DOM node.
type Element interface {
	Query(selector string, opts QueryOptions) ([]Element, error)
	// Extract reads an attribute of the element, or of its nth child node
	// when child >= 1 (1-indexed). The attribute "text" is mapped to
	// textContent by the caller before reaching the driver.
	Extract(attr string, child int) (string, error)
	IsDisabled() (bool, error)
	IsVisible() (bool, error)
	ScrollIntoView() error
	Click(opts ClickOptions) error
	Dispatch(event string) error
}

// QueryOptions filter selector matches by contained text.
type QueryOptions struct {
	Contains string
	Excludes string
}

// ClickOptions mirror the subset of pointer options crawl plans may set.
type ClickOptions struct {
	Button    string
	Modifiers []string
}

// SwipeDirection is the direction of a synthetic drag gesture.
type SwipeDirection string

const (
	SwipeLeft  SwipeDirection = "left"
	SwipeRight SwipeDirection = "right"
)

// Config controls browser launch and per-page behavior.
type Config struct {
	// Type is the engine to launch: chromium (default), firefox or webkit.
	Type string
	// Headless hides the browser window; plans set show: true to disable.
	Headless bool
	// SlowMo delays every driver operation, for debugging visible runs.
	SlowMo time.Duration
	// Viewport is the page size as [width, height]; zero keeps defaults.
	Viewport [2]int
	// BlockedResources lists resource types (image, font, ...) whose
	// requests are aborted.
	BlockedResources []string
	// ReadyOn is the load state navigation waits for: load,
	// domcontentloaded or networkidle.
	ReadyOn string
	// Timeout bounds any single page or action wait.
	Timeout time.Duration
	// NavigateTimeout bounds navigation separately, it is usually slower.
	NavigateTimeout time.Duration
	// BrowsersPath overrides where playwright looks for browser builds.
	BrowsersPath string
}
