// Package browser abstracts the remote-controlled browser the crawler
// drives. The crawl controller, challenge engine, and session recovery
// depend only on this capability set, never on chromedp directly.
package browser

import (
	"context"
	"fmt"
	"time"
)

// ClickStrategy selects how a click is delivered. Overlay elements on the
// target site intermittently intercept the direct path, so callers try an
// ordered chain of strategies.
type ClickStrategy int

const (
	// ClickDirect is a trusted input click on the resolved node.
	ClickDirect ClickStrategy = iota
	// ClickScripted dispatches a synthetic MouseEvent on the node.
	ClickScripted
	// ClickCoordinates clicks at the node's viewport center coordinates.
	ClickCoordinates
	// ClickSelectorScript invokes element.click() through a fresh
	// querySelector lookup.
	ClickSelectorScript
)

// Element is a matched node's selector handle plus its attributes.
// Selector is empty when the node carries no id to address it by.
type Element struct {
	Selector string
	Attrs    map[string]string
}

// Driver is the browser automation capability set.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	// Content returns the full serialized document.
	Content(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, sel string, timeout time.Duration) error
	// QueryAll returns all nodes matching sel in document order.
	QueryAll(ctx context.Context, sel string) ([]Element, error)
	SetValue(ctx context.Context, sel, value string) error
	SelectOption(ctx context.Context, sel, value string) error
	Value(ctx context.Context, sel string) (string, error)
	Click(ctx context.Context, sel string, strategy ClickStrategy) error
	// Evaluate runs script in the page, unmarshaling its result into out
	// when out is non-nil.
	Evaluate(ctx context.Context, expr string, out any) error
	Frames(ctx context.Context) ([]Frame, error)
}

// Frame is an embedded frame scoped view of the same capabilities the
// challenge engine needs.
type Frame interface {
	URL() string
	Content(ctx context.Context) (string, error)
	Visible(ctx context.Context, sel string) (bool, error)
	Attribute(ctx context.Context, sel, name string) (string, bool, error)
	Click(ctx context.Context, sel string) error
}

// ClickChain tries strategies in order, stopping at the first success.
// It returns the last error when every strategy fails.
func ClickChain(ctx context.Context, d Driver, sel string, strategies ...ClickStrategy) error {
	var lastErr error
	for _, s := range strategies {
		if err := d.Click(ctx, sel, s); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no click strategies provided")
	}
	return fmt.Errorf("all click strategies failed for %q: %w", sel, lastErr)
}
