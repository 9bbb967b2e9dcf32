package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the chromedp-backed driver.
type Config struct {
	Headless   bool
	NavTimeout time.Duration
	OpTimeout  time.Duration
	UserAgents []string
}

// defaultUserAgents is rotated per session so consecutive runs do not share
// an automation fingerprint.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// stealthScript hides the usual automation markers before any page script
// runs. Injected on every new document.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => false });
window.chrome = window.chrome || { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications'
		? Promise.resolve({ state: Notification.permission })
		: originalQuery(parameters)
);
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(screen, 'availTop', { get: () => 0 });
`

// Chromedp implements Driver on a single headless-Chrome session.
type Chromedp struct {
	cfg         Config
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp launches the browser session. One session drives one
// sequential crawl; there is no tab pooling.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 15 * time.Second
	}
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	ua := agents[rand.Intn(len(agents))]

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-back-forward-cache", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(ua),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Start the browser and register the stealth init script up front so it
	// applies to the first navigation too.
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("browser session started",
		zap.Bool("headless", cfg.Headless),
		zap.String("user_agent", ua[:min(len(ua), 50)]),
	)
	return &Chromedp{
		cfg:         cfg,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		logger:      logger,
	}, nil
}

// Close tears down the browser session.
func (d *Chromedp) Close() {
	d.browserStop()
	d.allocCancel()
}

func (d *Chromedp) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.browserCtx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Navigate loads url and waits for the body to be ready.
func (d *Chromedp) Navigate(ctx context.Context, url string) error {
	err := d.run(ctx, d.cfg.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Back performs one history-back step.
func (d *Chromedp) Back(ctx context.Context) error {
	if err := d.run(ctx, d.cfg.NavTimeout, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("navigate back: %w", err)
	}
	return nil
}

// Location returns the current page URL.
func (d *Chromedp) Location(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

// Content returns the serialized document.
func (d *Chromedp) Content(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, d.cfg.OpTimeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// WaitVisible blocks until sel is visible or the timeout elapses.
func (d *Chromedp) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	if err := d.run(ctx, timeout, chromedp.WaitVisible(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %q: %w", sel, err)
	}
	return nil
}

// QueryAll resolves every node matching sel and snapshots its attributes.
func (d *Chromedp) QueryAll(ctx context.Context, sel string) ([]Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, d.cfg.OpTimeout,
		chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", sel, err)
	}
	elements := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		attrs := make(map[string]string, len(n.Attributes)/2)
		for i := 0; i+1 < len(n.Attributes); i += 2 {
			attrs[n.Attributes[i]] = n.Attributes[i+1]
		}
		var nodeSel string
		if id := attrs["id"]; id != "" {
			nodeSel = "#" + id
		}
		elements = append(elements, Element{Selector: nodeSel, Attrs: attrs})
	}
	return elements, nil
}

// SetValue fills a form control and dispatches input/change.
func (d *Chromedp) SetValue(ctx context.Context, sel, value string) error {
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.SetValue(sel, value, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("set value %q: %w", sel, err)
	}
	return nil
}

// SelectOption selects an option on a <select> and fires change, which the
// target's postback machinery listens for.
func (d *Chromedp) SelectOption(ctx context.Context, sel, value string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return false; }
		el.value = %q;
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, sel, value)
	var ok bool
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("select option %q: %w", sel, err)
	}
	if !ok {
		return fmt.Errorf("select option: no element matches %q", sel)
	}
	return nil
}

// Value reads a form control's current value.
func (d *Chromedp) Value(ctx context.Context, sel string) (string, error) {
	var v string
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Value(sel, &v, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read value %q: %w", sel, err)
	}
	return v, nil
}

// Click delivers a click using the requested strategy.
func (d *Chromedp) Click(ctx context.Context, sel string, strategy ClickStrategy) error {
	switch strategy {
	case ClickDirect:
		if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("direct click %q: %w", sel, err)
		}
		return nil
	case ClickScripted:
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) { return false; }
			el.dispatchEvent(new MouseEvent('click', { bubbles: true, cancelable: true, view: window }));
			return true;
		})()`, sel)
		return d.evalClick(ctx, sel, script)
	case ClickCoordinates:
		return d.clickAtCenter(ctx, sel)
	case ClickSelectorScript:
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) { return false; }
			el.click();
			return true;
		})()`, sel)
		return d.evalClick(ctx, sel, script)
	default:
		return fmt.Errorf("unknown click strategy %d", strategy)
	}
}

func (d *Chromedp) evalClick(ctx context.Context, sel, script string) error {
	var ok bool
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("scripted click %q: %w", sel, err)
	}
	if !ok {
		return fmt.Errorf("scripted click: no element matches %q", sel)
	}
	return nil
}

func (d *Chromedp) clickAtCenter(ctx context.Context, sel string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return null; }
		const r = el.getBoundingClientRect();
		return [r.left + r.width / 2, r.top + r.height / 2];
	})()`, sel)
	var center []float64
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Evaluate(script, &center)); err != nil {
		return fmt.Errorf("locate %q for coordinate click: %w", sel, err)
	}
	if len(center) != 2 {
		return fmt.Errorf("coordinate click: no element matches %q", sel)
	}
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.MouseClickXY(center[0], center[1])); err != nil {
		return fmt.Errorf("coordinate click %q: %w", sel, err)
	}
	return nil
}

// Evaluate runs expr in the page context.
func (d *Chromedp) Evaluate(ctx context.Context, expr string, out any) error {
	if err := d.run(ctx, d.cfg.OpTimeout, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Frames enumerates embedded frames. Challenge widgets render in iframe
// targets, which chromedp exposes as attachable targets of their own.
func (d *Chromedp) Frames(ctx context.Context) ([]Frame, error) {
	var infos []*target.Info
	err := d.run(ctx, d.cfg.OpTimeout, chromedp.ActionFunc(func(cctx context.Context) error {
		targets, err := target.GetTargets().Do(cctx)
		if err != nil {
			return err
		}
		infos = targets
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("enumerate frames: %w", err)
	}

	frames := make([]Frame, 0, len(infos))
	for _, info := range infos {
		if info.Type != "iframe" || info.URL == "" {
			continue
		}
		frames = append(frames, &chromedpFrame{
			driver:   d,
			targetID: info.TargetID,
			url:      info.URL,
		})
	}
	return frames, nil
}

// chromedpFrame attaches to an iframe target per operation.
type chromedpFrame struct {
	driver   *Chromedp
	targetID target.ID
	url      string
}

func (f *chromedpFrame) URL() string { return f.url }

func (f *chromedpFrame) run(ctx context.Context, actions ...chromedp.Action) error {
	frameCtx, cancel := chromedp.NewContext(f.driver.browserCtx, chromedp.WithTargetID(f.targetID))
	defer cancel()
	frameCtx, tcancel := context.WithTimeout(frameCtx, f.driver.cfg.OpTimeout)
	defer tcancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(frameCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		tcancel()
		<-done
		return ctx.Err()
	}
}

func (f *chromedpFrame) Content(ctx context.Context) (string, error) {
	var html string
	if err := f.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read frame content %s: %w", f.url, err)
	}
	return html, nil
}

func (f *chromedpFrame) Visible(ctx context.Context, sel string) (bool, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return !!(el && (el.offsetWidth > 0 || el.offsetHeight > 0));
	})()`, sel)
	var visible bool
	if err := f.run(ctx, chromedp.Evaluate(script, &visible)); err != nil {
		return false, fmt.Errorf("check visibility %q in frame: %w", sel, err)
	}
	return visible, nil
}

func (f *chromedpFrame) Attribute(ctx context.Context, sel, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := f.run(ctx, chromedp.AttributeValue(sel, name, &value, &ok, chromedp.ByQuery))
	if err != nil {
		// Absent nodes surface as errors from AttributeValue; report absence
		// rather than failure so readiness polling can keep going.
		if strings.Contains(err.Error(), "could not find node") ||
			strings.Contains(err.Error(), "waiting for selector") {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read attribute %q of %q: %w", name, sel, err)
	}
	return value, ok, nil
}

func (f *chromedpFrame) Click(ctx context.Context, sel string) error {
	if err := f.run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %q in frame: %w", sel, err)
	}
	return nil
}
