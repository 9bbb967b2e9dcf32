package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/browser"
	"github.com/lienwatch/noticecrawl/internal/metrics"
	"github.com/lienwatch/noticecrawl/internal/pacing"
)

// State tracks engine progress through challenge resolution.
type State int

const (
	StateIdle State = iota
	StateChallengePresented
	StateCheckboxAttempted
	StateCleared
	StateImageChallenge
	StateAutomationDetected
	StateSolved
	StateAbandoned
)

// String renders a State for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChallengePresented:
		return "challenge_presented"
	case StateCheckboxAttempted:
		return "checkbox_attempted"
	case StateCleared:
		return "cleared"
	case StateImageChallenge:
		return "image_challenge"
	case StateAutomationDetected:
		return "automation_detected"
	case StateSolved:
		return "solved"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is a challenge resolution outcome.
type Result struct {
	Solved bool
	// AutomationDetected marks the session as flagged by the challenge
	// provider; retrying immediately reinforces detection, so callers must
	// not retry the notice.
	AutomationDetected bool
	FinalState         State
}

// blockMarker is the phrase gating detail pages behind a challenge.
const blockMarker = "You must complete the reCAPTCHA"

// automationPhrases are scanned in the main document and challenge frames.
var automationPhrases = []string{
	"automated processes",
	"looks like your browser is using automated processes",
	"automated traffic",
	"unusual traffic",
	"automated queries",
}

// checkboxSelectors are tried in order when locating the challenge
// checkbox inside its frame.
var checkboxSelectors = []string{
	"#recaptcha-anchor",
	".rc-anchor-checkbox",
	"span[role='checkbox']",
}

// imageChallengeSelectors indicate an escalated image grid inside the
// challenge frame.
var imageChallengeSelectors = []string{
	"#rc-imageselect",
	".rc-imageselect",
	".rc-imageselect-payload",
	".rc-imageselect-table",
}

const (
	challengeFrameSel = "#recaptcha iframe"
	confirmButtonSel  = "#ctl00_ContentPlaceHolder1_PublicNoticeDetailsBody1_btnViewNotice"

	checkboxPollAttempts = 10
	checkboxPollInterval = 1500 * time.Millisecond
	checkboxSettle       = 500 * time.Millisecond
)

// confirmClickChain is the ordered activation chain for the confirmation
// control. Overlay elements intermittently intercept the direct path.
var confirmClickChain = []browser.ClickStrategy{
	browser.ClickDirect,
	browser.ClickScripted,
	browser.ClickCoordinates,
	browser.ClickSelectorScript,
}

// Engine resolves challenges on the current page: checkbox first, then
// delegation to the external solving service when an image grid appears.
type Engine struct {
	drv    browser.Driver
	solver Solver
	pacer  *pacing.Pacer
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
	state  State
}

// NewEngine constructs an Engine. solver may be nil, in which case image
// challenges are abandoned.
func NewEngine(drv browser.Driver, solver Solver, pacer *pacing.Pacer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pacer == nil {
		pacer = pacing.New(pacing.Config{}, nil)
	}
	metrics.Init()
	return &Engine{
		drv:    drv,
		solver: solver,
		pacer:  pacer,
		logger: logger,
		sleep:  sleepCtx,
		state:  StateIdle,
	}
}

// Detect reports whether the current page is blocked by a challenge.
func (e *Engine) Detect(ctx context.Context) bool {
	content, err := e.drv.Content(ctx)
	if err != nil {
		e.logger.Warn("challenge detection read failed", zap.Error(err))
		return false
	}
	return strings.Contains(content, blockMarker)
}

// Resolve runs the challenge state machine to a terminal state. It never
// returns an error for an unsolved challenge; Result carries the outcome
// and errors are reserved for context cancellation.
func (e *Engine) Resolve(ctx context.Context) (Result, error) {
	e.transition(StateChallengePresented)

	if err := e.clickCheckbox(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{FinalState: e.state}, ctx.Err()
		}
		e.logger.Warn("checkbox interaction failed", zap.Error(err))
	}
	e.transition(StateCheckboxAttempted)

	// Randomized long-then-short settle before checking escalation: a fixed
	// short delay is itself a detectable signature.
	if err := e.sleep(ctx, e.pacer.Between(4780*time.Millisecond, 11100*time.Millisecond)); err != nil {
		return Result{FinalState: e.state}, err
	}
	if err := e.sleep(ctx, e.pacer.Between(2*time.Second, 4*time.Second)); err != nil {
		return Result{FinalState: e.state}, err
	}

	if e.automationDetected(ctx) {
		e.transition(StateAutomationDetected)
		e.transition(StateAbandoned)
		e.logger.Error("challenge provider flagged automation; abandoning without retry")
		return Result{AutomationDetected: true, FinalState: StateAbandoned}, nil
	}

	if e.hasImageChallenge(ctx) {
		e.transition(StateImageChallenge)
		return e.resolveImageChallenge(ctx)
	}
	e.transition(StateCleared)

	if !e.blocked(ctx) {
		e.transition(StateSolved)
		return Result{Solved: true, FinalState: StateSolved}, nil
	}

	// Checkbox accepted but the page still shows the marker: the
	// confirmation control has to be activated to proceed.
	if err := e.confirm(ctx); err != nil {
		e.logger.Warn("confirmation activation failed", zap.Error(err))
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}
	if err := e.sleep(ctx, 3*time.Second); err != nil {
		return Result{FinalState: e.state}, err
	}
	if !e.blocked(ctx) {
		e.transition(StateSolved)
		return Result{Solved: true, FinalState: StateSolved}, nil
	}
	e.transition(StateAbandoned)
	return Result{FinalState: StateAbandoned}, nil
}

func (e *Engine) transition(s State) {
	e.logger.Debug("challenge state transition",
		zap.Stringer("from", e.state),
		zap.Stringer("to", s),
	)
	e.state = s
}

func (e *Engine) blocked(ctx context.Context) bool {
	content, err := e.drv.Content(ctx)
	if err != nil {
		return true
	}
	return strings.Contains(content, blockMarker)
}

// clickCheckbox locates the challenge frame and clicks the checkbox once it
// reports a ready accessibility state. Clicking a not-yet-interactive
// control is the primary cause of spurious failures.
func (e *Engine) clickCheckbox(ctx context.Context) error {
	if err := e.drv.WaitVisible(ctx, challengeFrameSel, 10*time.Second); err != nil {
		e.logger.Debug("challenge frame wait", zap.Error(err))
	}

	frame, err := e.findChallengeFrame(ctx)
	if err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("challenge frame not found")
	}

	for attempt := 0; attempt < checkboxPollAttempts; attempt++ {
		for _, sel := range checkboxSelectors {
			visible, err := frame.Visible(ctx, sel)
			if err != nil || !visible {
				continue
			}
			// A populated aria-checked means the widget finished wiring up.
			if _, ok, err := frame.Attribute(ctx, sel, "aria-checked"); err != nil || !ok {
				continue
			}
			if err := e.sleep(ctx, checkboxSettle); err != nil {
				return err
			}
			if err := frame.Click(ctx, sel); err != nil {
				return fmt.Errorf("click checkbox: %w", err)
			}
			e.logger.Info("challenge checkbox clicked", zap.String("selector", sel))
			return nil
		}
		if err := e.sleep(ctx, checkboxPollInterval); err != nil {
			return err
		}
	}

	// Fallback: unverified click after the readiness budget is spent.
	e.logger.Warn("checkbox never reported ready; attempting unverified click")
	var lastErr error
	for _, sel := range checkboxSelectors {
		if err := frame.Click(ctx, sel); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("checkbox click fallback: %w", lastErr)
}

func (e *Engine) findChallengeFrame(ctx context.Context) (browser.Frame, error) {
	frames, err := e.drv.Frames(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate frames: %w", err)
	}
	for _, f := range frames {
		if strings.Contains(strings.ToLower(f.URL()), "recaptcha") {
			return f, nil
		}
	}
	return nil, nil
}

// automationDetected scans the main document and challenge frames for
// known block phrases.
func (e *Engine) automationDetected(ctx context.Context) bool {
	content, err := e.drv.Content(ctx)
	if err == nil && containsAnyPhrase(content, automationPhrases) {
		return true
	}

	frames, err := e.drv.Frames(ctx)
	if err != nil {
		return false
	}
	for _, f := range frames {
		lowerURL := strings.ToLower(f.URL())
		if !strings.Contains(lowerURL, "recaptcha") && !strings.Contains(lowerURL, "google") {
			continue
		}
		frameContent, err := f.Content(ctx)
		if err != nil {
			continue
		}
		if containsAnyPhrase(frameContent, automationPhrases) {
			return true
		}
	}
	return false
}

func containsAnyPhrase(content string, phrases []string) bool {
	lower := strings.ToLower(content)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (e *Engine) hasImageChallenge(ctx context.Context) bool {
	frames, err := e.drv.Frames(ctx)
	if err != nil {
		return false
	}
	for _, f := range frames {
		lowerURL := strings.ToLower(f.URL())
		if !strings.Contains(lowerURL, "recaptcha") && !strings.Contains(lowerURL, "google") {
			continue
		}
		for _, sel := range imageChallengeSelectors {
			visible, err := f.Visible(ctx, sel)
			if err == nil && visible {
				return true
			}
		}
	}
	return false
}

func (e *Engine) resolveImageChallenge(ctx context.Context) (Result, error) {
	if e.solver == nil {
		e.logger.Error("image challenge present but no solver configured")
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}

	siteKey, err := e.extractSiteKey(ctx)
	if err != nil {
		e.logger.Error("site key extraction failed", zap.Error(err))
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}
	pageURL, err := e.drv.Location(ctx)
	if err != nil {
		e.logger.Error("page URL read failed", zap.Error(err))
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}

	start := time.Now()
	token, err := e.solver.Solve(ctx, siteKey, pageURL)
	metrics.ObserveSolverDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{FinalState: e.state}, err
		}
		e.logger.Error("solving service failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}
	e.logger.Info("solving service returned token",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("token_len", len(token)),
	)

	if err := e.injectToken(ctx, token); err != nil {
		e.logger.Error("token injection failed", zap.Error(err))
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}

	// Activate confirmation immediately: marker removal does not reliably
	// synchronize with server-side acceptance. The authoritative success
	// signal is the marker's absence after activation.
	if err := e.sleep(ctx, 2*time.Second); err != nil {
		return Result{FinalState: e.state}, err
	}
	if err := e.confirm(ctx); err != nil {
		e.logger.Error("confirmation activation failed", zap.Error(err))
		e.transition(StateAbandoned)
		return Result{FinalState: StateAbandoned}, nil
	}
	if err := e.sleep(ctx, 3*time.Second); err != nil {
		return Result{FinalState: e.state}, err
	}

	if !e.blocked(ctx) {
		e.transition(StateSolved)
		return Result{Solved: true, FinalState: StateSolved}, nil
	}
	e.logger.Error("block marker still present after token submission")
	e.transition(StateAbandoned)
	return Result{FinalState: StateAbandoned}, nil
}

func (e *Engine) confirm(ctx context.Context) error {
	return browser.ClickChain(ctx, e.drv, confirmButtonSel, confirmClickChain...)
}

var scriptSiteKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`['"]sitekey['"]:\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`grecaptcha\.render\([^}]*['"]sitekey['"]:\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`data-sitekey=['"]([^'"]+)['"]`),
}

// extractSiteKey tries three strategies in order; the first success wins.
func (e *Engine) extractSiteKey(ctx context.Context) (string, error) {
	// Strategy 1: embedded attribute.
	elements, err := e.drv.QueryAll(ctx, "[data-sitekey]")
	if err == nil {
		for _, el := range elements {
			if key := el.Attrs["data-sitekey"]; key != "" {
				e.logger.Debug("site key from attribute")
				return key, nil
			}
		}
	}

	// Strategy 2: challenge frame URL parameter.
	frames, err := e.drv.Frames(ctx)
	if err == nil {
		for _, f := range frames {
			if !strings.Contains(strings.ToLower(f.URL()), "recaptcha") {
				continue
			}
			if u, perr := url.Parse(f.URL()); perr == nil {
				if key := u.Query().Get("k"); key != "" {
					e.logger.Debug("site key from frame URL")
					return key, nil
				}
			}
		}
	}

	// Strategy 3: script-content pattern.
	var scripts []string
	collect := `Array.from(document.querySelectorAll('script')).map(s => s.textContent || '')`
	if err := e.drv.Evaluate(ctx, collect, &scripts); err == nil {
		for _, body := range scripts {
			for _, pat := range scriptSiteKeyPatterns {
				if m := pat.FindStringSubmatch(body); m != nil {
					e.logger.Debug("site key from script content")
					return m[1], nil
				}
			}
		}
	}

	return "", fmt.Errorf("site key not found by any strategy")
}

// injectToken writes the response token into the page and pokes every
// integration point: the hidden textarea, synthetic change/input events,
// and any page-registered callback, since some widgets require the explicit
// invocation rather than the DOM event.
func (e *Engine) injectToken(ctx context.Context, token string) error {
	quoted := strconv.Quote(token)
	script := fmt.Sprintf(`(() => {
		const el = document.getElementById('g-recaptcha-response') ||
			document.querySelector('textarea[name="g-recaptcha-response"]');
		if (!el) { return 'element_not_found'; }
		el.style.display = 'block';
		el.style.visibility = 'visible';
		el.innerHTML = %[1]s;
		el.value = %[1]s;
		try {
			if (window.___grecaptcha_cfg && window.___grecaptcha_cfg.clients) {
				const client = window.___grecaptcha_cfg.clients[0];
				if (client && typeof client.callback === 'function') {
					client.callback(%[1]s);
				}
			}
			if (typeof grecaptchaCallback === 'function') { grecaptchaCallback(%[1]s); }
			if (typeof onRecaptchaSuccess === 'function') { onRecaptchaSuccess(%[1]s); }
		} catch (err) { /* callback wiring varies per page */ }
		el.dispatchEvent(new Event('change', { bubbles: true }));
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return 'success';
	})()`, quoted)

	var result string
	if err := e.drv.Evaluate(ctx, script, &result); err != nil {
		return fmt.Errorf("run injection script: %w", err)
	}
	if result != "success" {
		return fmt.Errorf("injection script reported %q", result)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
