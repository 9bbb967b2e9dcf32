package captcha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lienwatch/noticecrawl/internal/browser"
	"github.com/lienwatch/noticecrawl/internal/metrics"
	"github.com/lienwatch/noticecrawl/internal/pacing"
)

type countingSolver struct {
	calls    int
	siteKey  string
	pageURL  string
	token    string
	solveErr error
}

func (s *countingSolver) Solve(_ context.Context, siteKey, pageURL string) (string, error) {
	s.calls++
	s.siteKey = siteKey
	s.pageURL = pageURL
	if s.solveErr != nil {
		return "", s.solveErr
	}
	return s.token, nil
}

// blockedPage wires a Fake whose content carries the block marker until the
// given selector is clicked, in either the main document or the frame.
func blockedPage(clearOn string) (*browser.Fake, *browser.FakeFrame) {
	content := "<html>You must complete the reCAPTCHA below</html>"
	fake := browser.NewFake()
	frame := browser.NewFakeFrame("https://www.google.com/recaptcha/api2/anchor?k=key-from-url")
	fake.FrameList = []browser.Frame{frame}

	fake.OnContent = func() (string, error) { return content, nil }
	fake.OnClick = func(sel string, _ browser.ClickStrategy) error {
		if sel == clearOn {
			content = "<html>notice body</html>"
		}
		return nil
	}
	frame.OnClick = func(sel string) error {
		if sel == clearOn {
			content = "<html>notice body</html>"
		}
		return nil
	}
	return fake, frame
}

func newTestEngine(drv browser.Driver, solver Solver) *Engine {
	metrics.Init()
	e := NewEngine(drv, solver, pacing.New(pacing.Config{}, nil), nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestDetect(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.HTMLValue = "You must complete the reCAPTCHA to view this notice"
	e := newTestEngine(fake, nil)
	require.True(t, e.Detect(context.Background()))

	fake.HTMLValue = "notice body"
	require.False(t, e.Detect(context.Background()))
}

func TestCheckboxAloneClearsChallenge(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage("#recaptcha-anchor")
	frame.VisibleSel["#recaptcha-anchor"] = true
	frame.Attrs["#recaptcha-anchor"] = map[string]string{"aria-checked": "false"}

	solver := &countingSolver{token: "unused"}
	e := newTestEngine(fake, solver)

	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, result.Solved)
	require.Equal(t, StateSolved, result.FinalState)
	require.Equal(t, []string{"#recaptcha-anchor"}, frame.ClickLog)

	// The checkbox path must never spend a solver call.
	require.Zero(t, solver.calls)
}

func TestCheckboxFallsBackToUnverifiedClick(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage("#recaptcha-anchor")
	// Checkbox never reports ready: not visible, no aria-checked.

	e := newTestEngine(fake, nil)
	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, result.Solved)
	require.NotEmpty(t, frame.ClickLog)
}

func TestAutomationDetectionAbandonsWithoutSolver(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.HTMLValue = "You must complete the reCAPTCHA. Our systems have detected unusual traffic from your computer network."
	frame := browser.NewFakeFrame("https://www.google.com/recaptcha/api2/anchor")
	frame.VisibleSel["#recaptcha-anchor"] = true
	frame.Attrs["#recaptcha-anchor"] = map[string]string{"aria-checked": "false"}
	fake.FrameList = []browser.Frame{frame}

	solver := &countingSolver{token: "unused"}
	e := newTestEngine(fake, solver)

	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.False(t, result.Solved)
	require.True(t, result.AutomationDetected)
	require.Equal(t, StateAbandoned, result.FinalState)
	require.Zero(t, solver.calls)
}

func TestAutomationPhraseInFrameDetected(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage("#recaptcha-anchor")
	frame.VisibleSel["#recaptcha-anchor"] = true
	frame.Attrs["#recaptcha-anchor"] = map[string]string{"aria-checked": "false"}
	frame.HTMLValue = "It looks like your browser is using automated processes."

	e := newTestEngine(fake, &countingSolver{})
	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, result.AutomationDetected)
}

func TestImageChallengeEscalatesToSolver(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage(confirmButtonSel)
	fake.URLValue = "https://www.mnpublicnotice.com/Details.aspx?ID=852667"
	frame.VisibleSel["#recaptcha-anchor"] = true
	frame.Attrs["#recaptcha-anchor"] = map[string]string{"aria-checked": "false"}
	frame.VisibleSel["#rc-imageselect"] = true
	fake.Elements["[data-sitekey]"] = []browser.Element{
		{Selector: "#captcha-widget", Attrs: map[string]string{"data-sitekey": "site-key-attr"}},
	}
	fake.OnEvaluate = func(_ string, out any) error {
		if s, ok := out.(*string); ok {
			*s = "success"
		}
		return nil
	}

	solver := &countingSolver{token: "solved-token"}
	e := newTestEngine(fake, solver)

	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, result.Solved)
	require.Equal(t, StateSolved, result.FinalState)

	// Checkbox first, then exactly one solver call with the extracted key.
	require.Equal(t, []string{"#recaptcha-anchor"}, frame.ClickLog)
	require.Equal(t, 1, solver.calls)
	require.Equal(t, "site-key-attr", solver.siteKey)
	require.Equal(t, fake.URLValue, solver.pageURL)
}

func TestSiteKeyFallsBackToFrameURL(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage(confirmButtonSel)
	frame.VisibleSel["#rc-imageselect"] = true
	fake.OnEvaluate = func(_ string, out any) error {
		if s, ok := out.(*string); ok {
			*s = "success"
		}
		return nil
	}

	solver := &countingSolver{token: "solved-token"}
	e := newTestEngine(fake, solver)

	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, result.Solved)
	require.Equal(t, "key-from-url", solver.siteKey)
}

func TestImageChallengeWithoutSolverAbandons(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage(confirmButtonSel)
	frame.VisibleSel["#rc-imageselect"] = true

	e := newTestEngine(fake, nil)
	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.False(t, result.Solved)
	require.Equal(t, StateAbandoned, result.FinalState)
}

func TestSolverFailureAbandons(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage(confirmButtonSel)
	frame.VisibleSel["#rc-imageselect"] = true

	solver := &countingSolver{solveErr: errors.New("no workers")}
	e := newTestEngine(fake, solver)

	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.False(t, result.Solved)
	require.Equal(t, StateAbandoned, result.FinalState)
	require.Equal(t, 1, solver.calls)
}

func TestTokenInjectionElementMissingAbandons(t *testing.T) {
	t.Parallel()

	fake, frame := blockedPage(confirmButtonSel)
	frame.VisibleSel["#rc-imageselect"] = true
	fake.OnEvaluate = func(_ string, out any) error {
		if s, ok := out.(*string); ok {
			*s = "element_not_found"
		}
		return nil
	}

	e := newTestEngine(fake, &countingSolver{token: "tok"})
	result, err := e.Resolve(context.Background())
	require.NoError(t, err)
	require.False(t, result.Solved)
	require.Equal(t, StateAbandoned, result.FinalState)
}
