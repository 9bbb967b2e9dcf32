package browser

import (
	"context"
	"fmt"
	"time"
)

// Fake is a scripted in-memory Driver used by tests. Every operation can be
// overridden with a hook; unhooked operations fall back to the struct's
// static fields.
type Fake struct {
	URLValue  string
	HTMLValue string
	Elements  map[string][]Element
	Values    map[string]string
	FrameList []Frame

	OnNavigate  func(url string) error
	OnBack      func() error
	OnQueryAll  func(sel string) ([]Element, error)
	OnClick     func(sel string, strategy ClickStrategy) error
	OnSetValue  func(sel, value string) error
	OnSelect    func(sel, value string) error
	OnEvaluate  func(expr string, out any) error
	OnWait      func(sel string) error
	OnLocation  func() (string, error)
	OnContent   func() (string, error)

	NavigateLog []string
	ClickLog    []string
	EvalLog     []string
	BackCount   int
}

var _ Driver = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Elements: make(map[string][]Element),
		Values:   make(map[string]string),
	}
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.NavigateLog = append(f.NavigateLog, url)
	if f.OnNavigate != nil {
		return f.OnNavigate(url)
	}
	f.URLValue = url
	return nil
}

func (f *Fake) Back(_ context.Context) error {
	f.BackCount++
	if f.OnBack != nil {
		return f.OnBack()
	}
	return nil
}

func (f *Fake) Location(_ context.Context) (string, error) {
	if f.OnLocation != nil {
		return f.OnLocation()
	}
	return f.URLValue, nil
}

func (f *Fake) Content(_ context.Context) (string, error) {
	if f.OnContent != nil {
		return f.OnContent()
	}
	return f.HTMLValue, nil
}

func (f *Fake) WaitVisible(_ context.Context, sel string, _ time.Duration) error {
	if f.OnWait != nil {
		return f.OnWait(sel)
	}
	return nil
}

func (f *Fake) QueryAll(_ context.Context, sel string) ([]Element, error) {
	if f.OnQueryAll != nil {
		return f.OnQueryAll(sel)
	}
	return f.Elements[sel], nil
}

func (f *Fake) SetValue(_ context.Context, sel, value string) error {
	if f.OnSetValue != nil {
		return f.OnSetValue(sel, value)
	}
	f.Values[sel] = value
	return nil
}

func (f *Fake) SelectOption(_ context.Context, sel, value string) error {
	if f.OnSelect != nil {
		return f.OnSelect(sel, value)
	}
	f.Values[sel] = value
	return nil
}

func (f *Fake) Value(_ context.Context, sel string) (string, error) {
	return f.Values[sel], nil
}

func (f *Fake) Click(_ context.Context, sel string, strategy ClickStrategy) error {
	f.ClickLog = append(f.ClickLog, fmt.Sprintf("%s:%d", sel, strategy))
	if f.OnClick != nil {
		return f.OnClick(sel, strategy)
	}
	return nil
}

func (f *Fake) Evaluate(_ context.Context, expr string, out any) error {
	f.EvalLog = append(f.EvalLog, expr)
	if f.OnEvaluate != nil {
		return f.OnEvaluate(expr, out)
	}
	return nil
}

func (f *Fake) Frames(_ context.Context) ([]Frame, error) {
	return f.FrameList, nil
}

// FakeFrame is a scripted Frame.
type FakeFrame struct {
	URLValue   string
	HTMLValue  string
	VisibleSel map[string]bool
	Attrs      map[string]map[string]string

	OnClick func(sel string) error

	ClickLog []string
}

var _ Frame = (*FakeFrame)(nil)

// NewFakeFrame returns a frame reporting url.
func NewFakeFrame(url string) *FakeFrame {
	return &FakeFrame{
		URLValue:   url,
		VisibleSel: make(map[string]bool),
		Attrs:      make(map[string]map[string]string),
	}
}

func (f *FakeFrame) URL() string { return f.URLValue }

func (f *FakeFrame) Content(_ context.Context) (string, error) {
	return f.HTMLValue, nil
}

func (f *FakeFrame) Visible(_ context.Context, sel string) (bool, error) {
	return f.VisibleSel[sel], nil
}

func (f *FakeFrame) Attribute(_ context.Context, sel, name string) (string, bool, error) {
	attrs, ok := f.Attrs[sel]
	if !ok {
		return "", false, nil
	}
	v, ok := attrs[name]
	return v, ok, nil
}

func (f *FakeFrame) Click(_ context.Context, sel string) error {
	f.ClickLog = append(f.ClickLog, sel)
	if f.OnClick != nil {
		return f.OnClick(sel)
	}
	return nil
}
