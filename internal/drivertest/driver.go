// Package drivertest provides a scripted in-memory Driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Call records one driver invocation.
type Call struct {
	Method   string
	Selector string
	Value    string
	X, Y     float64
	Duration time.Duration
}

// Element describes a fake DOM element addressable by one or more
// selectors.
type Element struct {
	Box  schemas.Rect
	Text string
}

// FakeDriver implements schemas.Driver against a scripted page model. It
// records every call and never talks to a real browser. Waits return
// immediately but are recorded with their requested duration.
type FakeDriver struct {
	mu sync.Mutex

	// Elements maps selector -> matched elements.
	Elements map[string][]Element
	// Screenshots are returned in order; the last one repeats.
	Screenshots [][]byte
	// URL is returned by CurrentURL and updated by Navigate.
	URL string
	// Text is returned by PageText.
	Text string
	// Fail maps "Method" or "Method:selector" to a forced error.
	Fail map[string]error

	calls  []Call
	shotIx int
	closed bool
}

// New returns an empty FakeDriver ready for scripting.
func New() *FakeDriver {
	return &FakeDriver{
		Elements: make(map[string][]Element),
		Fail:     make(map[string]error),
	}
}

// Calls returns a copy of the recorded call log.
func (d *FakeDriver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsTo returns the recorded calls for one method.
func (d *FakeDriver) CallsTo(method string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (d *FakeDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *FakeDriver) record(c Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	if err, ok := d.Fail[c.Method+":"+c.Selector]; ok {
		return err
	}
	if err, ok := d.Fail[c.Method]; ok {
		return err
	}
	return nil
}

func (d *FakeDriver) Navigate(ctx context.Context, url string) error {
	if err := d.record(Call{Method: "Navigate", Value: url}); err != nil {
		return err
	}
	d.mu.Lock()
	d.URL = url
	d.mu.Unlock()
	return nil
}

func (d *FakeDriver) Click(ctx context.Context, selector string) error {
	if err := d.record(Call{Method: "Click", Selector: selector}); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Elements[selector]) == 0 {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func (d *FakeDriver) ClickAt(ctx context.Context, x, y float64) error {
	return d.record(Call{Method: "ClickAt", X: x, Y: y})
}

func (d *FakeDriver) MoveMouse(ctx context.Context, x, y float64) error {
	return d.record(Call{Method: "MoveMouse", X: x, Y: y})
}

func (d *FakeDriver) Type(ctx context.Context, selector, text string) error {
	if err := d.record(Call{Method: "Type", Selector: selector, Value: text}); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Elements[selector]) == 0 {
		return fmt.Errorf("no element matches %q", selector)
	}
	return nil
}

func (d *FakeDriver) Scroll(ctx context.Context, direction string, amount float64) error {
	return d.record(Call{Method: "Scroll", Value: direction, Y: amount})
}

func (d *FakeDriver) Wait(ctx context.Context, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.record(Call{Method: "Wait", Duration: dur})
}

func (d *FakeDriver) Press(ctx context.Context, key string) error {
	return d.record(Call{Method: "Press", Value: key})
}

func (d *FakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.record(Call{Method: "Screenshot"}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Screenshots) == 0 {
		return nil, fmt.Errorf("no screenshots scripted")
	}
	shot := d.Screenshots[d.shotIx]
	if d.shotIx < len(d.Screenshots)-1 {
		d.shotIx++
	}
	return shot, nil
}

func (d *FakeDriver) Query(ctx context.Context, selector string) (int, error) {
	if err := d.record(Call{Method: "Query", Selector: selector}); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Elements[selector]), nil
}

func (d *FakeDriver) BoundingBox(ctx context.Context, selector string) (*schemas.Rect, error) {
	if err := d.record(Call{Method: "BoundingBox", Selector: selector}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	els := d.Elements[selector]
	if len(els) == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	box := els[0].Box
	return &box, nil
}

func (d *FakeDriver) PageText(ctx context.Context) (string, error) {
	if err := d.record(Call{Method: "PageText"}); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Text, nil
}

func (d *FakeDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.record(Call{Method: "CurrentURL"}); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.URL, nil
}

func (d *FakeDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.record(Call{Method: "Close"})
}

var _ schemas.Driver = (*FakeDriver)(nil)
