package page

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xkilldash9x/subscout/internal/browser/runtime"
)

// Locator is a lazily resolved element handle. Nothing is sent to the page
// until one of its methods is called, and every call looks the selector up again.
type Locator struct {
	p        *Page
	selector string
	timeout  time.Duration
}

// WithTimeout returns a copy of l that waits up to d for the element.
func (l *Locator) WithTimeout(d time.Duration) *Locator {
	c := *l
	c.timeout = d
	return &c
}

// Selector returns the CSS selector l resolves.
func (l *Locator) Selector() string { return l.selector }

func (l *Locator) do(ctx context.Context, op runtime.Op, inv runtime.Invocation) (json.RawMessage, error) {
	inv.Op = op
	inv.Selector = l.selector
	inv.Timeout = runtime.Millis(l.timeout)
	return l.p.call(ctx, inv, l.timeout)
}

// Fill sets the element's value the way typing would, so framework managed
// inputs see the change.
func (l *Locator) Fill(ctx context.Context, value string) error {
	_, err := l.do(ctx, runtime.OpFill, runtime.Invocation{Value: value})
	return err
}

// Click waits for the element and clicks it.
func (l *Locator) Click(ctx context.Context) error {
	_, err := l.do(ctx, runtime.OpClick, runtime.Invocation{})
	return err
}

// WaitForElement fails with an ElementNotFoundError unless the element
// appears within the timeout.
func (l *Locator) WaitForElement(ctx context.Context) error {
	_, err := l.do(ctx, runtime.OpWaitForElement, runtime.Invocation{})
	return err
}

// Exists reports whether the element shows up within the timeout. Absence is
// a valid answer and not an error.
func (l *Locator) Exists(ctx context.Context) (bool, error) {
	raw, err := l.do(ctx, runtime.OpExists, runtime.Invocation{})
	if err != nil {
		return false, err
	}
	var found bool
	if err := codec.Unmarshal(raw, &found); err != nil {
		return false, fmt.Errorf("exists %q: %w", l.selector, err)
	}
	return found, nil
}

// Property reads an arbitrary DOM property of the element.
func (l *Locator) Property(ctx context.Context, name string) (json.RawMessage, error) {
	return l.do(ctx, runtime.OpElementProxy, runtime.Invocation{Property: name})
}

func (l *Locator) stringProperty(ctx context.Context, name string) (string, error) {
	raw, err := l.Property(ctx, name)
	if err != nil {
		return "", err
	}
	var s *string
	if err := codec.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s of %q: %w", name, l.selector, err)
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// TextContent returns the element's textContent.
func (l *Locator) TextContent(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "textContent")
}

// Value returns the current value of an input.
func (l *Locator) Value(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "value")
}

// InnerHTML returns the element's inner markup.
func (l *Locator) InnerHTML(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "innerHTML")
}

// Checked reports whether a checkbox or radio is checked.
func (l *Locator) Checked(ctx context.Context) (bool, error) {
	raw, err := l.Property(ctx, "checked")
	if err != nil {
		return false, err
	}
	return Truthy(raw), nil
}
