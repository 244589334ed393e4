package page

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/result"
)

// Script is one provider automation flow bound to a Page.
type Script func(ctx context.Context, api API) result.Result[schemas.ActionReturn]

// API is everything an automation script may do with the page it runs against.
// Every method suspends until the page answered, the call timed out, ctx was
// canceled, or the session was torn down (ErrClosed).
type API interface {
	// Locator addresses the first element matching a CSS selector.
	Locator(selector string) *Locator

	// Evaluate runs fn, a JavaScript function source taking one options
	// argument, inside the page and returns its awaited result as JSON.
	Evaluate(ctx context.Context, fn string, options any) (json.RawMessage, error)
	// EvaluateInto is Evaluate followed by decoding into out.
	EvaluateInto(ctx context.Context, fn string, options any, out any) error
	// Fetch requests url from inside the page, so the session's cookies apply,
	// and hands the parsed HTML document to fn.
	Fetch(ctx context.Context, url string, opts FetchOptions, fn func(doc *goquery.Document) error) error
	// WaitForCondition polls fn until it returns a truthy value or timeout
	// elapses. On timeout the last value is returned without an error.
	WaitForCondition(ctx context.Context, fn string, options any, timeout time.Duration) (json.RawMessage, error)

	// WaitForNavigation resolves with the URL of the next document to become ready.
	WaitForNavigation(ctx context.Context, timeout time.Duration) (string, error)
	// ExpectNavigation arms a navigation waiter, runs trigger and waits.
	// Use it for clicks and submits that load a new document.
	ExpectNavigation(ctx context.Context, timeout time.Duration, trigger func(ctx context.Context) error) (string, error)
	// Navigate loads url and waits for it to become ready.
	Navigate(ctx context.Context, url string) (string, error)

	// Prompt asks the user for input. A nil value means the user canceled.
	Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error)
	Reveal(ctx context.Context) error
	Hide(ctx context.Context) error
	StatusMessage(text string)
	LoadingMessage(text string)

	URL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	Content(ctx context.Context) (string, error)
}

// Prompter surfaces a user input request. It returns nil when the user dismissed it.
type Prompter interface {
	Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error)
}

// Reporter receives best effort progress text.
type Reporter interface {
	Status(text string)
	Loading(text string)
}

// FetchOptions shapes the in-page request made by Fetch.
type FetchOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Truthy applies JavaScript truthiness to a JSON value.
func Truthy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", "0", "-0", `""`:
		return false
	}
	if raw[0] >= '0' && raw[0] <= '9' || raw[0] == '-' {
		var f float64
		if err := codec.Unmarshal(raw, &f); err == nil {
			return f != 0
		}
	}
	return true
}
