package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/internal/browser/runtime"
)

// FetchFunction is the in-page function Fetch evaluates.
const FetchFunction = `async (o) => {
  const init = { method: o.method || 'GET', headers: o.headers || {}, credentials: 'include' };
  if (o.body) { init.body = o.body; }
  const r = await fetch(o.url, init);
  return { status: r.status, url: r.url, body: await r.text() };
}`

// FetchResponse is what FetchFunction resolves with.
type FetchResponse struct {
	Status int    `json:"status"`
	URL    string `json:"url"`
	Body   string `json:"body"`
}

type fetchRequest struct {
	URL string `json:"url"`
	FetchOptions
}

func (p *Page) evaluate(ctx context.Context, fn string, options any, wait time.Duration) (json.RawMessage, error) {
	inv := runtime.Invocation{Op: runtime.OpEvaluate, Fn: fn}
	if options != nil {
		raw, err := codec.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("evaluate: encode options: %w", err)
		}
		inv.Options = raw
	}
	return p.call(ctx, inv, wait)
}

func (p *Page) Evaluate(ctx context.Context, fn string, options any) (json.RawMessage, error) {
	return p.evaluate(ctx, fn, options, p.opts.EvaluateTimeout)
}

func (p *Page) EvaluateInto(ctx context.Context, fn string, options any, out any) error {
	raw, err := p.Evaluate(ctx, fn, options)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("evaluate: decode result: %w", err)
	}
	return nil
}

func (p *Page) Fetch(ctx context.Context, url string, opts FetchOptions, fn func(doc *goquery.Document) error) error {
	var resp FetchResponse
	if err := p.EvaluateInto(ctx, FetchFunction, fetchRequest{URL: url, FetchOptions: opts}, &resp); err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		return &PageError{Op: runtime.OpEvaluate, Name: "FetchError", Message: fmt.Sprintf("fetch %s: status %d", url, resp.Status)}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("fetch %s: parse document: %w", url, err)
	}
	return fn(doc)
}

// WaitForCondition treats a throwing or unanswered poll as falsy; the page
// may be between documents.
func (p *Page) WaitForCondition(ctx context.Context, fn string, options any, timeout time.Duration) (json.RawMessage, error) {
	last := json.RawMessage("null")
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(runtime.PollInterval)
	defer ticker.Stop()

	for {
		wait := time.Until(deadline)
		if wait < runtime.PollInterval {
			wait = runtime.PollInterval
		}
		if wait > p.opts.EvaluateTimeout {
			wait = p.opts.EvaluateTimeout
		}
		v, err := p.evaluate(ctx, fn, options, wait)
		switch {
		case err == nil:
			last = v
			if Truthy(v) {
				return v, nil
			}
		case errors.Is(err, ErrClosed):
			return last, err
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			p.logger.Debug("Condition poll failed, retrying.", zap.Error(err))
		}

		if !time.Now().Before(deadline) {
			return last, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return last, ctx.Err()
		case <-p.life.Done():
			return last, ErrClosed
		}
	}
}
