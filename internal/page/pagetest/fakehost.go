// Package pagetest provides an in-memory browser.Host that speaks the runtime
// protocol, so pages and provider scripts can be tested without Chromium.
package pagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/bridge"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
	"github.com/xkilldash9x/subscout/internal/page"
)

// pollInterval is the fake runtime's DOM poll period.
const pollInterval = 10 * time.Millisecond

// LoadDelay is how long after an answered click AfterClick runs.
var LoadDelay = 50 * time.Millisecond

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Element is a fake DOM node.
type Element struct {
	Value   string
	Text    string
	HTML    string
	Checked bool
	// AppearAfter hides the element until the document is that old.
	AppearAfter time.Duration
	// OnClick runs before the click is answered.
	OnClick func(h *Host)
	// AfterClick runs LoadDelay after the click was answered, the way a form
	// submit loads the next page once the click event returned.
	AfterClick func(h *Host)
}

// EvalFunc answers an evaluate call. Returning a *Throw rejects with that name.
type EvalFunc func(h *Host, options json.RawMessage) (any, error)

// Throw is an exception raised inside the fake page.
type Throw struct {
	Name    string
	Message string
}

func (t *Throw) Error() string { return t.Name + ": " + t.Message }

// Document is one loaded fake page.
type Document struct {
	Elements map[string]*Element
	// Eval answers evaluate calls keyed by the exact function source.
	Eval map[string]EvalFunc
	// OnFill runs after a fill updated an element.
	OnFill func(h *Host, selector, value string)
	HTML   string

	loadedAt time.Time
}

// FetchResult is served for in-page fetches of a URL.
type FetchResult struct {
	Status int
	Body   string
}

// Site maps URLs to document builders. Each navigation builds a fresh document.
type Site map[string]func() *Document

// Host is the fake. The zero value is not usable; call New.
type Host struct {
	id   string
	site Site

	mu          sync.Mutex
	doc         *Document
	url         string
	installed   int
	cookies     []schemas.Cookie
	visible     []bool
	navigations []string
	fetches     map[string]FetchResult
	dispatched  int
	late        int
	closed      bool
	noReady     bool

	messages chan []byte
	done     chan struct{}
	doneOnce sync.Once
	err      error
	wg       sync.WaitGroup
}

var _ browser.Host = (*Host)(nil)

func New(site Site) *Host {
	return &Host{
		id:       uuid.NewString(),
		site:     site,
		fetches:  make(map[string]FetchResult),
		messages: make(chan []byte, 1024),
		done:     make(chan struct{}),
	}
}

func (h *Host) ID() string { return h.id }

// ServeFetch registers the response an in-page fetch of url receives.
func (h *Host) ServeFetch(url string, res FetchResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetches[url] = res
}

// SuppressReady makes loaded documents never signal readiness.
func (h *Host) SuppressReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noReady = true
}

func (h *Host) Install(ctx context.Context, script string) error {
	if script == "" {
		return errors.New("empty runtime")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return browser.ErrHostClosed
	}
	h.installed++
	return nil
}

// Send pushes a raw bridge message as if the page had sent it.
func (h *Host) Send(raw []byte) {
	select {
	case h.messages <- raw:
	case <-h.done:
	}
}

func (h *Host) sendReply(id string, result any) {
	h.Send(bridge.Encode(bridge.TypeResult, map[string]any{"id": id, "result": result}))
}

func (h *Host) sendReject(id, name, message string) {
	h.Send(bridge.Encode(bridge.TypeReject, map[string]any{
		"id":    id,
		"error": map[string]any{"name": name, "message": message},
	}))
}

// Goto loads url as the current document and signals ready.
func (h *Host) Goto(url string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	build, ok := h.site[url]
	doc := &Document{}
	if ok {
		doc = build()
	}
	doc.loadedAt = time.Now()
	if doc.Elements == nil {
		doc.Elements = make(map[string]*Element)
	}
	h.doc = doc
	h.url = url
	h.navigations = append(h.navigations, url)
	noReady := h.noReady
	h.mu.Unlock()

	if !noReady {
		h.Send(bridge.Encode(bridge.TypeReady, map[string]any{"url": url}))
	}
}

// Navigate loads the document asynchronously, like a real location change.
func (h *Host) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return browser.ErrHostClosed
	}
	h.goLocked(func() { h.Goto(url) })
	return nil
}

// after runs fn once d passed, unless the host closes first.
func (h *Host) after(d time.Duration, fn func(h *Host)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.goLocked(func() {
		select {
		case <-time.After(d):
			fn(h)
		case <-h.done:
		}
	})
}

// goLocked starts fn tracked by Close. h.mu must be held so Close cannot
// start waiting in between.
func (h *Host) goLocked(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Evaluate accepts runtime invocations only and answers them through Messages.
func (h *Host) Evaluate(ctx context.Context, expr string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inv, err := runtime.DecodeInvocation(expr)
	if err != nil {
		return fmt.Errorf("fake host evaluates runtime invocations only: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.late++
		return browser.ErrHostClosed
	}
	h.dispatched++
	// The invocation runs in the document that is current when it arrives.
	doc := h.doc
	h.goLocked(func() { h.handle(inv, doc) })
	return nil
}

// lookup finds selector on doc. live is false once doc is no longer the
// current document or the host closed.
func (h *Host) lookup(doc *Document, selector string) (el *Element, live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.doc != doc {
		return nil, false
	}
	if doc == nil {
		return nil, true
	}
	el, ok := doc.Elements[selector]
	if !ok || time.Since(doc.loadedAt) < el.AppearAfter {
		return nil, true
	}
	return el, true
}

// poll waits for selector on doc the way the runtime does and returns nil on
// timeout. A check dies with its document: live is false when Goto replaced
// doc or the host closed, and such a check must never be answered.
func (h *Host) poll(doc *Document, selector string, timeout time.Duration) (el *Element, live bool) {
	if timeout <= 0 {
		timeout = runtime.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		el, live := h.lookup(doc, selector)
		if el != nil || !live {
			return el, live
		}
		if !time.Now().Before(deadline) {
			return nil, true
		}
		select {
		case <-time.After(pollInterval):
		case <-h.done:
			return nil, false
		}
	}
}

func (h *Host) handle(inv runtime.Invocation, doc *Document) {
	timeout := time.Duration(inv.Timeout) * time.Millisecond
	// find polls for the invocation's element and answers ElementNotFound
	// itself. ok is false when the caller must not reply.
	find := func() (*Element, bool) {
		el, live := h.poll(doc, inv.Selector, timeout)
		if !live {
			return nil, false
		}
		if el == nil {
			h.sendReject(inv.ID, "ElementNotFound", "element not found: "+inv.Selector)
			return nil, false
		}
		return el, true
	}

	switch inv.Op {
	case runtime.OpExists:
		el, live := h.poll(doc, inv.Selector, timeout)
		if live {
			h.sendReply(inv.ID, el != nil)
		}
	case runtime.OpWaitForElement:
		if _, ok := find(); ok {
			h.sendReply(inv.ID, true)
		}
	case runtime.OpFill:
		el, ok := find()
		if !ok {
			return
		}
		h.mu.Lock()
		el.Value = inv.Value
		onFill := doc.OnFill
		h.mu.Unlock()
		if onFill != nil {
			onFill(h, inv.Selector, inv.Value)
		}
		h.sendReply(inv.ID, true)
	case runtime.OpClick:
		el, ok := find()
		if !ok {
			return
		}
		if el.OnClick != nil {
			el.OnClick(h)
		}
		h.sendReply(inv.ID, true)
		if el.AfterClick != nil {
			h.after(LoadDelay, el.AfterClick)
		}
	case runtime.OpElementProxy:
		el, ok := find()
		if !ok {
			return
		}
		h.mu.Lock()
		v := property(el, inv.Property)
		h.mu.Unlock()
		h.sendReply(inv.ID, v)
	case runtime.OpNavigate:
		h.sendReply(inv.ID, true)
		h.Goto(inv.URL)
	case runtime.OpEvaluate:
		h.evaluate(inv)
	default:
		h.sendReject(inv.ID, "UnknownOperation", "unknown operation: "+string(inv.Op))
	}
}

func property(el *Element, name string) any {
	switch name {
	case "textContent", "innerText":
		return el.Text
	case "value":
		return el.Value
	case "checked":
		return el.Checked
	case "innerHTML":
		return el.HTML
	default:
		return nil
	}
}

func (h *Host) evaluate(inv runtime.Invocation) {
	if inv.Fn == page.FetchFunction {
		h.fetch(inv)
		return
	}
	h.mu.Lock()
	var fn EvalFunc
	if h.doc != nil {
		fn = h.doc.Eval[inv.Fn]
	}
	h.mu.Unlock()
	if fn == nil {
		h.sendReject(inv.ID, "ReferenceError", "no fake for function: "+firstLine(inv.Fn))
		return
	}
	v, err := fn(h, inv.Options)
	if err != nil {
		var t *Throw
		if errors.As(err, &t) {
			h.sendReject(inv.ID, t.Name, t.Message)
			return
		}
		h.sendReject(inv.ID, "Error", err.Error())
		return
	}
	h.sendReply(inv.ID, v)
}

func (h *Host) fetch(inv runtime.Invocation) {
	var req struct {
		URL string `json:"url"`
	}
	if err := codec.Unmarshal(inv.Options, &req); err != nil {
		h.sendReject(inv.ID, "TypeError", "bad fetch options")
		return
	}
	h.mu.Lock()
	res, ok := h.fetches[req.URL]
	h.mu.Unlock()
	if !ok {
		res = FetchResult{Status: 404}
	}
	h.sendReply(inv.ID, page.FetchResponse{Status: res.Status, URL: req.URL, Body: res.Body})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (h *Host) Messages() <-chan []byte { return h.messages }

func (h *Host) URL(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", browser.ErrHostClosed
	}
	return h.url, nil
}

func (h *Host) Content(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", browser.ErrHostClosed
	}
	if h.doc == nil {
		return "", nil
	}
	return h.doc.HTML, nil
}

// SetCookie adds a cookie to the jar, e.g. from a login handler.
func (h *Host) SetCookie(c schemas.Cookie) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies = append(h.cookies, c)
}

func (h *Host) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, browser.ErrHostClosed
	}
	return append([]schemas.Cookie(nil), h.cookies...), nil
}

func (h *Host) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return browser.ErrHostClosed
	}
	h.cookies = append(h.cookies, cookies...)
	return nil
}

func (h *Host) SetVisible(ctx context.Context, visible bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return browser.ErrHostClosed
	}
	h.visible = append(h.visible, visible)
	return nil
}

// Crash ends the host the way a dying browser tab would.
func (h *Host) Crash() {
	h.finish(schemas.NewInfraError(schemas.CodeBrowserCrashed, "browser tab crashed", nil))
}

func (h *Host) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Close ends the host and waits for the fake runtime's goroutines.
func (h *Host) Close(ctx context.Context) error {
	h.finish(browser.ErrHostClosed)
	h.wg.Wait()
	return nil
}

func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Closed reports whether Close or Crash was called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Dispatched counts runtime invocations received while open.
func (h *Host) Dispatched() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatched
}

// LateDispatches counts invocations attempted after the host closed.
func (h *Host) LateDispatches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.late
}

func (h *Host) Navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navigations...)
}

func (h *Host) Visibility() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.visible...)
}

func (h *Host) Installed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed
}

// Element returns the current document's element for inspection.
func (h *Host) Element(selector string) *Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return nil
	}
	return h.doc.Elements[selector]
}

// Show adds or replaces an element on the current document.
func (h *Host) Show(selector string, el *Element) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc != nil {
		h.doc.Elements[selector] = el
	}
}
