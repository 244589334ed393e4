// Package page drives one automation script against one browser host.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/bridge"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
	"github.com/xkilldash9x/subscout/internal/metrics"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/result"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// replyGrace is added to an op's own timeout before the host stops waiting for its reply.
	replyGrace      = 2 * time.Second
	teardownTimeout = 10 * time.Second
	maxCapturedHTML = 64 << 10
)

// State is the lifecycle position of a Page.
type State int32

const (
	StateCreated State = iota
	StateAwaitingReady
	StateRunningScript
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateRunningScript:
		return "running-script"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Options configures a Page. Zero durations select defaults.
type Options struct {
	// StartURL is the first document loaded; the script starts once it is ready.
	StartURL string
	// Cookies are restored into the host before StartURL is loaded.
	Cookies []schemas.Cookie

	ElementTimeout    time.Duration
	NavigationTimeout time.Duration
	EvaluateTimeout   time.Duration

	CaptureHTMLOnError bool

	Prompter Prompter
	Reporter Reporter
	Logger   *zap.Logger

	// OnComplete is invoked once with the final result after the host was closed.
	OnComplete func(result.Result[schemas.ActionReturn])
}

func (o *Options) applyDefaults() {
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = runtime.DefaultTimeout
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.EvaluateTimeout <= 0 {
		o.EvaluateTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = observability.GetLogger()
	}
}

// Page owns one browser host for the duration of one script run.
type Page struct {
	host    browser.Host
	script  Script
	opts    Options
	logger  *zap.Logger
	builder runtime.Builder

	pending *bridge.Pending
	latch   bridge.ReadyLatch
	readyCh chan string

	state atomic.Int32

	// life is canceled at teardown. dispatchMu is held shared while a call
	// is being dispatched so teardown can wait those out.
	life       context.Context
	kill       context.CancelFunc
	dispatchMu sync.RWMutex

	navMu      sync.Mutex
	navWaiters []chan string

	dispatched   atomic.Int64
	scriptStarts atomic.Int32
	teardownOnce sync.Once
}

var _ API = (*Page)(nil)

func New(host browser.Host, script Script, opts Options) *Page {
	opts.applyDefaults()
	life, kill := context.WithCancel(context.Background())
	return &Page{
		host:    host,
		script:  script,
		opts:    opts,
		logger:  opts.Logger.Named("page").With(zap.String("host_id", host.ID())),
		pending: bridge.NewPending(),
		readyCh: make(chan string, 1),
		life:    life,
		kill:    kill,
	}
}

// State returns the current lifecycle state.
func (p *Page) State() State { return State(p.state.Load()) }

// Dispatched counts the bridge calls sent to the page.
func (p *Page) Dispatched() int64 { return p.dispatched.Load() }

// ScriptStarts counts how often the bound script was invoked. It never exceeds one.
func (p *Page) ScriptStarts() int { return int(p.scriptStarts.Load()) }

func (p *Page) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// Run installs the runtime, loads the start URL, starts the script on the
// first ready and tears the session down when the script finished, the host
// died or ctx was canceled. Run may be called once.
func (p *Page) Run(ctx context.Context) result.Result[schemas.ActionReturn] {
	if !p.transition(StateCreated, StateAwaitingReady) {
		return result.Err[schemas.ActionReturn](fmt.Errorf("page: Run called in state %s", p.State()))
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.readLoop(stop)
	}()

	res := p.run(ctx)

	close(stop)
	<-readerDone
	if p.opts.OnComplete != nil {
		p.opts.OnComplete(res)
	}
	return res
}

func (p *Page) run(ctx context.Context) result.Result[schemas.ActionReturn] {
	if p.opts.StartURL == "" {
		return p.teardown(StateFailed, schemas.NewServerError(schemas.CodeUnknownProvider, "the provider has no start page"))
	}
	if err := p.host.Install(ctx, runtime.Source()); err != nil {
		if ctx.Err() != nil {
			return p.teardown(StateCanceled, ctx.Err())
		}
		return p.teardown(StateFailed, schemas.NewInfraError(schemas.CodeBrowserLaunchFailed, "could not prepare the browser page", err))
	}
	if len(p.opts.Cookies) > 0 {
		if err := p.host.SetCookies(ctx, p.opts.Cookies); err != nil {
			p.logger.Warn("Could not restore stored cookies, continuing without them.", zap.Error(err))
		}
	}
	if err := p.host.Navigate(ctx, p.opts.StartURL); err != nil {
		if ctx.Err() != nil {
			return p.teardown(StateCanceled, ctx.Err())
		}
		return p.teardown(StateFailed, schemas.NewInfraError(schemas.CodeBrowserCrashed, "could not open the start page", err))
	}

	timer := time.NewTimer(p.opts.NavigationTimeout)
	defer timer.Stop()
	select {
	case url := <-p.readyCh:
		p.logger.Debug("First document ready, starting script.", zap.String("url", url))
	case <-p.host.Done():
		return p.teardown(StateFailed, p.hostError())
	case <-ctx.Done():
		return p.teardown(StateCanceled, ctx.Err())
	case <-timer.C:
		return p.teardown(StateFailed, &NavigationTimeoutError{Timeout: p.opts.NavigationTimeout})
	}

	if !p.transition(StateAwaitingReady, StateRunningScript) {
		return result.Err[schemas.ActionReturn](fmt.Errorf("page: unexpected state %s", p.State()))
	}
	scriptCtx, cancelScript := context.WithCancel(ctx)
	defer cancelScript()

	scriptDone := make(chan result.Result[schemas.ActionReturn], 1)
	go func() {
		p.scriptStarts.Add(1)
		scriptDone <- p.runScript(scriptCtx)
	}()

	var final result.Result[schemas.ActionReturn]
	select {
	case res := <-scriptDone:
		if res.IsErr() {
			switch {
			case ctx.Err() != nil:
				return p.teardown(StateCanceled, ctx.Err())
			case isDone(p.host.Done()):
				return p.teardown(StateFailed, p.hostError())
			}
			return p.teardown(StateFailed, res.Error())
		}
		ret := res.Value()
		if err := ret.Data.Validate(); err != nil {
			return p.teardown(StateFailed, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the script produced an invalid subscription", err))
		}
		return p.succeed(ret)
	case <-p.host.Done():
		final = p.teardown(StateFailed, p.hostError())
	case <-ctx.Done():
		final = p.teardown(StateCanceled, ctx.Err())
	}
	// The session is already closed; let the script unwind before returning.
	cancelScript()
	<-scriptDone
	return final
}

func (p *Page) runScript(ctx context.Context) (res result.Result[schemas.ActionReturn]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Automation script panicked.", zap.Any("panic_value", r), zap.Stack("stack"))
			res = result.Err[schemas.ActionReturn](fmt.Errorf("script panic: %v", r))
		}
	}()
	return p.script(ctx, p)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (p *Page) hostError() error {
	if err := p.host.Err(); err != nil && !errors.Is(err, browser.ErrHostClosed) {
		return err
	}
	return schemas.NewInfraError(schemas.CodeBrowserCrashed, "the browser session ended unexpectedly", p.host.Err())
}

// closeSession stops dispatching and fails everything still waiting. Calls
// already on their way to the host finish or are aborted before it returns.
func (p *Page) closeSession() {
	p.kill()
	// barrier: in-flight dispatches observe the canceled life and return
	p.dispatchMu.Lock()
	p.dispatchMu.Unlock()
	if n := p.pending.RejectAll(ErrClosed); n > 0 {
		p.logger.Debug("Rejected outstanding calls at teardown.", zap.Int("count", n))
	}
}

func (p *Page) succeed(ret schemas.ActionReturn) result.Result[schemas.ActionReturn] {
	var out result.Result[schemas.ActionReturn]
	p.teardownOnce.Do(func() {
		p.closeSession()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if ret.Cookies == nil {
			cookies, err := p.host.Cookies(ctx)
			if err != nil {
				p.logger.Warn("Could not collect cookies after a successful run.", zap.Error(err))
			} else {
				ret.Cookies = cookies
			}
		}
		p.closeHost(ctx)
		p.state.Store(int32(StateSucceeded))
		out = result.Ok(ret)
	})
	return out
}

func (p *Page) teardown(state State, cause error) result.Result[schemas.ActionReturn] {
	ae := ToActionError(cause, p.host.Err())
	p.teardownOnce.Do(func() {
		p.closeSession()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if ae.Kind == schemas.KindFlow {
			p.logFlowFailure(ctx, ae)
		}
		p.closeHost(ctx)
		p.state.Store(int32(state))
	})
	return result.Err[schemas.ActionReturn](ae)
}

func (p *Page) logFlowFailure(ctx context.Context, ae *schemas.ActionError) {
	fields := []zap.Field{}
	if url, err := p.host.URL(ctx); err == nil {
		fields = append(fields, zap.String("url", url))
	}
	if p.opts.CaptureHTMLOnError {
		if html, err := p.host.Content(ctx); err == nil {
			if len(html) > maxCapturedHTML {
				html = html[:maxCapturedHTML]
			}
			fields = append(fields, zap.String("html", html))
		}
	}
	observability.LogActionError(p.logger, ae, fields...)
}

func (p *Page) closeHost(ctx context.Context) {
	if err := p.host.Close(ctx); err != nil {
		p.logger.Warn("Error closing browser host.", zap.Error(err))
	}
}

// readLoop handles page messages one at a time, in arrival order.
func (p *Page) readLoop(stop <-chan struct{}) {
	msgs := p.host.Messages()
	for {
		select {
		case <-stop:
			return
		case raw := <-msgs:
			p.handle(raw)
		}
	}
}

func (p *Page) handle(raw []byte) {
	msg, err := bridge.Decode(raw)
	if err != nil {
		metrics.RecordBridgeViolation(metrics.ViolationMalformed)
		p.logger.Warn("Ignoring malformed bridge message.", zap.Error(err))
		return
	}

	switch msg.Type {
	case bridge.TypeReady:
		p.onReady(msg.Ready.URL)
	case bridge.TypeResult, bridge.TypeReject:
		if err := p.pending.Settle(msg); err != nil {
			kind := metrics.ViolationUnknown
			if errors.Is(err, bridge.ErrDuplicateReply) {
				kind = metrics.ViolationDuplicate
			}
			metrics.RecordBridgeViolation(kind)
			p.logger.Debug("Ignoring reply.", zap.String("call_id", msg.Call.ID), zap.Error(err))
		}
	case bridge.TypeLog:
		if ce := p.logger.Check(observability.PageLevel(msg.Log.Level), msg.Log.Message); ce != nil {
			ce.Write(zap.String("source", "page"), zap.Strings("args", msg.Log.Args))
		}
	case bridge.TypeError:
		p.logger.Warn("Uncaught error in page.", zap.String("message", msg.Error.Message), zap.String("stack", msg.Error.Stack))
	}
}

func (p *Page) onReady(url string) {
	p.navMu.Lock()
	waiters := p.navWaiters
	p.navWaiters = nil
	p.navMu.Unlock()
	for _, w := range waiters {
		w <- url
	}

	if p.latch.Observe() {
		p.readyCh <- url
		return
	}
	p.logger.Debug("Document ready.", zap.String("url", url))
}

// call sends one invocation and waits for its reply. wait is the op's own
// timeout; the host gives up replyGrace later.
func (p *Page) call(ctx context.Context, inv runtime.Invocation, wait time.Duration) (json.RawMessage, error) {
	p.dispatchMu.RLock()
	if p.life.Err() != nil {
		p.dispatchMu.RUnlock()
		return nil, ErrClosed
	}
	id, ch := p.pending.Register()
	inv.ID = id
	expr, err := p.builder.Build(inv)
	if err != nil {
		p.pending.Forget(id)
		p.dispatchMu.RUnlock()
		return nil, fmt.Errorf("%s: %w", inv.Op, err)
	}
	dispatchCtx, cancel := browser.CombineContext(ctx, p.life)
	p.dispatched.Add(1)
	err = p.host.Evaluate(dispatchCtx, expr, nil)
	cancel()
	p.dispatchMu.RUnlock()
	if err != nil {
		p.pending.Forget(id)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case p.life.Err() != nil:
			return nil, ErrClosed
		}
		return nil, &PageError{Op: inv.Op, Name: "DispatchError", Message: err.Error()}
	}

	if wait <= 0 {
		wait = p.opts.ElementTimeout
	}
	timer := time.NewTimer(wait + replyGrace)
	defer timer.Stop()

	select {
	case out := <-ch:
		return p.outcome(inv, wait, out)
	case <-timer.C:
		p.pending.Forget(id)
		return nil, &replyTimeoutError{op: inv.Op, wait: wait + replyGrace}
	case <-ctx.Done():
		p.pending.Forget(id)
		return nil, ctx.Err()
	case <-p.life.Done():
		return nil, ErrClosed
	}
}

func (p *Page) outcome(inv runtime.Invocation, wait time.Duration, out bridge.Outcome) (json.RawMessage, error) {
	switch {
	case out.Err != nil:
		return nil, out.Err
	case out.Reject != nil:
		if out.Reject.Name == "ElementNotFound" {
			return nil, &ElementNotFoundError{Op: inv.Op, Selector: inv.Selector, Timeout: wait}
		}
		return nil, &PageError{Op: inv.Op, Name: out.Reject.Name, Message: out.Reject.Message, Stack: out.Reject.Stack}
	}
	return out.Result, nil
}

// Locator returns a handle for selector using the page's element timeout.
func (p *Page) Locator(selector string) *Locator {
	return &Locator{p: p, selector: selector, timeout: p.opts.ElementTimeout}
}

// Prompt asks the user through the configured Prompter. A nil answer means
// the user dismissed the prompt.
func (p *Page) Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error) {
	if p.life.Err() != nil {
		return nil, ErrClosed
	}
	if p.opts.Prompter == nil {
		return nil, schemas.NewUserError(schemas.CodeOTPRequired, "This step needs your input, which is not possible here.")
	}
	promptCtx, cancel := browser.CombineContext(ctx, p.life)
	defer cancel()
	p.logger.Info("Waiting for user input.", zap.String("title", req.Title))
	answer, err := p.opts.Prompter.Prompt(promptCtx, req)
	if err != nil && p.life.Err() != nil && ctx.Err() == nil {
		return nil, ErrClosed
	}
	return answer, err
}

// Reveal shows the browser window so the user can act on the page.
func (p *Page) Reveal(ctx context.Context) error {
	if p.life.Err() != nil {
		return ErrClosed
	}
	return p.host.SetVisible(ctx, true)
}

// Hide hides the browser window again.
func (p *Page) Hide(ctx context.Context) error {
	if p.life.Err() != nil {
		return ErrClosed
	}
	return p.host.SetVisible(ctx, false)
}

// StatusMessage forwards a progress line to the reporter, if any.
func (p *Page) StatusMessage(text string) {
	p.logger.Debug("Status.", zap.String("text", text))
	if p.opts.Reporter != nil {
		p.opts.Reporter.Status(text)
	}
}

// LoadingMessage forwards a loading indicator text to the reporter, if any.
func (p *Page) LoadingMessage(text string) {
	p.logger.Debug("Loading.", zap.String("text", text))
	if p.opts.Reporter != nil {
		p.opts.Reporter.Loading(text)
	}
}

// URL returns the address of the current document.
func (p *Page) URL(ctx context.Context) (string, error) {
	if p.life.Err() != nil {
		return "", ErrClosed
	}
	return p.host.URL(ctx)
}

// Cookies returns the browser's cookie jar.
func (p *Page) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	if p.life.Err() != nil {
		return nil, ErrClosed
	}
	return p.host.Cookies(ctx)
}

// Content returns the serialized HTML of the current document.
func (p *Page) Content(ctx context.Context) (string, error) {
	if p.life.Err() != nil {
		return "", ErrClosed
	}
	return p.host.Content(ctx)
}
