// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
)

// messageBuffer bounds how many page messages may queue before new ones are dropped.
const messageBuffer = 1024

// Session is a Host backed by one Chromium tab driven over CDP.
type Session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	headless bool

	messages chan []byte
	dropped  atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	closeOnce sync.Once
	onClose   func()
}

var _ Host = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, headless bool, logger *zap.Logger, onClose func()) *Session {
	id := uuid.NewString()
	s := &Session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(zap.String("session_id", id)),
		headless: headless,
		messages: make(chan []byte, messageBuffer),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
	chromedp.ListenTarget(ctx, s.handleEvent)
	go func() {
		<-ctx.Done()
		s.markDone(ErrHostClosed)
	}()
	return s
}

func (s *Session) ID() string { return s.id }

// handleEvent runs on chromedp's event goroutine and must not block.
func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *cdpruntime.EventBindingCalled:
		if e.Name != runtime.BindingName {
			return
		}
		select {
		case s.messages <- []byte(e.Payload):
		default:
			s.dropped.Add(1)
			s.logger.Warn("Page message dropped, bridge buffer is full.", zap.Int64("dropped_total", s.dropped.Load()))
		}
	case *inspector.EventTargetCrashed:
		s.logger.Error("Browser target crashed.")
		s.markDone(schemas.NewInfraError(schemas.CodeBrowserCrashed, "browser tab crashed", nil))
	case *inspector.EventDetached:
		s.logger.Warn("Browser target detached.", zap.String("reason", string(e.Reason)))
		s.markDone(schemas.NewInfraError(schemas.CodeBrowserCrashed, "browser tab detached: "+string(e.Reason), nil))
	case *page.EventJavascriptDialogOpening:
		// An unanswered dialog freezes every evaluation in the tab.
		s.logger.Info("Dismissing JavaScript dialog.", zap.String("type", string(e.Type)), zap.String("message", e.Message))
		go func() {
			if err := chromedp.Run(s.ctx, page.HandleJavaScriptDialog(e.Type != page.DialogTypeBeforeunload)); err != nil {
				s.logger.Debug("Could not handle dialog.", zap.Error(err))
			}
		}()
	}
}

func (s *Session) markDone(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Messages() <-chan []byte { return s.messages }

// runActions executes actions bound to both the tab lifetime and the caller's ctx.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) Install(ctx context.Context, script string) error {
	err := s.runActions(ctx,
		cdpruntime.Enable(),
		page.Enable(),
		page.SetBypassCSP(true),
		cdpruntime.AddBinding(runtime.BindingName),
		chromedp.ActionFunc(func(c context.Context) error {
			id, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			if err != nil {
				return fmt.Errorf("could not inject persistent script: %w", err)
			}
			s.logger.Debug("Injected runtime for new documents.", zap.String("script_id", string(id)))
			return nil
		}),
		chromedp.Evaluate(script, nil),
	)
	if err != nil {
		return fmt.Errorf("install runtime: %w", err)
	}
	return nil
}

func (s *Session) Evaluate(ctx context.Context, expr string, out any) error {
	return s.runActions(ctx, chromedp.Evaluate(expr, out))
}

// Navigate starts loading url without waiting for the load event; readiness
// is signaled by the runtime instead.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	return s.runActions(ctx, chromedp.Evaluate("window.location.assign("+strconv.Quote(url)+")", nil))
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	err := s.runActions(ctx, chromedp.Location(&u))
	return u, err
}

func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.runActions(ctx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html))
	return html, err
}

func (s *Session) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return fromCDPCookies(cookies), nil
}

func (s *Session) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	params := toCookieParams(cookies, time.Now())
	if len(params) == 0 {
		return nil
	}
	if err := s.runActions(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (s *Session) SetVisible(ctx context.Context, visible bool) error {
	if s.headless {
		s.logger.Info("Headless browser cannot be revealed; manual steps must be answered through prompts.", zap.Bool("visible", visible))
		return nil
	}
	state := cdpbrowser.WindowStateMinimized
	if visible {
		state = cdpbrowser.WindowStateNormal
	}
	return s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		windowID, _, err := cdpbrowser.GetWindowForTarget().Do(c)
		if err != nil {
			return fmt.Errorf("get window: %w", err)
		}
		if err := cdpbrowser.SetWindowBounds(windowID, &cdpbrowser.Bounds{WindowState: state}).Do(c); err != nil {
			return fmt.Errorf("set window state %s: %w", state, err)
		}
		if visible {
			return page.BringToFront().Do(c)
		}
		return nil
	}))
}

// Close shuts the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session.")
		closed := make(chan error, 1)
		go func() { closed <- chromedp.Cancel(s.ctx) }()
		select {
		case err = <-closed:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.cancel()
		s.markDone(ErrHostClosed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
