// Package service runs provider actions end to end: it loads what was stored
// for the provider, drives a fresh browser host through the provider script
// and persists the outcome.
package service

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/metrics"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/providers"
	"github.com/xkilldash9x/subscout/internal/result"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/storage"
)

// Service is safe for concurrent use. Each RunAction owns its own host.
type Service struct {
	launcher browser.Launcher
	registry *providers.Registry
	store    storage.Storage
	browser  config.BrowserConfig
	retries  int
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func New(launcher browser.Launcher, registry *providers.Registry, store storage.Storage, cfg *config.Config, logger *zap.Logger) *Service {
	every := cfg.Service.RetryEvery
	if every <= 0 {
		every = 5 * time.Second
	}
	burst := cfg.Service.RetryBurst
	if burst <= 0 {
		burst = 1
	}
	retries := cfg.Service.InfraRetries
	if retries < 0 {
		retries = 0
	}
	return &Service{
		launcher: launcher,
		registry: registry,
		store:    store,
		browser:  cfg.Browser,
		retries:  retries,
		limiter:  rate.NewLimiter(rate.Every(every), burst),
		logger:   logger.Named("service"),
	}
}

// Registry exposes the providers the service can run.
func (s *Service) Registry() *providers.Registry { return s.registry }

type runOptions struct {
	prompter page.Prompter
	reporter page.Reporter
	logger   *zap.Logger
}

// Option customizes a single RunAction call.
type Option func(*runOptions)

// WithPrompter routes in-script prompts (OTP codes and the like) to p.
func WithPrompter(p page.Prompter) Option {
	return func(o *runOptions) { o.prompter = p }
}

// WithReporter receives status and loading text shown by the script.
func WithReporter(r page.Reporter) Option {
	return func(o *runOptions) { o.reporter = r }
}

// WithLogger adds fields to every line the action logs, e.g. a queue id.
func WithLogger(l *zap.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// RunAction runs action of provider. When creds is nil or empty the stored
// login is used. Infra failures relaunch the browser up to the configured
// number of retries; user and flow failures are returned as they are.
func (s *Service) RunAction(ctx context.Context, provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...Option) result.Result[schemas.ActionReturn] {
	o := runOptions{logger: s.logger}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("provider", provider), zap.String("action", string(action)))

	start := time.Now()
	res := s.runAction(ctx, provider, action, creds, o, logger)

	outcome := metrics.OutcomeOK
	if res.IsErr() {
		ae, ok := schemas.AsActionError(res.Error())
		if !ok {
			ae = schemas.NewInfraError(schemas.CodeScriptFailed, "the action failed unexpectedly", res.Error())
			res = result.Err[schemas.ActionReturn](ae)
		}
		outcome = string(ae.Kind)
		// The page already logged flow failures together with the page URL.
		if ae.Kind != schemas.KindFlow {
			observability.LogActionError(logger, ae, zap.Duration("elapsed", time.Since(start)))
		}
	} else {
		logger.Info("Action finished.",
			zap.Int("subscriptions", len(res.Value().Data)),
			zap.Duration("elapsed", time.Since(start)))
	}
	metrics.RecordAction(provider, string(action), outcome, time.Since(start))
	return res
}

// Job binds an action for a runner, which becomes the action's prompter.
func (s *Service) Job(provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...Option) runner.Job {
	return func(ctx context.Context, prompter page.Prompter) result.Result[schemas.ActionReturn] {
		return s.RunAction(ctx, provider, action, creds, append(opts, WithPrompter(prompter))...)
	}
}

func (s *Service) runAction(ctx context.Context, provider string, action schemas.ActionName, given *schemas.Credentials, o runOptions, logger *zap.Logger) result.Result[schemas.ActionReturn] {
	script, err := s.registry.Action(provider, action)
	if err != nil {
		return result.Err[schemas.ActionReturn](err)
	}
	startURL, err := s.registry.StartURL(provider)
	if err != nil {
		return result.Err[schemas.ActionReturn](err)
	}

	creds, err := s.credentials(ctx, provider, given)
	if err != nil {
		return result.Err[schemas.ActionReturn](err)
	}
	var cookies []schemas.Cookie
	if _, err := storage.GetInto(ctx, s.store, storage.Key(provider, storage.KindCookies), &cookies); err != nil {
		return result.Err[schemas.ActionReturn](storageError("could not load stored cookies", err))
	}

	if s.browser.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.browser.ActionTimeout)
		defer cancel()
	}

	bound := func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return script(ctx, api, creds)
	}

	var res result.Result[schemas.ActionReturn]
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
			metrics.RecordRelaunch(provider)
			logger.Warn("Relaunching browser after infrastructure failure.",
				zap.Int("attempt", attempt+1), zap.Error(res.Error()))
		}
		res = s.attempt(ctx, startURL, cookies, bound, o, logger)
		if res.IsOk() {
			break
		}
		ae, ok := schemas.AsActionError(res.Error())
		if !ok || !ae.Retryable() || ctx.Err() != nil {
			break
		}
	}
	if res.IsErr() {
		return res
	}

	if err := s.persist(ctx, provider, given, res.Value()); err != nil {
		return result.Err[schemas.ActionReturn](err)
	}
	return res
}

func (s *Service) attempt(ctx context.Context, startURL string, cookies []schemas.Cookie, script page.Script, o runOptions, logger *zap.Logger) result.Result[schemas.ActionReturn] {
	host, err := s.launcher.NewHost(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return result.Err[schemas.ActionReturn](page.ToActionError(ctx.Err(), nil))
		}
		return result.Err[schemas.ActionReturn](schemas.NewInfraError(schemas.CodeBrowserLaunchFailed, "could not start the browser", err))
	}
	p := page.New(host, script, page.Options{
		StartURL:           startURL,
		Cookies:            cookies,
		ElementTimeout:     s.browser.ElementTimeout,
		NavigationTimeout:  s.browser.NavigationTimeout,
		CaptureHTMLOnError: s.browser.CaptureHTMLOnError,
		Prompter:           o.prompter,
		Reporter:           o.reporter,
		Logger:             logger,
	})
	return p.Run(ctx)
}

func (s *Service) credentials(ctx context.Context, provider string, given *schemas.Credentials) (schemas.Credentials, error) {
	if given != nil && !given.Empty() {
		return *given, nil
	}
	var stored schemas.Credentials
	if _, err := storage.GetInto(ctx, s.store, storage.Key(provider, storage.KindLogin), &stored); err != nil {
		return schemas.Credentials{}, storageError("could not load stored login", err)
	}
	return stored, nil
}

// persist stores what a successful action produced. Explicitly given
// credentials are remembered only once they were proven to work.
func (s *Service) persist(ctx context.Context, provider string, given *schemas.Credentials, ret schemas.ActionReturn) error {
	// The action itself may have used up ctx's deadline; storage gets its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	cookies := ret.Cookies
	if cookies == nil {
		cookies = []schemas.Cookie{}
	}
	if err := s.store.Set(ctx, storage.Key(provider, storage.KindCookies), cookies); err != nil {
		return storageError("could not store cookies", err)
	}
	if token := bytes.TrimSpace(ret.Token); len(token) > 0 && !bytes.Equal(token, []byte("null")) {
		if err := s.store.Set(ctx, storage.Key(provider, storage.KindAPI), ret.Token); err != nil {
			return storageError("could not store the api token", err)
		}
	}
	data := ret.Data
	if data == nil {
		data = schemas.Subscriptions{}
	}
	if err := s.store.Set(ctx, storage.Key(provider, storage.KindData), data); err != nil {
		return storageError("could not store subscriptions", err)
	}
	if given != nil && !given.Empty() {
		if err := s.store.Set(ctx, storage.Key(provider, storage.KindLogin), *given); err != nil {
			return storageError("could not store the login", err)
		}
	}
	return nil
}

func storageError(msg string, err error) *schemas.ActionError {
	return schemas.NewInfraError(schemas.CodeStorageFailed, msg, err)
}
