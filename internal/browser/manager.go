// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/config"
)

// Manager owns the Chromium process and hands out one isolated tab per action.
// The browser is launched lazily on the first NewHost.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	sessions      map[string]*Session

	wg sync.WaitGroup
}

var _ Launcher = (*Manager)(nil)

func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
}

// allocatorFlags collects the command line switches derived from cfg.
func allocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		"headless":           cfg.Headless,
		"disable-extensions": true,
		"disable-gpu":        cfg.Headless,
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	if goruntime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}
	// Explicit args win over everything above.
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

// AllocatorOptions assembles the Chromium flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// runWithTimeout runs actions on a chromedp context whose lifetime must not be
// tied to the timeout: the first Run on a context creates its browser or tab,
// and canceling that Run's context would destroy it.
func runWithTimeout(ctx context.Context, target context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(target, actions...) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) ensureBrowser(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCtx != nil && m.browserCtx.Err() == nil {
		return m.browserCtx, nil
	}
	if m.allocCancel != nil {
		m.logger.Warn("Browser process is gone, relaunching.")
		m.allocCancel()
	}

	m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Warnf),
	)
	if err := runWithTimeout(ctx, browserCtx, m.cfg.LaunchTimeout); err != nil {
		browserCancel()
		allocCancel()
		return nil, schemas.NewInfraError(schemas.CodeBrowserLaunchFailed, "could not launch the browser", err)
	}
	m.allocCtx, m.allocCancel = allocCtx, allocCancel
	m.browserCtx, m.browserCancel = browserCtx, browserCancel
	m.logger.Info("Browser launched and responsive.")
	return browserCtx, nil
}

// NewHost opens a fresh tab in its own browser context so sessions never share cookies.
func (m *Manager) NewHost(ctx context.Context) (Host, error) {
	browserCtx, err := m.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	if err := runWithTimeout(ctx, tabCtx, m.cfg.LaunchTimeout); err != nil {
		tabCancel()
		return nil, schemas.NewInfraError(schemas.CodeBrowserLaunchFailed, "could not open a browser tab", err)
	}

	m.wg.Add(1)
	var s *Session
	s = newSession(tabCtx, tabCancel, m.cfg.Headless, m.logger, func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	})
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Debug("New browser session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// Active is the number of open tabs.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every open tab, waits up to the configured grace period,
// then terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated.", zap.Int("open_sessions", len(open)))
	grace := m.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(Detach(ctx), grace)
	defer cancel()
	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(closeCtx); err != nil {
				m.logger.Warn("Error closing session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-closeCtx.Done():
		m.logger.Warn("Shutdown grace period exceeded, forcing browser termination.")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCancel != nil {
		m.browserCancel()
		m.allocCancel()
		<-m.allocCtx.Done()
		m.browserCtx = nil
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
