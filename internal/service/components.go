// File: internal/service/components.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/providers"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/storage"
)

// BrowserPool launches hosts and owns the browser process behind them.
type BrowserPool interface {
	browser.Launcher
	Shutdown(ctx context.Context) error
}

// Components holds everything a command needs to run actions, so their
// lifecycle is managed in one place.
type Components struct {
	Store   storage.Storage
	Browser BrowserPool
	Service *Service
	Runners *runner.Manager

	closeStore func()
}

// NewComponents opens storage, prepares the browser pool and wires the action
// service and runner manager on top. publisher receives runner events; nil
// discards them.
func NewComponents(ctx context.Context, cfg *config.Config, publisher runner.Publisher, logger *zap.Logger) (*Components, error) {
	store, closeStore, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q storage: %w", cfg.Storage.Backend, err)
	}
	return assemble(cfg, store, closeStore, browser.NewManager(cfg.Browser, logger), publisher, logger), nil
}

func assemble(cfg *config.Config, store storage.Storage, closeStore func(), pool BrowserPool, publisher runner.Publisher, logger *zap.Logger) *Components {
	if publisher == nil {
		publisher = runner.PublisherFunc(func(context.Context, schemas.QueueEvent) error { return nil })
	}
	return &Components{
		Store:      store,
		Browser:    pool,
		Service:    New(pool, providers.Default(), store, cfg, logger),
		Runners:    runner.NewManager(cfg.Runner, publisher, logger),
		closeStore: closeStore,
	}
}

// Shutdown stops the producers of browser work first, then the browser, then
// storage.
func (c *Components) Shutdown(ctx context.Context) {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	ctx, cancel := context.WithTimeout(browser.Detach(ctx), 30*time.Second)
	defer cancel()

	if c.Runners != nil {
		if err := c.Runners.Shutdown(ctx); err != nil {
			logger.Warn("Runners did not stop in time.", zap.Error(err))
		} else {
			logger.Debug("Runner manager stopped.")
		}
	}

	if c.Browser != nil {
		if err := c.Browser.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.closeStore != nil {
		c.closeStore()
		logger.Debug("Storage closed.")
	}

	logger.Info("All components shut down.")
}
