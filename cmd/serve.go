// File: cmd/serve.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/subscout/internal/api"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/queue"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		withAPI bool
		withQ   bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API and consumes queue items until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.API.Listen = listen
			}
			if cmd.Flags().Changed("api") {
				cfg.API.Enabled = withAPI
			}
			if cmd.Flags().Changed("queue") {
				cfg.Queue.Enabled = withQ
			}
			if !cfg.API.Enabled && !cfg.Queue.Enabled {
				return errors.New("nothing to serve: both the api and the queue are disabled")
			}
			logger := observability.GetLogger()

			// The bus comes first so the runner manager can publish events on it.
			var (
				bus       *queue.NATSBus
				publisher runner.Publisher
			)
			if cfg.Queue.Enabled {
				bus, err = queue.Connect(cfg.Queue, logger)
				if err != nil {
					return err
				}
				defer func() {
					if err := bus.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
						logger.Warn("Failed to close the queue connection.", zap.Error(err))
					}
				}()
				publisher = queue.NewPublisher(bus, cfg.Queue.EventsSubject)
			}

			components, err := service.NewComponents(ctx, cfg, publisher, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			// Runs before the bus closes, so the final runner events still go out.
			defer components.Shutdown(ctx)

			g, gctx := errgroup.WithContext(ctx)
			if cfg.API.Enabled {
				server := api.NewServer(cfg.API, components.Service, components.Runners, logger)
				g.Go(func() error { return server.Run(gctx) })
			}
			if bus != nil {
				consumer := queue.NewConsumer(bus, components.Runners, components.Service, cfg.Queue, logger)
				g.Go(func() error { return consumer.Run(gctx) })
			}

			logger.Info("Subscout serving.",
				zap.Bool("api", cfg.API.Enabled),
				zap.String("listen", cfg.API.Listen),
				zap.Bool("queue", cfg.Queue.Enabled),
				zap.Strings("providers", components.Service.Registry().IDs()),
			)
			return g.Wait()
		},
	}

	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "API listen address (overrides api.listen)")
	serveCmd.Flags().BoolVar(&withAPI, "api", true, "serve the HTTP API (overrides api.enabled)")
	serveCmd.Flags().BoolVar(&withQ, "queue", false, "consume queue items from NATS (overrides queue.enabled)")
	return serveCmd
}
