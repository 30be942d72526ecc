package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pump-control/pcc/internal/api"
	"github.com/pump-control/pcc/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command queue and the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe blocks until ctx is done or a component fails.
func runServe(ctx context.Context, opts *rootOptions) error {
	api.Version = version
	logger := opts.logger

	a, err := newApp(ctx, opts.cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		// SSE handlers only return once their clients are gone.
		a.hub.Stop()
		return a.server.Stop(context.Background())
	})
	if opts.configUsed != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.configUsed, logger, a.reload)
		})
	}
	if interval := opts.cfg.Queue.StatusPollInterval; interval > 0 {
		g.Go(func() error {
			return a.pollStatus(gctx, interval)
		})
	}

	logger.Info("pcc started",
		zap.String("version", version),
		zap.String("addr", opts.cfg.API.Addr),
		zap.String("pump", opts.cfg.Pump.ID))

	err = g.Wait()
	logger.Info("pcc stopped", zap.Error(err))
	return err
}
