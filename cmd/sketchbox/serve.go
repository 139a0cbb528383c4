package main

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/server"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		port      string
		host      string
		isolation string
		poolSize  int
		noWarm    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("port") {
				cfg.Server.Port = port
			}
			if f.Changed("host") {
				cfg.Server.Host = host
			}
			if f.Changed("isolation") {
				cfg.Sandbox.Isolation = isolation
			}
			if f.Changed("pool-size") {
				cfg.Sandbox.PoolSize = poolSize
			}

			logger, err := opts.newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := server.NewServer(cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx := cmd.Context()
			if !noWarm {
				if err := srv.Warm(ctx); err != nil {
					logger.Warn("Pool warm-up incomplete", zap.Error(err))
				}
			}

			var g run.Group

			// HTTP server.
			{
				g.Add(
					func() error {
						return srv.ListenAndServe()
					},
					func(_ error) {
						timeout := time.Duration(cfg.Server.ShutdownTimeoutMS) * time.Millisecond
						shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
						defer cancel()
						if err := srv.Shutdown(shutdownCtx); err != nil {
							logger.Error("Server shutdown failed", zap.Error(err))
						}
					},
				)
			}

			// Context cancellation.
			{
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				g.Add(
					func() error {
						<-ctx.Done()
						return nil
					},
					func(_ error) {
						cancel()
					},
				)
			}

			logger.Info("SketchBox server starting",
				zap.String("addr", srv.Addr()),
				zap.String("isolation", cfg.Sandbox.Isolation),
				zap.Int("pool_size", cfg.Sandbox.PoolSize))

			if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&port, "port", "p", "8000", "listen port")
	f.StringVar(&host, "host", "0.0.0.0", "listen host")
	f.StringVar(&isolation, "isolation", sandbox.IsolationProcess, "boundary isolation (process, or worker with --pool-size 1)")
	f.IntVar(&poolSize, "pool-size", 4, "number of pooled sandboxes")
	f.BoolVar(&noWarm, "no-warm", false, "provision sandboxes lazily")
	return cmd
}
