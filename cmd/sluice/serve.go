package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/justapithecus/sluice/internal/config"
	"github.com/justapithecus/sluice/internal/httpapi"
	"github.com/justapithecus/sluice/internal/schedule"
)

// shutdownTimeout bounds in-flight exports on shutdown.
const shutdownTimeout = 30 * time.Second

var serveFlags struct {
	listenAddress string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the download API",
	Long: `Serve POST /download, GET /healthz and the Prometheus metrics endpoint.

When history is configured, GET /downloads and GET /downloads/{name} list
past exports. Configured schedules run in the background, and with
server.watch_config set, export settings follow edits to the config file.

Examples:
  sluice serve --config sluice.yaml
  sluice serve --listen :9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if serveFlags.listenAddress != "" {
		a.cfg.Server.ListenAddress = serveFlags.listenAddress
	}

	opts := httpapi.Options{
		Logger:       a.logger,
		MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
		Metrics:      a.metrics.Handler(),
		MetricsPath:  a.cfg.Server.MetricsPath,
	}
	if a.history != nil {
		opts.History = a.history
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddress,
		Handler:           httpapi.NewHandler(a.runner, opts),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	sched := schedule.NewScheduler(a.runner, a.logger)
	for _, job := range a.cfg.Schedules {
		if err := sched.Add(ctx, job); err != nil {
			return err
		}
	}
	if sched.Len() > 0 {
		sched.Start()
		defer sched.Stop()
	}

	if a.cfg.Server.WatchConfig && cfgFile != "" {
		w := config.NewWatcher(cfgFile, a.logger)
		go func() {
			err := w.Watch(ctx, func(c *config.Config) { a.reload(ctx, c) })
			if err != nil {
				a.logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "address", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
