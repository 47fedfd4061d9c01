package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	offlinesync "github.com/dgduncan/go-offline-sync"
	"github.com/dgduncan/go-offline-sync/internal/logging"
	"github.com/dgduncan/go-offline-sync/internal/telemetry"
	"github.com/dgduncan/go-offline-sync/metrics"
	"github.com/dgduncan/go-offline-sync/statusapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline-first proxy",
	Long: `Run the proxy in the foreground. Point the application at the listen address
instead of the API; requests are forwarded to the upstream while online, served
from cache or queued while offline, and queued writes are replayed on reconnect.

Examples:
  # Proxy to a local API with an on-disk store
  offlinesync serve --config /etc/offlinesync/config.yaml

  # Override settings from the environment
  OFFLINESYNC_LOGGING_LEVEL=DEBUG OFFLINESYNC_STORE_TYPE=badger OFFLINESYNC_STORE_PATH=/var/lib/offlinesync offlinesync serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	primary, secondary := signals(cfg)
	engineCfg := cfg.Engine()

	engine, err := offlinesync.NewEngine(offlinesync.Components{
		Store:     store,
		Primary:   primary,
		Secondary: secondary,
		Metrics:   metrics.New(reg),
		Reporter:  offlinesync.LogReporter(logger),
	}, &engineCfg, nil, logger)
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	servers := []*http.Server{{
		Addr:    cfg.Server.Listen,
		Handler: newProxy(upstream, engine.Transport(), logger),
	}}
	if cfg.Server.StatusListen != "" {
		servers = append(servers, &http.Server{
			Addr:    cfg.Server.StatusListen,
			Handler: statusapi.NewRouter(engine, reg, nil, logger),
		})
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(srv)
	}

	logger.Info("offlinesync running",
		"upstream", cfg.Upstream,
		"store", cfg.Store.Type,
		"stages", engine.Stages())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errs:
		logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, stop := shutdownContext(cfg.Server.ShutdownTimeout)
	defer stop()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	return serveErr
}
