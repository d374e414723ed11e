package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/localrivet/livegate/auth"
	"github.com/localrivet/livegate/config"
	"github.com/localrivet/livegate/logx"
	"github.com/localrivet/livegate/provider"
	"github.com/localrivet/livegate/server"
	"github.com/localrivet/livegate/tracing"
	"github.com/localrivet/livegate/transcript"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return fmt.Errorf("reading config: %w", configErr)
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logx.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: tracing.DefaultServiceName,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	registry := newRegistry(cfg.Providers, logger, tp.Tracer())
	specs, err := loadSpecs(cfg.Providers)
	if err != nil {
		return err
	}
	registry.Initialize(ctx, specs)
	logger.Info("capability providers ready", "providers", registry.Providers(), "tools", len(registry.DescribeAll()))

	var watcher *config.Watcher
	if cfg.Providers.Watch && cfg.Providers.File != "" {
		watcher, err = watchProviders(ctx, cfg.Providers, registry, logger)
		if err != nil {
			logger.Warn("providers file will not be watched", "error", err)
		}
	}

	var recorder *transcript.Recorder
	if cfg.Transcript.Path != "" {
		recorder, err = transcript.Open(cfg.Transcript.Path, logger)
		if err != nil {
			return err
		}
	}

	validator, err := buildValidator(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	authn := &auth.Authenticator{Validator: validator, Header: cfg.CredentialHeader}

	factory := sessionFactory(cfg, newDialer(cfg.Upstream, logger), registry, recorder, logger, tp.Tracer())
	srv := server.New(authn, factory,
		server.WithLogger(logger),
		server.WithPath(cfg.WSPath),
		server.WithRateLimit(cfg.Inbound.Rate, cfg.Inbound.Burst),
	)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "path", cfg.WSPath)
		serveErr <- httpSrv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdown(logger, srv, httpSrv, watcher, registry, tp, recorder)
	return runErr
}

// shutdown runs every step even when an earlier one fails.
func shutdown(
	logger *slog.Logger,
	srv *server.Server,
	httpSrv *http.Server,
	watcher *config.Watcher,
	registry *provider.Registry,
	tp *tracing.Provider,
	recorder *transcript.Recorder,
) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("client connections did not close in time", "error", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("providers watcher stop failed", "error", err)
		}
	}
	if err := registry.Shutdown(); err != nil {
		logger.Warn("capability provider shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Warn("transcript close failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

// watchProviders re-initializes the registry whenever the providers file
// settles after a change. A file that fails to parse leaves the current
// providers running.
func watchProviders(ctx context.Context, cfg config.ProvidersConfig, registry *provider.Registry, logger *slog.Logger) (*config.Watcher, error) {
	w, err := config.NewWatcher(cfg.File, cfg.WatchDebounce, logger)
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				specs, err := config.LoadProviders(cfg.File)
				if err != nil {
					logger.Warn("ignoring providers file change", "error", err)
					continue
				}
				logger.Info("providers file changed, restarting providers", "count", len(specs))
				registry.Initialize(ctx, specs)
			}
		}
	}()
	return w, nil
}
