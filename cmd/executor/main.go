// Flotilla is a distributed job executor for data-center fleets.
// Copyright (C) 2025 The Flotilla Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flotilla/internal/audit"
	"flotilla/internal/config"
	"flotilla/internal/coordinator"
	"flotilla/internal/executor"
	"flotilla/internal/handlers"
	"flotilla/internal/logging"
	"flotilla/internal/metrics"
	"flotilla/internal/sessions"
	"flotilla/pkg/crypto"
	"flotilla/pkg/signing"
)

var version = "dev"

func main() {
	var (
		pollInterval = flag.Duration("poll-interval", 0, "Override POLL_INTERVAL")
		concurrency  = flag.Int("concurrency", 0, "Override WORKER_CONCURRENCY")
		metricsAddr  = flag.String("metrics-addr", "", "Override METRICS_ADDR")
		logLevel     = flag.String("log-level", "", "Override LOG_LEVEL: debug|info|warn|error")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
		os.Exit(2)
	}
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)
	logger = logger.With(slog.String("component", "executor"))
	logger.Info("starting",
		slog.String("version", version),
		slog.String("worker_id", cfg.WorkerID),
		slog.String("coordinator", cfg.CoordinatorURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("executor failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("executor stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := coordinator.New(cfg.CoordinatorURL, cfg.ServiceToken, cfg.APIKey, logger)
	if err != nil {
		return fmt.Errorf("coordinator client: %w", err)
	}
	enc, err := crypto.NewEncryptor(cfg.CredentialKey)
	if err != nil {
		return fmt.Errorf("credential key: %w", err)
	}

	signer, err := resolveSigner(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	rec := audit.NewRecorder(store, logger)
	rt := &executor.Runtime{
		Store:    store,
		Sessions: sessions.NewManager(),
		Audit:    rec,
		Crypto:   enc,
		Signer:   signer,
		Logger:   logger,
		WorkerID: cfg.WorkerID,
	}

	reg := executor.NewRegistry()
	handlers.RegisterAll(reg, handlers.Deps{})

	if cfg.MetricsAddr != "" {
		startMetricsListener(ctx, cfg.MetricsAddr, logger)
	}

	disp := executor.NewDispatcher(rt, reg, executor.Options{
		PollInterval: cfg.PollInterval,
		ClaimBatch:   cfg.ClaimBatch,
		Concurrency:  cfg.Concurrency,
		StaleRunning: cfg.StaleRunning,
	})
	return disp.Start(ctx)
}

// resolveSigner prefers the local SIGNING_SECRET and falls back to the
// coordinator's settings row. No secret at all disables outbound
// signing rather than blocking startup.
func resolveSigner(ctx context.Context, cfg config.Config, store *coordinator.Client, logger *slog.Logger) (*signing.Signer, error) {
	secret := cfg.SigningSecret
	if secret == "" {
		v, err := store.GetSetting(ctx, "signing_secret")
		switch {
		case errors.Is(err, coordinator.ErrNotFound):
			logger.Warn("no signing secret configured; outbound notifications disabled")
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("fetch signing secret: %w", err)
		}
		secret = v
	}
	if secret == "" {
		return nil, nil
	}
	signer, err := signing.NewSigner(secret)
	if err != nil {
		return nil, fmt.Errorf("signing secret: %w", err)
	}
	return signer, nil
}

func startMetricsListener(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", slog.Any("err", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
