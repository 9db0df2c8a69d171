package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/feenlabs/feen/internal/circuitbreaker"
	"github.com/feenlabs/feen/internal/config"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/guard"
	"github.com/feenlabs/feen/internal/policy"
	"github.com/feenlabs/feen/internal/proxy"
	"github.com/feenlabs/feen/internal/ratelimit"
	"github.com/feenlabs/feen/internal/router"
	"github.com/feenlabs/feen/internal/server"
	"github.com/feenlabs/feen/internal/storage/sqlite"
	"github.com/feenlabs/feen/internal/telemetry"
	"github.com/feenlabs/feen/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting feen", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing (optional)
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}

	// Stores
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	fast, err := faststore.NewRedis(cfg.FastStore.URL)
	if err != nil {
		return err
	}
	defer fast.Close()
	if err := fast.Ping(ctx); err != nil {
		slog.Warn("fast store unreachable at boot, continuing degraded", "error", err)
	}

	// Vault cipher
	cipher, err := crypto.NewCipher([]byte(cfg.Vault.MasterKey))
	if err != nil {
		return err
	}

	// Core services
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	guardian := guard.NewController(fast, store, cfg.Vault.StorePlaintextTokens)
	evaluator := policy.New(store, fast, guardian)
	guardian.OnRotate = evaluator.InvalidateHash

	limiter := ratelimit.New(fast, cfg.RateLimits.SyncDailyCap)
	routes := router.New(store, fast, breakers)

	resolver := &dnscache.Resolver{}
	upstreamClient := &http.Client{Transport: proxy.NewTransport(resolver)}
	transport := proxy.New(upstreamClient, cipher, fast, breakers)

	// Background workers
	recorder := worker.NewUsageRecorder(store, fast)
	recorder.OnDeactivate = evaluator.InvalidateByTokenID

	sweep := worker.NewExpirySweep(store, fast)
	sweep.OnDeactivate = evaluator.InvalidateByTokenID

	probe := worker.NewLatencyProbe(store, fast, cipher, upstreamClient)
	pruner := worker.NewRetentionPruner(store, cfg.Retention.Days)
	delivery := worker.NewWebhookDelivery(store, fast, &http.Client{Timeout: 30 * time.Second})

	runner := worker.NewRunner(recorder, probe, sweep, pruner, delivery)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(workerCtx)
	}()

	// Periodic DNS cache refresh keeps stale upstream records from pinning.
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				resolver.Refresh(true)
			}
		}
	}()

	handler := server.New(server.Deps{
		Store:     store,
		Fast:      fast,
		Cipher:    cipher,
		Policy:    evaluator,
		Limiter:   limiter,
		Router:    routes,
		Transport: transport,
		Guard:     guardian,
		Usage:     recorder,
		Metrics:   metrics,
		ReadyCheck: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return fast.Ping(ctx)
		},
		SessionSecret:  cfg.Auth.SessionSecret,
		SessionTTL:     cfg.Auth.SessionTTL,
		DefaultRPM:     cfg.RateLimits.DefaultRPM,
		StorePlaintext: cfg.Vault.StorePlaintextTokens,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("feen ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	// Stop workers after the listener drains; the usage recorder flushes its
	// queue on cancellation.
	stopWorkers()
	<-workersDone

	slog.Info("feen stopped")
	return nil
}
