package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"votedispatch/internal/bootstrap"
	"votedispatch/internal/config"
	"votedispatch/internal/dispatch"
	"votedispatch/internal/httpserver"
	"votedispatch/internal/logging"
	"votedispatch/internal/observability"
	"votedispatch/internal/signing"
	"votedispatch/internal/statuscache"
	"votedispatch/internal/vote"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Error("set GOMAXPROCS failed", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("api store init failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := st.Ping(startupCtx); err != nil {
		logger.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if cfg.Store.Driver == "sqlite" {
		if err := st.Migrate(startupCtx); err != nil {
			logger.Error("sqlite migrate failed", "err", err)
			os.Exit(1)
		}
	}

	signer, err := newSigner(cfg)
	if err != nil {
		logger.Error("signing key init failed", "err", err)
		os.Exit(1)
	}

	rdb := bootstrap.RedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "err", err)
		}
	}

	recorder, err := bootstrap.FailureRecorder(ctx, st, bootstrap.AWSConfig{
		Region: cfg.AWSRegion, QueueURL: cfg.FailuresQueueURL, Endpoint: cfg.LocalstackEndpoint,
	}, logger)
	if err != nil {
		logger.Error("failure recorder init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	tracker := statuscache.NewTracker(bootstrap.StatusCache(rdb, cfg.Redis.Prefix), cfg.StatusTTL)
	coordinator := &vote.Coordinator{
		Store:              st,
		Status:             tracker,
		Enqueuer:           &dispatch.Enqueuer{Jobs: st, Config: cfg.Dispatch},
		Signer:             signer,
		Logger:             logger,
		ContentionAttempts: cfg.ContentionAttempts,
		ContentionDelay:    cfg.ContentionDelay,
	}
	intake := vote.NewIntake(coordinator, tracker, recorder, vote.IntakeOptions{
		MaxAttempts: cfg.IntakeMaxAttempts,
		Backoff:     cfg.IntakeBackoff,
		Concurrency: cfg.IntakeConcurrency,
	}, logger)
	limiter, err := bootstrap.Limiter(cfg.RateLimit, rdb, cfg.Redis.Prefix, cfg.AppEnv, st, logger)
	if err != nil {
		logger.Error("api rate limiter init failed", "err", err)
		os.Exit(1)
	}

	s := httpserver.New()
	api := &httpserver.API{
		Intake: intake,
		Status: coordinator,
		Queues: limiter,
		Logger: logger,
	}
	api.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, st.Ping))
	s.Mux.Use(httpserver.Logging(logger), httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("api shutdown", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := intake.Close(shutdownCtx); err != nil {
			logger.Warn("intake drain incomplete", "err", err)
		}
		cancel()
	}()

	logger.Info("api listening", "port", cfg.Port, "store", cfg.Store.Driver, "signing_key_id", signer.KeyID())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("api server failed", "err", err)
		os.Exit(1)
	}
	<-ctx.Done()
}

func newSigner(cfg config.APIConfig) (*signing.Signer, error) {
	if cfg.SigningKey != "" {
		return signing.New(cfg.SigningKey, cfg.SigningKeyID)
	}
	if config.IsProduction(cfg.AppEnv) {
		return nil, fmt.Errorf("SIGNING_KEY is required when APP_ENV=%s", cfg.AppEnv)
	}
	slog.Warn("SIGNING_KEY not set, using an ephemeral key")
	return signing.Ephemeral(cfg.SigningKeyID)
}
