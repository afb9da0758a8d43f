package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"votedispatch/internal/bootstrap"
	"votedispatch/internal/config"
	"votedispatch/internal/dispatch"
	"votedispatch/internal/domain"
	"votedispatch/internal/httpserver"
	"votedispatch/internal/logging"
	"votedispatch/internal/observability"
	"votedispatch/internal/providers"
	"votedispatch/internal/providers/mailer"
	"votedispatch/internal/providers/twilio"
)

func main() {
	cfg := config.LoadWorker()
	workerID := "worker-" + uuid.NewString()
	logger := logging.Init("worker", cfg.LogFormat).With("worker_id", workerID)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Error("set GOMAXPROCS failed", "err", err)
	}

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("worker store init failed", "err", err)
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

	// health server (liveness + readiness + metrics)
	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, st.Ping))
	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           health.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthErrCh := make(chan error, 1)
	go func() {
		logger.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// providers + limiter/breaker + executor
	httpClient := &http.Client{Timeout: 8 * time.Second}
	senders := map[domain.Channel]providers.Sender{
		domain.ChannelWhatsApp: &twilio.Client{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			HTTP:                httpClient,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
			FromNumber:          cfg.TwilioFromNumber,
			BaseURL:             cfg.TwilioBaseURL,
		},
		domain.ChannelEmail: &mailer.Client{
			BaseURL:   cfg.MailerBaseURL,
			APIKey:    cfg.MailerAPIKey,
			FromEmail: cfg.MailerFromEmail,
			HTTP:      httpClient,
		},
	}
	breakers := make(map[domain.Channel]*gobreaker.CircuitBreaker, len(domain.Channels))
	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels))
	for _, ch := range domain.Channels {
		breakers[ch] = dispatch.NewBreaker(ch, logger)
		if cfg.ProviderRPSPerPod > 0 {
			limiters[ch] = rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), max(cfg.ProviderBurst, 1))
		}
	}

	limiter, err := bootstrap.Limiter(cfg.RateLimit, rdb, cfg.Redis.Prefix, cfg.AppEnv, st, logger)
	if err != nil {
		logger.Error("worker rate limiter init failed", "err", err)
		os.Exit(1)
	}
	executor := &dispatch.Executor{
		Jobs:    st,
		Metrics: st,
		Guard: &dispatch.Guard{
			Limiter:   limiter,
			Jobs:      st,
			Metrics:   st,
			JitterPct: cfg.Dispatch.JitterPct,
			Logger:    logger,
		},
		Senders:  senders,
		Renderer: providers.DefaultRenderer(),
		Breakers: breakers,
		Limiters: limiters,
		Failures: recorder,
		Config:   cfg.Dispatch,
		WorkerID: workerID,
		Logger:   logger,
	}

	// one poller per queue; the first to stop takes the worker down
	pollErrCh := make(chan error, len(domain.Channels))
	for _, ch := range domain.Channels {
		poller := &dispatch.Poller{
			Jobs:      st,
			Runner:    executor,
			Queue:     ch.Queue(),
			WorkerID:  workerID,
			Workers:   cfg.WorkerConcurrency,
			BatchSize: cfg.BatchSize,
			Interval:  cfg.PollInterval,
			Lease:     cfg.Lease,
			Logger:    logger,
		}
		go func() {
			logger.Info("worker starting poll", "queue", poller.Queue)
			pollErrCh <- poller.Run(ctx)
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	pending := len(domain.Channels)
	select {
	case err := <-pollErrCh:
		pending--
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker poll failed", "err", err)
			exitCode = 1
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("worker health server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		logger.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	deadline := time.After(10 * time.Second)
wait:
	for ; pending > 0; pending-- {
		select {
		case <-pollErrCh:
		case <-deadline:
			logger.Info("worker shutdown timeout waiting for poll loops")
			break wait
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
