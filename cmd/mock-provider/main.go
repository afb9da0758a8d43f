package main

import (
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"votedispatch/internal/logging"
)

type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	MailerKey  string `envconfig:"MAILER_API_KEY" default:"mock_key"`
	Port       string `envconfig:"PORT" default:"8080"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`

	// fixed | round_robin | random | weighted
	OutcomeMode       string        `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string        `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64       `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string        `envconfig:"MOCK_FAILURE_WEIGHTS" default:"rate_limit:1"`
	Delay             time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay      time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"40s"`
	MinLatency        time.Duration `envconfig:"MOCK_MIN_LATENCY" default:"100ms"`
	MaxLatency        time.Duration `envconfig:"MOCK_MAX_LATENCY" default:"500ms"`

	Outcomes       []string          `ignored:"true"`
	FailureWeights []weightedOutcome `ignored:"true"`
}

func main() {
	cfg := loadConfig()
	logger := logging.Init("mock-provider", cfg.LogFormat)

	s := newServer(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	router := mux.NewRouter()
	s.routes(router)
	router.Use(loggingMiddleware(logger))

	logger.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		logger.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("mock provider request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	return normalize(cfg)
}

func normalize(cfg config) config {
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "rate_limit", Weight: 1}}
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MinLatency, cfg.MaxLatency = cfg.MaxLatency, cfg.MinLatency
	}
	return cfg
}
