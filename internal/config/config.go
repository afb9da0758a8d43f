package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"votedispatch/internal/domain"
)

type StoreConfig struct {
	Driver     string `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN      string `envconfig:"DB_DSN"`
	SQLitePath string `envconfig:"SQLITE_PATH"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"20"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"votedispatch"`
}

type RateLimitConfig struct {
	Email    int           `envconfig:"RATE_LIMIT_EMAIL" default:"10"`
	WhatsApp int           `envconfig:"RATE_LIMIT_WHATSAPP" default:"5"`
	Window   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`

	// FailOpenRaw is a bool; empty derives the policy from APP_ENV.
	FailOpenRaw string `envconfig:"RATE_LIMIT_FAIL_OPEN"`

	// AllowLocal lets a fail-closed process run with per-process buckets
	// when REDIS_ADDR is unset.
	AllowLocal bool `envconfig:"RATE_LIMIT_ALLOW_LOCAL" default:"false"`
}

// Capacity returns the units per window for the channel's bucket.
func (c RateLimitConfig) Capacity(ch domain.Channel) int {
	if ch == domain.ChannelWhatsApp {
		return c.WhatsApp
	}
	return c.Email
}

type StatusTTLConfig struct {
	Processing time.Duration `envconfig:"STATUS_TTL_PROCESSING" default:"120s"`
	Duplicate  time.Duration `envconfig:"STATUS_TTL_DUPLICATE" default:"60s"`
	Error      time.Duration `envconfig:"STATUS_TTL_ERROR" default:"120s"`
	Completed  time.Duration `envconfig:"STATUS_TTL_COMPLETED" default:"300s"`
	Failed     time.Duration `envconfig:"STATUS_TTL_FAILED" default:"300s"`
}

// For returns the cache lifetime of a status entry in the given state.
func (c StatusTTLConfig) For(state domain.SubmissionState) time.Duration {
	switch state {
	case domain.StateProcessing:
		return c.Processing
	case domain.StateDuplicate:
		return c.Duplicate
	case domain.StateError:
		return c.Error
	case domain.StateFailed:
		return c.Failed
	}
	return c.Completed
}

type DispatchConfig struct {
	MaxAttemptsEmail    int             `envconfig:"DISPATCH_MAX_ATTEMPTS_EMAIL" default:"3"`
	MaxAttemptsWhatsApp int             `envconfig:"DISPATCH_MAX_ATTEMPTS_WHATSAPP" default:"3"`
	BackoffEmail        []time.Duration `envconfig:"DISPATCH_BACKOFF_EMAIL" default:"1s,3s,5s"`
	BackoffWhatsApp     []time.Duration `envconfig:"DISPATCH_BACKOFF_WHATSAPP" default:"1s,3s,5s"`
	JobTimeout          time.Duration   `envconfig:"DISPATCH_JOB_TIMEOUT" default:"30s"`
	JitterPct           int             `envconfig:"DISPATCH_JITTER_PCT" default:"20"`
}

func (c DispatchConfig) MaxAttempts(ch domain.Channel) int {
	if ch == domain.ChannelWhatsApp {
		return c.MaxAttemptsWhatsApp
	}
	return c.MaxAttemptsEmail
}

func (c DispatchConfig) Backoff(ch domain.Channel) []time.Duration {
	if ch == domain.ChannelWhatsApp {
		return c.BackoffWhatsApp
	}
	return c.BackoffEmail
}

type APIConfig struct {
	AppEnv    string `envconfig:"APP_ENV" default:"production"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Store     StoreConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	StatusTTL StatusTTLConfig
	Dispatch  DispatchConfig

	ContentionAttempts int           `envconfig:"CONTENTION_ATTEMPTS" default:"3"`
	ContentionDelay    time.Duration `envconfig:"CONTENTION_DELAY" default:"100ms"`

	IntakeMaxAttempts int             `envconfig:"INTAKE_MAX_ATTEMPTS" default:"3"`
	IntakeBackoff     []time.Duration `envconfig:"INTAKE_BACKOFF" default:"1s,3s,5s"`
	IntakeConcurrency int             `envconfig:"INTAKE_CONCURRENCY" default:"32"`

	// SigningKey is a base64 Ed25519 seed. Empty generates an ephemeral key
	// outside production.
	SigningKey   string `envconfig:"SIGNING_KEY"`
	SigningKeyID string `envconfig:"SIGNING_KEY_ID" default:"default"`

	// Failure reports
	AWSRegion          string `envconfig:"AWS_REGION"`
	FailuresQueueURL   string `envconfig:"FAILURES_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WorkerConfig struct {
	AppEnv    string `envconfig:"APP_ENV" default:"production"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Store     StoreConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Dispatch  DispatchConfig

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"20"`
	PollInterval      time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"500ms"`
	BatchSize         int           `envconfig:"DISPATCH_BATCH_SIZE" default:"20"`
	Lease             time.Duration `envconfig:"DISPATCH_LEASE" default:"2m"`

	// Per-pod smoothing in front of the shared limiter.
	ProviderRPSPerPod float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"20"`
	ProviderBurst     int     `envconfig:"PROVIDER_BURST" default:"20"`

	// Twilio (WhatsApp)
	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	// Email HTTP API
	MailerBaseURL   string `envconfig:"MAILER_BASE_URL" default:"https://api.sendgrid.com"`
	MailerAPIKey    string `envconfig:"MAILER_API_KEY"`
	MailerFromEmail string `envconfig:"MAILER_FROM_EMAIL" default:"no-reply@example.org"`

	// Failure reports
	AWSRegion          string `envconfig:"AWS_REGION"`
	FailuresQueueURL   string `envconfig:"FAILURES_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type CtlConfig struct {
	AppEnv    string `envconfig:"APP_ENV" default:"production"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	Store     StoreConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	AWSRegion          string `envconfig:"AWS_REGION"`
	FailuresQueueURL   string `envconfig:"FAILURES_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

// FailOpen resolves whether an unreachable limiter store admits work. An
// explicit RATE_LIMIT_FAIL_OPEN wins; otherwise only non-production
// environments fail open.
func FailOpen(raw, appEnv string) bool {
	if v := strings.TrimSpace(raw); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return !IsProduction(appEnv)
}

func IsProduction(appEnv string) bool {
	switch strings.ToLower(strings.TrimSpace(appEnv)) {
	case "local", "dev", "development", "test", "testing":
		return false
	}
	return true
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCtl() CtlConfig {
	var cfg CtlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
