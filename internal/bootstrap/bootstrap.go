// Package bootstrap builds the shared dependencies of the binaries from
// their environment config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"votedispatch/internal/awsutil"
	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/failures"
	sqsqueue "votedispatch/internal/queue/sqs"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/statuscache"
	"votedispatch/internal/store"
	"votedispatch/internal/store/pg"
	"votedispatch/internal/store/sqlite"
)

// OpenStore connects the configured backend. SQLite without a path is an
// in-memory database that lives as long as the process.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "pg", "":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for the postgres store")
		}
		pool, err := pg.NewPool(ctx, cfg.DBDSN, pg.OptionsFromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return pg.New(pool), nil
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Driver)
}

// RedisClient returns nil when no address is configured; callers fall back
// to in-process state.
func RedisClient(cfg config.RedisConfig) redis.UniversalClient {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func Limits(cfg config.RateLimitConfig) map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit, len(domain.Channels))
	for _, ch := range domain.Channels {
		limits[ch.Bucket()] = ratelimit.Limit{Capacity: cfg.Capacity(ch), Window: cfg.Window}
	}
	return limits
}

// ErrSharedLimiterRequired is returned when a fail-closed deployment has no
// Redis to hold bucket state.
var ErrSharedLimiterRequired = errors.New("REDIS_ADDR is required when the rate limiter fails closed; set RATE_LIMIT_ALLOW_LOCAL=true to limit per process")

// Limiter builds the rate limit service over Redis when available. The
// in-memory bucket only limits the current process, so a fail-closed policy
// refuses it unless RATE_LIMIT_ALLOW_LOCAL is set.
func Limiter(cfg config.RateLimitConfig, rdb redis.UniversalClient, redisPrefix, appEnv string, stats ratelimit.StatsStore, logger *slog.Logger) (*ratelimit.Service, error) {
	failOpen := config.FailOpen(cfg.FailOpenRaw, appEnv)

	var bucket ratelimit.Bucket
	switch {
	case rdb != nil:
		bucket = ratelimit.NewRedisBucket(rdb, ratelimit.WithKeyPrefix(redisPrefix))
	case !failOpen && !cfg.AllowLocal:
		return nil, ErrSharedLimiterRequired
	default:
		logger.Warn("REDIS_ADDR not set, rate limits apply per process", "fail_open", failOpen)
		bucket = ratelimit.NewMemoryBucket()
	}
	logger.Info("rate limiter configured", "fail_open", failOpen, "window", cfg.Window, "shared", rdb != nil)
	return ratelimit.NewService(bucket, Limits(cfg), stats,
		ratelimit.WithFailOpen(failOpen),
		ratelimit.WithLogger(logger),
	), nil
}

func StatusCache(rdb redis.UniversalClient, redisPrefix string) statuscache.Cache {
	if rdb == nil {
		return statuscache.NewMemoryCache()
	}
	return statuscache.NewRedisCache(rdb, redisPrefix)
}

type AWSConfig struct {
	Region   string
	QueueURL string
	Endpoint string
}

// FailureRecorder publishes to SQS only when a queue URL is configured.
func FailureRecorder(ctx context.Context, st store.Failures, aws AWSConfig, logger *slog.Logger) (*failures.Recorder, error) {
	rec := &failures.Recorder{Store: st, Logger: logger}
	if aws.QueueURL == "" {
		return rec, nil
	}
	client, err := awsutil.NewSQSClient(ctx, aws.Region, aws.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("sqs client: %w", err)
	}
	rec.Publisher = &sqsqueue.Producer{SQS: client, QueueURL: aws.QueueURL}
	return rec, nil
}
