package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/observability"
	"votedispatch/internal/store"
)

// StatsStore is the job accounting Stats and Metrics read from.
type StatsStore interface {
	QueueCounts(ctx context.Context, queue string, failedSince time.Time) (store.QueueCounts, error)
	ListMetrics(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricSample, error)
}

// QueueStats durations are in milliseconds.
type QueueStats struct {
	Queue           string `json:"queue"`
	Pending         int64  `json:"pending"`
	Processing      int64  `json:"processing"`
	FailedLast24h   int64  `json:"failedLast24h"`
	RateLimit       int    `json:"rateLimit"`
	WindowMs        int64  `json:"windowMs"`
	ThrottleAllowed bool   `json:"throttleAllowed"`
	Remaining       int    `json:"remaining"`
	RetryAfterMs    int64  `json:"retryAfterMs"`
}

type Service struct {
	bucket   Bucket
	limits   map[string]Limit
	stats    StatsStore
	failOpen bool
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithFailOpen admits calls when the bucket store errors instead of
// returning ErrLimiterUnavailable.
func WithFailOpen(open bool) Option {
	return func(s *Service) { s.failOpen = open }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(bucket Bucket, limits map[string]Limit, stats StatsStore, opts ...Option) *Service {
	s := &Service{
		bucket: bucket,
		limits: limits,
		stats:  stats,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) FailOpen() bool { return s.failOpen }

func (s *Service) Limit(bucket string) (Limit, bool) {
	l, ok := s.limits[bucket]
	return l, ok
}

// Allow consumes one unit from the named bucket.
func (s *Service) Allow(ctx context.Context, bucket string) (Decision, error) {
	limit, ok := s.limits[bucket]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}

	d, err := s.bucket.Take(ctx, bucket, limit)
	if err != nil {
		observability.LimiterErrors.WithLabelValues(bucket).Inc()
		if s.failOpen {
			s.logger.Warn("rate limiter unavailable, allowing", "bucket", bucket, "err", err)
			return Decision{Allowed: true, Remaining: limit.Capacity}, nil
		}
		return Decision{}, fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
	}

	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	observability.LimiterDecisions.WithLabelValues(bucket, result).Inc()
	return d, nil
}

// Stats is a read-only snapshot of the channel's queue and bucket.
func (s *Service) Stats(ctx context.Context, ch domain.Channel) (QueueStats, error) {
	bucket := ch.Bucket()
	limit, ok := s.limits[bucket]
	if !ok {
		return QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}

	counts, err := s.stats.QueueCounts(ctx, ch.Queue(), s.now().Add(-24*time.Hour))
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue counts: %w", err)
	}

	out := QueueStats{
		Queue:         ch.Queue(),
		Pending:       counts.Pending,
		Processing:    counts.Processing,
		FailedLast24h: counts.Failed,
		RateLimit:     limit.Capacity,
		WindowMs:      limit.Window.Milliseconds(),
	}

	d, err := s.bucket.Peek(ctx, bucket, limit)
	switch {
	case err == nil:
		out.ThrottleAllowed = d.Allowed
		out.Remaining = d.Remaining
		out.RetryAfterMs = d.RetryAfter.Milliseconds()
	case s.failOpen:
		s.logger.Warn("rate limiter unavailable for stats", "bucket", bucket, "err", err)
		out.ThrottleAllowed = true
		out.Remaining = limit.Capacity
	default:
		return QueueStats{}, fmt.Errorf("%w: %w", ErrLimiterUnavailable, err)
	}
	return out, nil
}

// Metrics returns the hourly samples for the last hours hours, oldest first.
func (s *Service) Metrics(ctx context.Context, ch domain.Channel, hours int) ([]domain.MetricSample, error) {
	if hours <= 0 {
		return nil, errors.New("hours must be positive")
	}
	since := s.now().Add(-time.Duration(hours-1) * time.Hour)
	return s.stats.ListMetrics(ctx, ch, since)
}
