package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/observability"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/store"
)

// fallbackThrottleDelay is the base delay for a denial that carries no
// retry-after, so the job is not reclaimed in the same poll tick.
const fallbackThrottleDelay = 50 * time.Millisecond

type Allower interface {
	Allow(ctx context.Context, bucket string) (ratelimit.Decision, error)
}

// Guard runs work only when the channel's bucket admits it. A denied job is
// put back on its queue with a jittered delay and keeps its attempt count.
type Guard struct {
	Limiter   Allower
	Jobs      store.Jobs
	Metrics   store.Metrics
	JitterPct int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Execute consumes one unit of the job's bucket and runs work. When the
// limiter store is unreachable the returned error wraps
// ratelimit.ErrLimiterUnavailable and work is not run.
func (g *Guard) Execute(ctx context.Context, job domain.DispatchJob, workerID string, work func(context.Context) domain.Outcome) (domain.Outcome, error) {
	d, err := g.Limiter.Allow(ctx, job.Channel.Bucket())
	if err != nil {
		return domain.LimiterUnavailable(err), err
	}
	if d.Allowed {
		return work(ctx), nil
	}

	base := d.RetryAfter
	if base <= 0 {
		base = fallbackThrottleDelay
	}
	delay := Jitter(base, g.JitterPct)
	now := g.now()

	if err := g.Jobs.RescheduleJob(ctx, store.Reschedule{
		ID:           job.ID,
		WorkerID:     workerID,
		ScheduledFor: now.Add(delay),
		Throttled:    true,
		Now:          now,
	}); err != nil {
		return domain.RateLimited(delay), fmt.Errorf("reschedule throttled job: %w", err)
	}

	observability.ThrottleDelay.WithLabelValues(string(job.Channel)).Observe(delay.Seconds())
	observability.Dispatches.WithLabelValues(string(job.Channel), actThrottle.String()).Inc()
	if err := g.Metrics.AddMetric(ctx, store.MetricDelta{
		Channel:       job.Channel,
		At:            now,
		Throttled:     1,
		ThrottleDelay: delay,
	}); err != nil {
		g.logger().Warn("throttle metric write failed", "job_id", job.ID, "err", err)
	}
	g.logger().Debug("dispatch throttled", "job_id", job.ID, "queue", job.Queue, "delay", delay)
	return domain.RateLimited(delay), nil
}
