package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/observability"
	"votedispatch/internal/providers"
	"votedispatch/internal/store"
)

const defaultJobTimeout = 30 * time.Second

type FailureRecorder interface {
	Record(ctx context.Context, f store.Failure) error
}

// Executor runs one claimed job through the guard and the channel's sender,
// then moves it to its next state.
type Executor struct {
	Jobs     store.Jobs
	Metrics  store.Metrics
	Guard    *Guard
	Senders  map[domain.Channel]providers.Sender
	Renderer providers.Renderer
	Breakers map[domain.Channel]*gobreaker.CircuitBreaker
	// Limiters smooth each pod's call rate in front of the shared buckets.
	Limiters map[domain.Channel]*rate.Limiter
	Failures FailureRecorder
	Config   config.DispatchConfig
	WorkerID string
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewBreaker trips after a run of transient provider failures. Permanent
// failures say nothing about provider health and do not count.
func NewBreaker(ch domain.Channel, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ch.Bucket(),
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("provider breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run executes job. Only a limiter outage is returned as an error the
// caller must act on; the job has been released unchanged by then.
func (e *Executor) Run(ctx context.Context, job domain.DispatchJob) error {
	if job.Attempts >= job.MaxAttempts {
		// reclaimed after its last attempt never reported back
		return e.abandon(ctx, job)
	}

	var (
		attempt  int
		beginErr error
	)
	out, err := e.Guard.Execute(ctx, job, e.WorkerID, func(ctx context.Context) domain.Outcome {
		attempt, beginErr = e.Jobs.BeginAttempt(ctx, job.ID, e.WorkerID, e.now())
		if beginErr != nil {
			return domain.Transient(beginErr)
		}
		return e.send(ctx, job)
	})

	switch {
	case out.Kind == domain.OutcomeLimiterUnavailable:
		e.release(ctx, job)
		return err
	case errors.Is(err, store.ErrLeaseLost), errors.Is(beginErr, store.ErrLeaseLost):
		e.logger().Info("dispatch job lease lost", "job_id", job.ID, "queue", job.Queue)
		return nil
	case err != nil:
		return err
	case out.Kind == domain.OutcomeRateLimited:
		return nil
	case beginErr != nil:
		return fmt.Errorf("begin attempt: %w", beginErr)
	}
	return e.apply(ctx, job, attempt, out)
}

func (e *Executor) send(ctx context.Context, job domain.DispatchJob) domain.Outcome {
	timeout := e.Config.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := string(job.Channel)

	if lim := e.Limiters[job.Channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			observability.ProviderSend.WithLabelValues(ch, "rate_limited_local", "0").Inc()
			return domain.Transient(fmt.Errorf("local rate limit: %w", err))
		}
	}

	sender, ok := e.Senders[job.Channel]
	if !ok {
		return domain.Permanent(fmt.Errorf("no sender for channel %s", job.Channel))
	}
	renderer := e.Renderer
	if renderer == nil {
		renderer = providers.DefaultRenderer()
	}
	msg, err := renderer.Render(ctx, job)
	if err != nil {
		return domain.ClassifySend(err)
	}

	start := time.Now()
	res, err := e.call(ctx, job.Channel, func() (providers.SendResult, error) {
		return sender.Send(ctx, job.Destination, msg)
	})
	observability.ProviderLatency.WithLabelValues(ch).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.ProviderSend.WithLabelValues(ch, "ok", strconv.Itoa(res.HTTPStatus)).Inc()
		e.logger().Debug("dispatch sent", "job_id", job.ID, "provider_id", res.ProviderID)
		return domain.Completed()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.ProviderSend.WithLabelValues(ch, "cb_open", "0").Inc()
		return domain.Transient(err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		observability.ProviderSend.WithLabelValues(ch, "timeout", "0").Inc()
		return domain.Transient(fmt.Errorf("job timed out after %s: %w", timeout, err))
	}

	status := res.HTTPStatus
	var se *domain.SendError
	if errors.As(err, &se) && se.HTTPStatus != 0 {
		status = se.HTTPStatus
	}
	observability.ProviderSend.WithLabelValues(ch, "error", strconv.Itoa(status)).Inc()
	return domain.ClassifySend(err)
}

// call runs fn behind the channel's breaker and gives up when ctx ends even
// if the sender ignores it.
func (e *Executor) call(ctx context.Context, ch domain.Channel, fn func() (providers.SendResult, error)) (providers.SendResult, error) {
	type result struct {
		res providers.SendResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		br := e.Breakers[ch]
		if br == nil {
			res, err := fn()
			done <- result{res, err}
			return
		}
		v, err := br.Execute(func() (any, error) { return fn() })
		res, _ := v.(providers.SendResult)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return providers.SendResult{}, ctx.Err()
	}
}

// apply persists the transition decided for an executed attempt.
func (e *Executor) apply(ctx context.Context, job domain.DispatchJob, attempt int, out domain.Outcome) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()

	d := decide(out, attempt, job.MaxAttempts, e.Config.Backoff(job.Channel))
	now := e.now()
	delta := store.MetricDelta{Channel: job.Channel, At: now, Sent: 1}

	var err error
	switch d.action {
	case actComplete:
		delta.Succeeded = 1
		err = e.Jobs.CompleteJob(ctx, job.ID, e.WorkerID, now)
	case actRetry:
		delta.Failed = 1
		err = e.Jobs.RescheduleJob(ctx, store.Reschedule{
			ID:           job.ID,
			WorkerID:     e.WorkerID,
			ScheduledFor: now.Add(d.delay),
			LastError:    d.reason,
			Now:          now,
		})
	default:
		delta.Failed = 1
		err = e.Jobs.FailJob(ctx, job.ID, e.WorkerID, d.reason, now)
		if err == nil {
			e.recordFailure(ctx, job, attempt, d.reason)
		}
	}

	observability.Dispatches.WithLabelValues(string(job.Channel), d.action.String()).Inc()
	if merr := e.Metrics.AddMetric(ctx, delta); merr != nil {
		e.logger().Warn("dispatch metric write failed", "job_id", job.ID, "err", merr)
	}

	if errors.Is(err, store.ErrLeaseLost) {
		e.logger().Warn("dispatch job lease lost before transition", "job_id", job.ID, "action", d.action.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s job %s: %w", d.action, job.ID, err)
	}

	e.logger().Info("dispatch attempt finished",
		"job_id", job.ID,
		"queue", job.Queue,
		"attempt", attempt,
		"action", d.action.String(),
		"delay", d.delay,
		"reason", d.reason,
	)
	return nil
}

func (e *Executor) abandon(ctx context.Context, job domain.DispatchJob) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()

	reason := "retries exhausted: lease expired during final attempt"
	if job.LastError != "" {
		reason = "retries exhausted: " + job.LastError
	}
	err := e.Jobs.FailJob(ctx, job.ID, e.WorkerID, reason, e.now())
	if errors.Is(err, store.ErrLeaseLost) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	observability.Dispatches.WithLabelValues(string(job.Channel), actFail.String()).Inc()
	e.recordFailure(ctx, job, job.Attempts, reason)
	return nil
}

// release puts the job back exactly as it was claimed.
func (e *Executor) release(ctx context.Context, job domain.DispatchJob) {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()

	err := e.Jobs.RescheduleJob(ctx, store.Reschedule{
		ID:           job.ID,
		WorkerID:     e.WorkerID,
		ScheduledFor: job.ScheduledFor,
		Now:          e.now(),
	})
	if err != nil {
		e.logger().Error("release dispatch job failed", "job_id", job.ID, "err", err)
		return
	}
	observability.Dispatches.WithLabelValues(string(job.Channel), actRelease.String()).Inc()
}

func (e *Executor) recordFailure(ctx context.Context, job domain.DispatchJob, attempts int, reason string) {
	if e.Failures == nil {
		return
	}
	err := e.Failures.Record(ctx, store.Failure{
		Kind:      store.FailureDispatch,
		Reference: job.ID,
		Channel:   job.Channel,
		Reason:    reason,
		Attempts:  attempts,
	})
	if err != nil {
		e.logger().Error("record dispatch failure failed", "job_id", job.ID, "err", err)
	}
}

// bookkeeping detaches state writes from shutdown so a finished send is
// still recorded.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
