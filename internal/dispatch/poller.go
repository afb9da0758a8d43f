package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/store"
)

type Runner interface {
	Run(ctx context.Context, job domain.DispatchJob) error
}

// Poller claims due jobs from one queue and feeds them to a worker pool.
type Poller struct {
	Jobs      store.Jobs
	Runner    Runner
	Queue     string
	WorkerID  string
	Workers   int
	BatchSize int
	Interval  time.Duration
	Lease     time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Run polls until ctx ends or a worker hits a limiter outage. It returns
// ctx.Err() on shutdown and the outage error otherwise. Jobs claimed but not
// started when Run stops are picked up again once their lease expires.
func (p *Poller) Run(parent context.Context) error {
	workers := max(p.Workers, 1)
	batch := max(p.BatchSize, 1)
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	lease := p.Lease
	if lease <= 0 {
		lease = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	jobs := make(chan domain.DispatchJob, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				start := time.Now()
				err := p.Runner.Run(ctx, job)
				switch {
				case err == nil:
					p.logger().Debug("dispatch job finish", "job_id", job.ID, "queue", p.Queue, "duration", time.Since(start))
				case errors.Is(err, ratelimit.ErrLimiterUnavailable):
					p.logger().Error("rate limiter unavailable, stopping queue", "queue", p.Queue, "err", err)
					sendErr(err)
				default:
					p.logger().Error("dispatch job error", "job_id", job.ID, "queue", p.Queue, "duration", time.Since(start), "err", err)
				}
			}
		}()
	}

	// Producer: claim due jobs and enqueue for workers
	func() {
		defer close(jobs)
		for {
			claimed, err := p.Jobs.ClaimDueJobs(ctx, store.ClaimRequest{
				Queue:    p.Queue,
				WorkerID: p.WorkerID,
				Limit:    batch,
				Lease:    lease,
				Now:      p.now(),
			})
			if err != nil && ctx.Err() == nil {
				p.logger().Error("claim dispatch jobs failed", "queue", p.Queue, "err", err)
			}

			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				}
			}

			// a full batch means there is likely more due work
			if err == nil && len(claimed) == batch {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return parent.Err()
	}
}
