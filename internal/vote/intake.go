package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
	"votedispatch/internal/util"
)

var ErrIntakeClosed = errors.New("intake closed")

type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (Result, error)
}

type FailureRecorder interface {
	Record(ctx context.Context, f store.Failure) error
}

type IntakeOptions struct {
	MaxAttempts int
	Backoff     []time.Duration
	Concurrency int
}

// Intake accepts submissions and runs them in the background, retrying a
// failed Submit as a fresh call. The uniqueness guarantee makes the retry
// safe.
type Intake struct {
	submitter Submitter
	status    StatusTracker
	failures  FailureRecorder
	opts      IntakeOptions
	logger    *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewIntake(submitter Submitter, status StatusTracker, failures FailureRecorder, opts IntakeOptions, logger *slog.Logger) *Intake {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Intake{
		submitter: submitter,
		status:    status,
		failures:  failures,
		opts:      opts,
		logger:    logger,
		sem:       make(chan struct{}, opts.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Accept validates the submission and schedules it. It blocks only while
// every intake slot is busy.
func (in *Intake) Accept(ctx context.Context, sub domain.Submission) (domain.SubmitResponse, error) {
	if err := sub.Validate(); err != nil {
		return domain.SubmitResponse{}, err
	}
	sub.Contacts = domain.Contacts{
		Email: util.NormalizeEmail(sub.Contacts.Email),
		Phone: util.NormalizePhone(sub.Contacts.Phone),
	}

	select {
	case in.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.SubmitResponse{}, ctx.Err()
	case <-in.ctx.Done():
		return domain.SubmitResponse{}, ErrIntakeClosed
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		<-in.sem
		return domain.SubmitResponse{}, ErrIntakeClosed
	}
	in.wg.Add(1)
	in.mu.Unlock()

	if err := in.status.Mark(ctx, sub.ElectionID, sub.VoterID, domain.StateProcessing); err != nil {
		in.logger.Warn("status write failed", "election_id", sub.ElectionID, "voter_id", sub.VoterID, "err", err)
	}

	go func() {
		defer in.wg.Done()
		defer func() { <-in.sem }()
		in.run(sub)
	}()

	return domain.SubmitResponse{Accepted: true, StatusKey: domain.StatusKey(sub.ElectionID, sub.VoterID)}, nil
}

func (in *Intake) run(sub domain.Submission) {
	var err error
	attempt := 1
	for ; attempt <= in.opts.MaxAttempts; attempt++ {
		if _, err = in.submitter.Submit(in.ctx, sub); err == nil {
			return
		}
		in.logger.Warn("submission attempt failed",
			"election_id", sub.ElectionID, "voter_id", sub.VoterID, "attempt", attempt, "err", err)
		if attempt == in.opts.MaxAttempts {
			break
		}
		if sleep(in.ctx, in.backoff(attempt)) != nil {
			break
		}
	}

	// Record with a fresh context so shutdown does not drop the record.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if mErr := in.status.Mark(ctx, sub.ElectionID, sub.VoterID, domain.StateFailed); mErr != nil {
		in.logger.Warn("status write failed", "election_id", sub.ElectionID, "voter_id", sub.VoterID, "err", mErr)
	}
	rErr := in.failures.Record(ctx, store.Failure{
		Kind:      store.FailureSubmission,
		Reference: domain.StatusKey(sub.ElectionID, sub.VoterID),
		Reason:    err.Error(),
		Attempts:  attempt,
	})
	if rErr != nil {
		in.logger.Error("record submission failure", "election_id", sub.ElectionID, "voter_id", sub.VoterID, "err", rErr)
	}
}

func (in *Intake) backoff(attempt int) time.Duration {
	if len(in.opts.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(in.opts.Backoff) {
		idx = len(in.opts.Backoff) - 1
	}
	return in.opts.Backoff[idx]
}

// Close stops accepting work and waits for running submissions. When ctx
// expires first, pending backoffs are cut short and Close still waits for
// the goroutines to record their outcome.
func (in *Intake) Close(ctx context.Context) error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		in.cancel()
		return nil
	case <-ctx.Done():
		in.cancel()
		<-done
		return fmt.Errorf("intake shutdown: %w", ctx.Err())
	}
}
