// Package vote commits voting actions at most once per (election, voter)
// pair and hands committed votes to the notification queues.
package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"votedispatch/internal/domain"
	"votedispatch/internal/observability"
	"votedispatch/internal/store"
	"votedispatch/internal/util"
)

type StatusTracker interface {
	Mark(ctx context.Context, electionID, voterID int64, state domain.SubmissionState) error
	MarkCompleted(ctx context.Context, electionID, voterID int64, submissionID string) error
	Status(ctx context.Context, electionID, voterID int64) (domain.StatusResponse, bool, error)
}

// Enqueuer creates the dispatch jobs for a committed vote.
type Enqueuer interface {
	EnqueueFor(ctx context.Context, submissionID string, sub domain.Submission) error
}

type Signer interface {
	Sign(electionID int64, answers json.RawMessage, submittedAt time.Time) (string, error)
}

type Result struct {
	Outcome      domain.Outcome
	SubmissionID string
}

// State maps the outcome onto the status reported to pollers.
func (r Result) State() domain.SubmissionState {
	switch r.Outcome.Kind {
	case domain.OutcomeCompleted:
		return domain.StateCompleted
	case domain.OutcomeDuplicate:
		return domain.StateDuplicate
	}
	return domain.StateError
}

type Coordinator struct {
	Store    store.Votes
	Status   StatusTracker
	Enqueuer Enqueuer
	Signer   Signer
	Logger   *slog.Logger

	ContentionAttempts int
	ContentionDelay    time.Duration

	Now   func() time.Time
	NewID func() string
}

// Submit commits the vote or reports that the pair already voted. Cache
// writes and job enqueueing after the commit are best-effort and never undo
// it. Any returned error wraps domain.ErrSubmissionFailed.
func (c *Coordinator) Submit(ctx context.Context, sub domain.Submission) (Result, error) {
	e, v := sub.ElectionID, sub.VoterID

	// 1) processing
	c.mark(ctx, e, v, domain.StateProcessing)

	// 2) already committed?
	existing, found, err := c.Store.FindVote(ctx, e, v)
	if err != nil {
		return c.fail(ctx, sub, fmt.Errorf("find vote: %w", err))
	}
	if found {
		return c.duplicate(ctx, sub, existing.ID), nil
	}

	// 3-5) sign + insert, retrying contention
	id := c.newID()
	out := c.insert(ctx, id, sub)
	switch out.Kind {
	case domain.OutcomeCompleted:
	case domain.OutcomeDuplicate:
		return c.duplicate(ctx, sub, ""), nil
	default:
		return c.fail(ctx, sub, out.Err)
	}

	// 6) completed + fan out
	observability.Submissions.WithLabelValues(domain.OutcomeCompleted.String()).Inc()
	if err := c.Status.MarkCompleted(ctx, e, v, id); err != nil {
		c.logger().Warn("status write failed", "election_id", e, "voter_id", v, "err", err)
	}
	if err := c.Enqueuer.EnqueueFor(ctx, id, sub); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		c.logger().Error("enqueue dispatch jobs failed", "submission_id", id, "err", err)
	} else {
		observability.Enqueues.WithLabelValues("ok").Inc()
	}
	return Result{Outcome: domain.Completed(), SubmissionID: id}, nil
}

func (c *Coordinator) insert(ctx context.Context, id string, sub domain.Submission) domain.Outcome {
	attempts := c.ContentionAttempts
	if attempts < 1 {
		attempts = 1
	}

	var out domain.Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		// postgres keeps microseconds; the token must verify against the stored row
		now := c.now().UTC().Truncate(time.Microsecond)
		token, err := c.Signer.Sign(sub.ElectionID, sub.Answers, now)
		if err != nil {
			return domain.SubmissionFailed(fmt.Errorf("sign: %w", err))
		}

		err = c.Store.InsertVote(ctx, store.VoteInsert{
			ID:             id,
			ElectionID:     sub.ElectionID,
			VoterID:        sub.VoterID,
			IntegrityToken: token,
			Answers:        sub.Answers,
			IPAddress:      sub.Origin.IPAddress,
			UserAgent:      sub.Origin.UserAgent,
			Now:            now,
		})
		out = classifyInsert(err)
		if out.Kind != domain.OutcomeContention {
			return out
		}

		observability.ContentionRetries.Inc()
		c.logger().Warn("vote insert contention", "election_id", sub.ElectionID, "voter_id", sub.VoterID, "attempt", attempt, "err", err)
		if attempt < attempts {
			if err := sleep(ctx, c.ContentionDelay); err != nil {
				return domain.SubmissionFailed(err)
			}
		}
	}
	return domain.SubmissionFailed(fmt.Errorf("contention after %d attempts: %w", attempts, out.Err))
}

// classifyInsert maps an insert result onto the outcome that decides
// whether to retry.
func classifyInsert(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.Completed()
	case errors.Is(err, store.ErrUniqueViolation):
		return domain.Duplicate()
	case errors.Is(err, store.ErrContention):
		return domain.Contention(err)
	}
	return domain.SubmissionFailed(err)
}

func (c *Coordinator) duplicate(ctx context.Context, sub domain.Submission, existingID string) Result {
	observability.Submissions.WithLabelValues(domain.OutcomeDuplicate.String()).Inc()
	c.mark(ctx, sub.ElectionID, sub.VoterID, domain.StateDuplicate)
	return Result{Outcome: domain.Duplicate(), SubmissionID: existingID}
}

func (c *Coordinator) fail(ctx context.Context, sub domain.Submission, err error) (Result, error) {
	observability.Submissions.WithLabelValues(domain.OutcomeSubmissionFailed.String()).Inc()
	c.mark(ctx, sub.ElectionID, sub.VoterID, domain.StateError)
	err = fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	return Result{Outcome: domain.SubmissionFailed(err)}, err
}

func (c *Coordinator) mark(ctx context.Context, electionID, voterID int64, state domain.SubmissionState) {
	if err := c.Status.Mark(ctx, electionID, voterID, state); err != nil {
		c.logger().Warn("status write failed", "election_id", electionID, "voter_id", voterID, "state", state, "err", err)
	}
}

// GetStatus answers a status poll. When the cache entry has expired the
// vote table decides.
func (c *Coordinator) GetStatus(ctx context.Context, statusKey string) (domain.StatusResponse, error) {
	e, v, err := domain.ParseStatusKey(statusKey)
	if err != nil {
		return domain.StatusResponse{}, err
	}

	st, found, err := c.Status.Status(ctx, e, v)
	if err != nil {
		c.logger().Warn("status read failed", "status_key", statusKey, "err", err)
	} else if found {
		return st, nil
	}

	existing, found, err := c.Store.FindVote(ctx, e, v)
	if err != nil {
		return domain.StatusResponse{}, fmt.Errorf("find vote: %w", err)
	}
	if !found {
		return domain.StatusResponse{}, store.ErrNotFound
	}
	return domain.StatusResponse{State: domain.StateCompleted, SubmissionID: existing.ID}, nil
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return util.NewVoteID()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
