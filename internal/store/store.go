package store

import (
	"context"
	"time"

	"votedispatch/internal/domain"
)

type Votes interface {
	FindVote(ctx context.Context, electionID, voterID int64) (domain.Vote, bool, error)
	// InsertVote commits the vote in its own transaction. It returns
	// ErrUniqueViolation or ErrContention for the matching storage failures.
	InsertVote(ctx context.Context, in VoteInsert) error
}

type Jobs interface {
	// EnqueueJobs inserts jobs that are due immediately. A job that already
	// exists for (submission, channel) is left untouched.
	EnqueueJobs(ctx context.Context, jobs []JobInsert) error
	// ClaimDueJobs leases queued jobs whose scheduled time has passed, plus
	// processing jobs whose lease expired.
	ClaimDueJobs(ctx context.Context, req ClaimRequest) ([]domain.DispatchJob, error)
	// BeginAttempt counts one execution against the job's attempt budget and
	// returns the new attempt number.
	BeginAttempt(ctx context.Context, id, workerID string, now time.Time) (int, error)
	RescheduleJob(ctx context.Context, in Reschedule) error
	CompleteJob(ctx context.Context, id, workerID string, now time.Time) error
	FailJob(ctx context.Context, id, workerID, reason string, now time.Time) error
	QueueCounts(ctx context.Context, queue string, failedSince time.Time) (QueueCounts, error)
}

type Metrics interface {
	AddMetric(ctx context.Context, in MetricDelta) error
	ListMetrics(ctx context.Context, channel domain.Channel, since time.Time) ([]domain.MetricSample, error)
}

type Failures interface {
	InsertFailure(ctx context.Context, f Failure) error
	ListFailures(ctx context.Context, since time.Time, limit int) ([]Failure, error)
}

// Store is everything a backend implements.
type Store interface {
	Votes
	Jobs
	Metrics
	Failures
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
