package store

import (
	"encoding/json"
	"errors"
	"time"

	"votedispatch/internal/domain"
)

var (
	// ErrUniqueViolation means the (election, voter) pair was already
	// committed by another writer.
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrContention covers lock waits, deadlocks and serialization failures.
	// The write may succeed if retried.
	ErrContention = errors.New("storage contention")
	ErrNotFound   = errors.New("not found")
	// ErrLeaseLost means another worker reclaimed the job.
	ErrLeaseLost = errors.New("job lease lost")
)

type VoteInsert struct {
	ID             string
	ElectionID     int64
	VoterID        int64
	IntegrityToken string
	Answers        json.RawMessage
	IPAddress      string
	UserAgent      string
	Now            time.Time
}

type JobInsert struct {
	ID           string
	Channel      domain.Channel
	SubmissionID string
	ElectionID   int64
	VoterID      int64
	Destination  string
	MaxAttempts  int
	Now          time.Time
}

type ClaimRequest struct {
	Queue    string
	WorkerID string
	Limit    int
	Lease    time.Duration
	Now      time.Time
}

type Reschedule struct {
	ID           string
	WorkerID     string
	ScheduledFor time.Time
	LastError    string
	Throttled    bool
	Now          time.Time
}

type QueueCounts struct {
	Pending    int64
	Processing int64
	Failed     int64
}

// MetricDelta is added onto the (channel, hour) sample row.
type MetricDelta struct {
	Channel       domain.Channel
	At            time.Time
	Sent          int64
	Succeeded     int64
	Failed        int64
	Throttled     int64
	ThrottleDelay time.Duration
}

type FailureKind string

const (
	FailureSubmission FailureKind = "submission"
	FailureDispatch   FailureKind = "dispatch"
)

type Failure struct {
	ID         string         `json:"id"`
	Kind       FailureKind    `json:"kind"`
	Reference  string         `json:"reference"`
	Channel    domain.Channel `json:"channel,omitempty"`
	Reason     string         `json:"reason"`
	Attempts   int            `json:"attempts"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// HourBucket truncates t to the UTC hour its metric sample belongs to.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
