package domain

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind tags how a submission or dispatch attempt ended. Retry
// decisions are made on the kind alone.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeDuplicate
	OutcomeContention
	OutcomeSubmissionFailed
	OutcomeRateLimited
	OutcomeTransientFailure
	OutcomePermanentFailure
	OutcomeLimiterUnavailable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeContention:
		return "contention"
	case OutcomeSubmissionFailed:
		return "submission_failed"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeLimiterUnavailable:
		return "limiter_unavailable"
	}
	return "unknown"
}

// Terminal reports whether no automatic transition follows the outcome.
func (k OutcomeKind) Terminal() bool {
	switch k {
	case OutcomeCompleted, OutcomeDuplicate, OutcomeSubmissionFailed, OutcomePermanentFailure:
		return true
	}
	return false
}

type Outcome struct {
	Kind       OutcomeKind
	Err        error
	RetryAfter time.Duration
}

func Completed() Outcome                   { return Outcome{Kind: OutcomeCompleted} }
func Duplicate() Outcome                   { return Outcome{Kind: OutcomeDuplicate} }
func Contention(err error) Outcome         { return Outcome{Kind: OutcomeContention, Err: err} }
func SubmissionFailed(err error) Outcome   { return Outcome{Kind: OutcomeSubmissionFailed, Err: err} }
func Transient(err error) Outcome          { return Outcome{Kind: OutcomeTransientFailure, Err: err} }
func Permanent(err error) Outcome          { return Outcome{Kind: OutcomePermanentFailure, Err: err} }
func LimiterUnavailable(err error) Outcome { return Outcome{Kind: OutcomeLimiterUnavailable, Err: err} }

func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter}
}

// SendError is returned by notification senders. Permanent errors must not
// be retried: the destination or request can never succeed.
type SendError struct {
	Permanent  bool
	HTTPStatus int
	Code       string
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s send error (http %d): %v", kind, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s send error: %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func PermanentSendError(err error) error { return &SendError{Permanent: true, Err: err} }

// IsPermanent reports whether err carries a permanent SendError.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// ClassifySend maps a send error onto a dispatch outcome.
func ClassifySend(err error) Outcome {
	if err == nil {
		return Completed()
	}
	if IsPermanent(err) {
		return Permanent(err)
	}
	return Transient(err)
}
