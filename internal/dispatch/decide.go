package dispatch

import (
	"time"

	"votedispatch/internal/domain"
)

type action int

const (
	actComplete action = iota
	actRetry
	actFail
	actThrottle
	actRelease
)

func (a action) String() string {
	switch a {
	case actComplete:
		return "completed"
	case actRetry:
		return "retry"
	case actFail:
		return "failed"
	case actThrottle:
		return "throttled"
	case actRelease:
		return "released"
	}
	return "unknown"
}

type decision struct {
	action action
	delay  time.Duration
	reason string
}

// decide maps the outcome of attempt number attempt onto the job's next
// transition. Throttles never count against the budget.
func decide(out domain.Outcome, attempt, maxAttempts int, backoff []time.Duration) decision {
	switch out.Kind {
	case domain.OutcomeCompleted:
		return decision{action: actComplete}
	case domain.OutcomeRateLimited:
		return decision{action: actThrottle, delay: out.RetryAfter}
	case domain.OutcomeLimiterUnavailable:
		return decision{action: actRelease, reason: errText(out.Err)}
	case domain.OutcomeTransientFailure:
		if attempt < maxAttempts {
			return decision{action: actRetry, delay: backoffFor(backoff, attempt), reason: errText(out.Err)}
		}
		return decision{action: actFail, reason: "retries exhausted: " + errText(out.Err)}
	}
	return decision{action: actFail, reason: errText(out.Err)}
}

// backoffFor returns the wait after the given failed attempt. The last
// entry repeats once the schedule runs out.
func backoffFor(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Second
	}
	i := min(max(attempt-1, 0), len(schedule)-1)
	return schedule[i]
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
