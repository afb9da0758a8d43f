package statuscache

import (
	"context"
	"fmt"

	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/observability"
)

// Tracker names status keys and applies the per-state lifetimes.
type Tracker struct {
	cache Cache
	ttl   config.StatusTTLConfig
}

func NewTracker(cache Cache, ttl config.StatusTTLConfig) *Tracker {
	return &Tracker{cache: cache, ttl: ttl}
}

func stateKey(electionID, voterID int64) string {
	return fmt.Sprintf("vote_status:%d:%d", electionID, voterID)
}

func submissionKey(electionID, voterID int64) string {
	return fmt.Sprintf("vote_submission:%d:%d", electionID, voterID)
}

func (t *Tracker) Mark(ctx context.Context, electionID, voterID int64, state domain.SubmissionState) error {
	err := t.cache.Set(ctx, stateKey(electionID, voterID), string(state), t.ttl.For(state))
	countWrite(err)
	return err
}

// MarkCompleted records the committed submission id next to the state.
func (t *Tracker) MarkCompleted(ctx context.Context, electionID, voterID int64, submissionID string) error {
	ttl := t.ttl.For(domain.StateCompleted)
	if err := t.cache.Set(ctx, submissionKey(electionID, voterID), submissionID, ttl); err != nil {
		countWrite(err)
		return err
	}
	return t.Mark(ctx, electionID, voterID, domain.StateCompleted)
}

// Status returns the cached state for the pair, if any.
func (t *Tracker) Status(ctx context.Context, electionID, voterID int64) (domain.StatusResponse, bool, error) {
	v, found, err := t.cache.Get(ctx, stateKey(electionID, voterID))
	if err != nil || !found {
		return domain.StatusResponse{}, false, err
	}
	state := domain.SubmissionState(v)
	if !state.Valid() {
		return domain.StatusResponse{}, false, fmt.Errorf("unexpected cached state %q", v)
	}

	out := domain.StatusResponse{State: state}
	if state == domain.StateCompleted {
		id, ok, err := t.cache.Get(ctx, submissionKey(electionID, voterID))
		if err != nil {
			return domain.StatusResponse{}, false, err
		}
		if ok {
			out.SubmissionID = id
		}
	}
	return out, true, nil
}

func countWrite(err error) {
	if err != nil {
		observability.StatusWrites.WithLabelValues("error").Inc()
		return
	}
	observability.StatusWrites.WithLabelValues("ok").Inc()
}
