// Package failures records terminal submission and dispatch failures.
package failures

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"votedispatch/internal/observability"
	"votedispatch/internal/store"
	"votedispatch/internal/util"
)

type Publisher interface {
	Publish(ctx context.Context, f store.Failure) error
}

// Recorder writes every failure to the store and, when a publisher is set,
// forwards it to the operations queue. Only the store write can fail a call.
type Recorder struct {
	Store     store.Failures
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r *Recorder) Record(ctx context.Context, f store.Failure) error {
	if f.ID == "" {
		f.ID = util.NewFailureID()
	}
	if f.OccurredAt.IsZero() {
		if r.Now != nil {
			f.OccurredAt = r.Now().UTC()
		} else {
			f.OccurredAt = util.NowUTC()
		}
	}
	kind := string(f.Kind)

	if err := r.Store.InsertFailure(ctx, f); err != nil {
		observability.FailureReports.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("insert failure: %w", err)
	}
	observability.FailureReports.WithLabelValues(kind, "stored").Inc()

	if r.Publisher == nil {
		return nil
	}
	if err := r.Publisher.Publish(ctx, f); err != nil {
		observability.FailureReports.WithLabelValues(kind, "publish_error").Inc()
		r.logger().Warn("failure report publish failed", "failure_id", f.ID, "kind", kind, "err", err)
		return nil
	}
	observability.FailureReports.WithLabelValues(kind, "published").Inc()
	return nil
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
