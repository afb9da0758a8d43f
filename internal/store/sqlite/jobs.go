package sqlite

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

func (s *Store) EnqueueJobs(ctx context.Context, jobs []store.JobInsert) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([]jobModel, 0, len(jobs))
	for _, j := range jobs {
		now := j.Now.UTC()
		rows = append(rows, jobModel{
			ID:           j.ID,
			Queue:        j.Channel.Queue(),
			Channel:      string(j.Channel),
			SubmissionID: j.SubmissionID,
			ElectionID:   j.ElectionID,
			VoterID:      j.VoterID,
			Destination:  j.Destination,
			MaxAttempts:  j.MaxAttempts,
			State:        string(domain.JobQueued),
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	return translate(err)
}

func (s *Store) ClaimDueJobs(ctx context.Context, req store.ClaimRequest) ([]domain.DispatchJob, error) {
	now := req.Now.UTC()
	until := now.Add(req.Lease)
	var claimed []jobModel

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&jobModel{}).
			Where("queue = ?", req.Queue).
			Where("((state = ? AND scheduled_for <= ?) OR (state = ? AND locked_until < ?))",
				domain.JobQueued, now, domain.JobProcessing, now).
			Order("scheduled_for").
			Limit(req.Limit).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		err = tx.Model(&jobModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"state":        string(domain.JobProcessing),
				"locked_by":    req.WorkerID,
				"locked_until": until,
				"updated_at":   now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("scheduled_for").Find(&claimed).Error
	})
	if err != nil {
		return nil, translate(err)
	}

	out := make([]domain.DispatchJob, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, toJob(m))
	}
	return out, nil
}

func (s *Store) BeginAttempt(ctx context.Context, id, workerID string, now time.Time) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobModel{}).
			Where("id = ? AND locked_by = ? AND state = ? AND attempts < max_attempts", id, workerID, domain.JobProcessing).
			Updates(map[string]any{
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrLeaseLost
		}
		return tx.Model(&jobModel{}).Where("id = ?", id).Pluck("attempts", &attempts).Error
	})
	if err != nil {
		return 0, translate(err)
	}
	return attempts, nil
}

func (s *Store) RescheduleJob(ctx context.Context, in store.Reschedule) error {
	updates := map[string]any{
		"state":         string(domain.JobQueued),
		"scheduled_for": in.ScheduledFor.UTC(),
		"locked_by":     "",
		"locked_until":  nil,
		"updated_at":    in.Now.UTC(),
	}
	if in.LastError != "" {
		updates["last_error"] = in.LastError
	}
	if in.Throttled {
		updates["throttle_count"] = gorm.Expr("throttle_count + 1")
	}
	return s.release(ctx, in.ID, in.WorkerID, updates)
}

func (s *Store) CompleteJob(ctx context.Context, id, workerID string, now time.Time) error {
	return s.release(ctx, id, workerID, map[string]any{
		"state":        string(domain.JobCompleted),
		"locked_by":    "",
		"locked_until": nil,
		"updated_at":   now.UTC(),
	})
}

func (s *Store) FailJob(ctx context.Context, id, workerID, reason string, now time.Time) error {
	updates := map[string]any{
		"state":        string(domain.JobFailed),
		"locked_by":    "",
		"locked_until": nil,
		"updated_at":   now.UTC(),
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	return s.release(ctx, id, workerID, updates)
}

func (s *Store) release(ctx context.Context, id, workerID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND locked_by = ? AND state = ?", id, workerID, domain.JobProcessing).
		Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (s *Store) QueueCounts(ctx context.Context, queue string, failedSince time.Time) (store.QueueCounts, error) {
	var out store.QueueCounts
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			COALESCE(SUM(CASE WHEN state = 'queued' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN state = 'processing' THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN state = 'failed' AND updated_at >= ? THEN 1 ELSE 0 END), 0) AS failed
		FROM dispatch_jobs WHERE queue = ?
	`, failedSince.UTC(), queue).Scan(&out).Error
	return out, translate(err)
}

func toJob(m jobModel) domain.DispatchJob {
	return domain.DispatchJob{
		ID:           m.ID,
		Queue:        m.Queue,
		Channel:      domain.Channel(m.Channel),
		SubmissionID: m.SubmissionID,
		ElectionID:   m.ElectionID,
		VoterID:      m.VoterID,
		Destination:  m.Destination,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		State:        domain.JobState(m.State),
		ScheduledFor: m.ScheduledFor,
		LastError:    m.LastError,
	}
}
