package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

func (s *Store) EnqueueJobs(ctx context.Context, jobs []store.JobInsert) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO dispatch_jobs (id, queue, channel, submission_id, election_id, voter_id, destination, max_attempts, state, scheduled_for, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'queued',$9,$9,$9)
			ON CONFLICT (submission_id, channel) DO NOTHING
		`, j.ID, j.Channel.Queue(), string(j.Channel), j.SubmissionID, j.ElectionID, j.VoterID, j.Destination, j.MaxAttempts, j.Now)
	}
	return s.DB.SendBatch(ctx, batch).Close()
}

// ClaimDueJobs leases due jobs. SKIP LOCKED lets concurrent workers claim
// disjoint rows without waiting on each other.
func (s *Store) ClaimDueJobs(ctx context.Context, req store.ClaimRequest) ([]domain.DispatchJob, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE dispatch_jobs
		SET state='processing', locked_by=$2, locked_until=$3, updated_at=$4
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE queue=$1
			  AND ((state='queued' AND scheduled_for <= $4) OR (state='processing' AND locked_until < $4))
			ORDER BY scheduled_for
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, channel, submission_id, election_id, voter_id, destination, attempts, max_attempts, state, scheduled_for, COALESCE(last_error,'')
	`, req.Queue, req.WorkerID, req.Now.Add(req.Lease), req.Now, req.Limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []domain.DispatchJob
	for rows.Next() {
		var j domain.DispatchJob
		var channel, state string
		if err := rows.Scan(&j.ID, &j.Queue, &channel, &j.SubmissionID, &j.ElectionID, &j.VoterID, &j.Destination,
			&j.Attempts, &j.MaxAttempts, &state, &j.ScheduledFor, &j.LastError); err != nil {
			return nil, err
		}
		j.Channel = domain.Channel(channel)
		j.State = domain.JobState(state)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) BeginAttempt(ctx context.Context, id, workerID string, now time.Time) (int, error) {
	var attempts int
	err := s.DB.QueryRow(ctx, `
		UPDATE dispatch_jobs SET attempts=attempts+1, updated_at=$3
		WHERE id=$1 AND locked_by=$2 AND state='processing' AND attempts < max_attempts
		RETURNING attempts
	`, id, workerID, now).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrLeaseLost
	}
	return attempts, err
}

func (s *Store) RescheduleJob(ctx context.Context, in store.Reschedule) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state='queued', scheduled_for=$3, locked_by=NULL, locked_until=NULL,
		    last_error=COALESCE($4, last_error),
		    throttle_count=throttle_count + CASE WHEN $5 THEN 1 ELSE 0 END,
		    updated_at=$6
		WHERE id=$1 AND locked_by=$2 AND state='processing'
	`, in.ID, in.WorkerID, in.ScheduledFor, nullIfEmpty(in.LastError), in.Throttled, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id, workerID string, now time.Time) error {
	return s.finish(ctx, id, workerID, domain.JobCompleted, "", now)
}

func (s *Store) FailJob(ctx context.Context, id, workerID, reason string, now time.Time) error {
	return s.finish(ctx, id, workerID, domain.JobFailed, reason, now)
}

func (s *Store) finish(ctx context.Context, id, workerID string, state domain.JobState, reason string, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state=$3, locked_by=NULL, locked_until=NULL, last_error=COALESCE($4, last_error), updated_at=$5
		WHERE id=$1 AND locked_by=$2 AND state='processing'
	`, id, workerID, string(state), nullIfEmpty(reason), now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (s *Store) QueueCounts(ctx context.Context, queue string, failedSince time.Time) (store.QueueCounts, error) {
	var out store.QueueCounts
	err := s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state='queued'),
			COUNT(*) FILTER (WHERE state='processing'),
			COUNT(*) FILTER (WHERE state='failed' AND updated_at >= $2)
		FROM dispatch_jobs WHERE queue=$1
	`, queue, failedSince).Scan(&out.Pending, &out.Processing, &out.Failed)
	return out, err
}
