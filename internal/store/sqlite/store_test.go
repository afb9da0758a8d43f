package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/domain"
	"votedispatch/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func voteInsert(id string, electionID, voterID int64, now time.Time) store.VoteInsert {
	return store.VoteInsert{
		ID:             id,
		ElectionID:     electionID,
		VoterID:        voterID,
		IntegrityToken: "tok",
		Answers:        json.RawMessage(`{"q1":"a"}`),
		IPAddress:      "10.0.0.1",
		UserAgent:      "test",
		Now:            now,
	}
}

func TestInsertVoteRejectsSecondVoteForPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.InsertVote(ctx, voteInsert("vote_1", 7, 42, now)))
	err := s.InsertVote(ctx, voteInsert("vote_2", 7, 42, now))
	assert.ErrorIs(t, err, store.ErrUniqueViolation)

	// same voter, other election
	require.NoError(t, s.InsertVote(ctx, voteInsert("vote_3", 8, 42, now)))

	v, found, err := s.FindVote(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "vote_1", v.ID)
	assert.JSONEq(t, `{"q1":"a"}`, string(v.Answers))
	assert.Equal(t, "10.0.0.1", v.Origin.IPAddress)

	_, found, err = s.FindVote(ctx, 7, 99)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentInsertVoteCommitsOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertVote(ctx, voteInsert(fmt.Sprintf("vote_%d", i), 1, 1, time.Now().UTC()))
		}(i)
	}
	wg.Wait()

	var committed int
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		assert.ErrorIs(t, err, store.ErrUniqueViolation)
	}
	assert.Equal(t, 1, committed)
}

func seedJob(t *testing.T, s *Store, ch domain.Channel, now time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertVote(ctx, voteInsert("vote_1", 1, 2, now)))
	require.NoError(t, s.EnqueueJobs(ctx, []store.JobInsert{{
		ID: "job_1", Channel: ch, SubmissionID: "vote_1", ElectionID: 1, VoterID: 2,
		Destination: "dest", MaxAttempts: 3, Now: now,
	}}))
}

func claim(t *testing.T, s *Store, queue, worker string, now time.Time) []domain.DispatchJob {
	t.Helper()
	jobs, err := s.ClaimDueJobs(context.Background(), store.ClaimRequest{
		Queue: queue, WorkerID: worker, Limit: 10, Lease: time.Minute, Now: now,
	})
	require.NoError(t, err)
	return jobs
}

func TestEnqueueIsIdempotentPerSubmissionChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	seedJob(t, s, domain.ChannelEmail, now)

	require.NoError(t, s.EnqueueJobs(ctx, []store.JobInsert{{
		ID: "job_2", Channel: domain.ChannelEmail, SubmissionID: "vote_1", ElectionID: 1, VoterID: 2,
		Destination: "dest", MaxAttempts: 3, Now: now,
	}}))

	counts, err := s.QueueCounts(ctx, domain.ChannelEmail.Queue(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestThrottleRescheduleKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	seedJob(t, s, domain.ChannelEmail, now)
	queue := domain.ChannelEmail.Queue()

	jobs := claim(t, s, queue, "w1", now)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobProcessing, jobs[0].State)
	assert.Empty(t, claim(t, s, queue, "w2", now), "leased job must not be claimed twice")

	require.NoError(t, s.RescheduleJob(ctx, store.Reschedule{
		ID: "job_1", WorkerID: "w1", ScheduledFor: now.Add(2 * time.Second), Throttled: true, Now: now,
	}))
	assert.Empty(t, claim(t, s, queue, "w1", now.Add(time.Second)))

	jobs = claim(t, s, queue, "w1", now.Add(3*time.Second))
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Attempts)

	n, err := s.BeginAttempt(ctx, "job_1", "w1", now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.CompleteJob(ctx, "job_1", "w1", now.Add(3*time.Second)))
	counts, err := s.QueueCounts(ctx, queue, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, store.QueueCounts{}, counts)
}

func TestBeginAttemptStopsAtMax(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	seedJob(t, s, domain.ChannelWhatsApp, now)
	queue := domain.ChannelWhatsApp.Queue()

	at := now
	for i := 1; i <= 3; i++ {
		require.Len(t, claim(t, s, queue, "w1", at), 1)
		n, err := s.BeginAttempt(ctx, "job_1", "w1", at)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		require.NoError(t, s.RescheduleJob(ctx, store.Reschedule{
			ID: "job_1", WorkerID: "w1", ScheduledFor: at, LastError: "timeout", Now: at,
		}))
		at = at.Add(time.Second)
	}

	require.Len(t, claim(t, s, queue, "w1", at), 1)
	_, err := s.BeginAttempt(ctx, "job_1", "w1", at)
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, s.FailJob(ctx, "job_1", "w1", "retries exhausted", at))

	counts, err := s.QueueCounts(ctx, queue, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	seedJob(t, s, domain.ChannelWhatsApp, now)
	queue := domain.ChannelWhatsApp.Queue()

	require.Len(t, claim(t, s, queue, "w1", now), 1)
	jobs := claim(t, s, queue, "w2", now.Add(2*time.Minute))
	require.Len(t, jobs, 1)

	err := s.CompleteJob(ctx, "job_1", "w1", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, s.CompleteJob(ctx, "job_1", "w2", now.Add(2*time.Minute)))
}

func TestMetricsAccumulatePerHour(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	require.NoError(t, s.AddMetric(ctx, store.MetricDelta{Channel: domain.ChannelEmail, At: at, Sent: 1, Succeeded: 1}))
	require.NoError(t, s.AddMetric(ctx, store.MetricDelta{Channel: domain.ChannelEmail, At: at.Add(10 * time.Minute), Sent: 1, Failed: 1}))
	require.NoError(t, s.AddMetric(ctx, store.MetricDelta{Channel: domain.ChannelEmail, At: at, Throttled: 2, ThrottleDelay: 3 * time.Second}))
	require.NoError(t, s.AddMetric(ctx, store.MetricDelta{Channel: domain.ChannelEmail, At: at.Add(time.Hour), Sent: 1, Succeeded: 1}))
	require.NoError(t, s.AddMetric(ctx, store.MetricDelta{Channel: domain.ChannelWhatsApp, At: at, Sent: 5}))

	samples, err := s.ListMetrics(ctx, domain.ChannelEmail, at.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, int64(2), samples[0].Sent)
	assert.Equal(t, int64(2), samples[0].Throttled)
	assert.Equal(t, 3*time.Second, samples[0].ThrottleDelay)
	assert.InDelta(t, 0.5, samples[0].SuccessRate, 0.0001)
	assert.InDelta(t, 1.0, samples[1].SuccessRate, 0.0001)
}

func TestFailuresListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.InsertFailure(ctx, store.Failure{ID: "fail_1", Kind: store.FailureSubmission, Reference: "1:2", Reason: "boom", Attempts: 3, OccurredAt: now.Add(-time.Minute)}))
	require.NoError(t, s.InsertFailure(ctx, store.Failure{ID: "fail_2", Kind: store.FailureDispatch, Reference: "job_1", Channel: domain.ChannelEmail, Reason: "bounced", Attempts: 1, OccurredAt: now}))
	require.NoError(t, s.InsertFailure(ctx, store.Failure{ID: "fail_0", Kind: store.FailureDispatch, Reference: "job_0", Reason: "old", OccurredAt: now.Add(-48 * time.Hour)}))

	out, err := s.ListFailures(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "fail_2", out[0].ID)
	assert.Equal(t, store.FailureDispatch, out[0].Kind)
	assert.Equal(t, "fail_1", out[1].ID)
}
