package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/logging"
	"votedispatch/internal/providers"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/store"
	"votedispatch/internal/store/sqlite"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	reply func(ctx context.Context, n int) error
}

func (s *fakeSender) Send(ctx context.Context, to string, _ providers.Message) (providers.SendResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, to)
	n := len(s.sent)
	reply := s.reply
	s.mu.Unlock()

	if reply != nil {
		if err := reply(ctx, n); err != nil {
			return providers.SendResult{}, err
		}
	}
	return providers.SendResult{ProviderID: fmt.Sprintf("msg-%d", n), HTTPStatus: 202}, nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type memoryRecorder struct {
	mu       sync.Mutex
	failures []store.Failure
}

func (m *memoryRecorder) Record(_ context.Context, f store.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *memoryRecorder) All() []store.Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Failure(nil), m.failures...)
}

type brokenBucket struct{}

func (brokenBucket) Take(context.Context, string, ratelimit.Limit) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("dial tcp: connection refused")
}

func (brokenBucket) Peek(context.Context, string, ratelimit.Limit) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("dial tcp: connection refused")
}

var testDispatch = config.DispatchConfig{
	MaxAttemptsEmail:    3,
	MaxAttemptsWhatsApp: 3,
	BackoffEmail:        []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	BackoffWhatsApp:     []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	JobTimeout:          time.Second,
	JitterPct:           20,
}

type fixture struct {
	store    *sqlite.Store
	clock    *testClock
	sender   *fakeSender
	failures *memoryRecorder
	enqueuer *Enqueuer
	exec     *Executor
}

func newFixture(t *testing.T, capacity int) *fixture {
	return newFixtureWithBucket(t, capacity, nil)
}

func newFixtureWithBucket(t *testing.T, capacity int, bucket ratelimit.Bucket) *fixture {
	t.Helper()
	st, err := sqlite.Open("")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}
	if bucket == nil {
		bucket = ratelimit.NewMemoryBucket(ratelimit.WithClock(clock.Now))
	}
	limits := map[string]ratelimit.Limit{
		domain.ChannelEmail.Bucket():    {Capacity: capacity, Window: time.Second},
		domain.ChannelWhatsApp.Bucket(): {Capacity: capacity, Window: time.Second},
	}
	limiter := ratelimit.NewService(bucket, limits, st, ratelimit.WithLogger(logging.Discard()))

	f := &fixture{
		store:    st,
		clock:    clock,
		sender:   &fakeSender{},
		failures: &memoryRecorder{},
	}
	f.enqueuer = &Enqueuer{Jobs: st, Config: testDispatch, Now: clock.Now}
	f.exec = &Executor{
		Jobs:    st,
		Metrics: st,
		Guard: &Guard{
			Limiter:   limiter,
			Jobs:      st,
			Metrics:   st,
			JitterPct: testDispatch.JitterPct,
			Logger:    logging.Discard(),
			Now:       clock.Now,
		},
		Senders: map[domain.Channel]providers.Sender{
			domain.ChannelEmail:    f.sender,
			domain.ChannelWhatsApp: f.sender,
		},
		Renderer: providers.DefaultRenderer(),
		Failures: f.failures,
		Config:   testDispatch,
		WorkerID: "w1",
		Logger:   logging.Discard(),
		Now:      clock.Now,
	}
	return f
}

// submit commits a vote and enqueues its jobs the way the coordinator does.
func (f *fixture) submit(t *testing.T, voterID int64, contacts domain.Contacts) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("vote_%d", voterID)
	require.NoError(t, f.store.InsertVote(ctx, store.VoteInsert{
		ID: id, ElectionID: 1, VoterID: voterID, IntegrityToken: "tok",
		Answers: json.RawMessage(`{"q1":"a"}`), Now: f.clock.Now(),
	}))
	require.NoError(t, f.enqueuer.EnqueueFor(ctx, id, domain.Submission{
		ElectionID: 1, VoterID: voterID, Answers: json.RawMessage(`{"q1":"a"}`), Contacts: contacts,
	}))
}

func (f *fixture) claim(t *testing.T, ch domain.Channel, worker string) []domain.DispatchJob {
	t.Helper()
	jobs, err := f.store.ClaimDueJobs(context.Background(), store.ClaimRequest{
		Queue: ch.Queue(), WorkerID: worker, Limit: 50, Lease: time.Minute, Now: f.clock.Now(),
	})
	require.NoError(t, err)
	return jobs
}

func (f *fixture) counts(t *testing.T, ch domain.Channel) store.QueueCounts {
	t.Helper()
	c, err := f.store.QueueCounts(context.Background(), ch.Queue(), f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	return c
}

func (f *fixture) metrics(t *testing.T, ch domain.Channel) domain.MetricSample {
	t.Helper()
	samples, err := f.store.ListMetrics(context.Background(), ch, f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	var total domain.MetricSample
	for _, s := range samples {
		total.Sent += s.Sent
		total.Succeeded += s.Succeeded
		total.Failed += s.Failed
		total.Throttled += s.Throttled
		total.ThrottleDelay += s.ThrottleDelay
	}
	return total
}

var phoneOnly = domain.Contacts{Phone: "+15550001111"}

func TestEnqueueForSkipsChannelsWithoutDestination(t *testing.T) {
	f := newFixture(t, 10)
	f.submit(t, 1, domain.Contacts{Email: "a@example.org"})
	f.submit(t, 2, domain.Contacts{Email: "b@example.org", Phone: "+15550001111"})
	f.submit(t, 3, domain.Contacts{})

	assert.Equal(t, int64(2), f.counts(t, domain.ChannelEmail).Pending)
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelWhatsApp).Pending)

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 1)
	assert.Equal(t, "vote_2", jobs[0].SubmissionID)
	assert.Equal(t, "+15550001111", jobs[0].Destination)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
}

func TestExecutorCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.submit(t, 1, domain.Contacts{Email: "a@example.org"})

	jobs := f.claim(t, domain.ChannelEmail, "w1")
	require.Len(t, jobs, 1)
	require.NoError(t, f.exec.Run(ctx, jobs[0]))

	assert.Equal(t, 1, f.sender.Calls())
	assert.Equal(t, store.QueueCounts{}, f.counts(t, domain.ChannelEmail))
	m := f.metrics(t, domain.ChannelEmail)
	assert.Equal(t, int64(1), m.Sent)
	assert.Equal(t, int64(1), m.Succeeded)
}

// Five due jobs against a bucket of two per second: two are sent, three are
// put back with a jittered delay near the window end and keep their
// attempt budget.
func TestThrottledJobsAreRescheduledWithJitter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	for i := int64(1); i <= 5; i++ {
		f.submit(t, i, phoneOnly)
	}
	start := f.clock.Now()

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 5)
	for _, job := range jobs {
		require.NoError(t, f.exec.Run(ctx, job))
	}

	assert.Equal(t, 2, f.sender.Calls())
	assert.Equal(t, int64(3), f.counts(t, domain.ChannelWhatsApp).Pending)
	m := f.metrics(t, domain.ChannelWhatsApp)
	assert.Equal(t, int64(2), m.Sent)
	assert.Equal(t, int64(3), m.Throttled)
	assert.Greater(t, m.ThrottleDelay, time.Duration(0))

	f.clock.Advance(790 * time.Millisecond)
	assert.Empty(t, f.claim(t, domain.ChannelWhatsApp, "w1"), "jitter never shortens a delay by more than a fifth")

	f.clock.Advance(420 * time.Millisecond)
	retried := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, retried, 3)
	for _, job := range retried {
		assert.Equal(t, 0, job.Attempts, "throttles must not consume attempts")
		delay := job.ScheduledFor.Sub(start)
		assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
		assert.LessOrEqual(t, delay, 1200*time.Millisecond)
	}

	// window has reset: two more go out, one is throttled again
	for _, job := range retried {
		require.NoError(t, f.exec.Run(ctx, job))
	}
	assert.Equal(t, 4, f.sender.Calls())
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelWhatsApp).Pending)
}

func TestPermanentSendFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.sender.reply = func(context.Context, int) error {
		return domain.PermanentSendError(errors.New("invalid recipient"))
	}
	f.submit(t, 1, phoneOnly)

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 1)
	require.NoError(t, f.exec.Run(ctx, jobs[0]))

	assert.Equal(t, 1, f.sender.Calls())
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelWhatsApp).Failed)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.claim(t, domain.ChannelWhatsApp, "w1"))

	failures := f.failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, store.FailureDispatch, failures[0].Kind)
	assert.Equal(t, jobs[0].ID, failures[0].Reference)
	assert.Equal(t, domain.ChannelWhatsApp, failures[0].Channel)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "invalid recipient")
}

func TestTransientFailuresStopAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.sender.reply = func(context.Context, int) error {
		return &domain.SendError{HTTPStatus: 503, Err: errors.New("unavailable")}
	}
	f.submit(t, 1, domain.Contacts{Email: "a@example.org"})

	waits := []time.Duration{time.Second, 3 * time.Second}
	for i := 0; i < 3; i++ {
		jobs := f.claim(t, domain.ChannelEmail, "w1")
		require.Len(t, jobs, 1, "attempt %d", i+1)
		assert.Equal(t, i, jobs[0].Attempts)
		require.NoError(t, f.exec.Run(ctx, jobs[0]))

		if i < len(waits) {
			f.clock.Advance(waits[i] - time.Millisecond)
			assert.Empty(t, f.claim(t, domain.ChannelEmail, "w1"), "backoff after attempt %d", i+1)
			f.clock.Advance(time.Millisecond)
		}
	}

	assert.Equal(t, 3, f.sender.Calls())
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelEmail).Failed)
	f.clock.Advance(time.Hour)
	assert.Empty(t, f.claim(t, domain.ChannelEmail, "w1"))

	failures := f.failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "retries exhausted")

	m := f.metrics(t, domain.ChannelEmail)
	assert.Equal(t, int64(3), m.Sent)
	assert.Equal(t, int64(3), m.Failed)
}

func TestTransientFailuresThenSuccessCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.sender.reply = func(_ context.Context, n int) error {
		if n < 3 {
			return &domain.SendError{HTTPStatus: 502, Err: errors.New("bad gateway")}
		}
		return nil
	}
	f.submit(t, 1, phoneOnly)

	for i := 0; i < 3; i++ {
		jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
		require.Len(t, jobs, 1, "attempt %d", i+1)
		assert.Equal(t, i, jobs[0].Attempts)
		require.NoError(t, f.exec.Run(ctx, jobs[0]))
		f.clock.Advance(5 * time.Second)
	}

	assert.Equal(t, 3, f.sender.Calls())
	assert.Equal(t, store.QueueCounts{}, f.counts(t, domain.ChannelWhatsApp))
	assert.Empty(t, f.failures.All())

	m := f.metrics(t, domain.ChannelWhatsApp)
	assert.Equal(t, int64(3), m.Sent)
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, int64(2), m.Failed)
}

func TestJobTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.exec.Config.JobTimeout = 20 * time.Millisecond
	f.sender.reply = func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	f.submit(t, 1, domain.Contacts{Email: "a@example.org"})

	jobs := f.claim(t, domain.ChannelEmail, "w1")
	require.Len(t, jobs, 1)
	require.NoError(t, f.exec.Run(ctx, jobs[0]))

	f.clock.Advance(time.Second)
	retried := f.claim(t, domain.ChannelEmail, "w1")
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Contains(t, retried[0].LastError, "timed out")
}

func TestLimiterOutageReleasesJobUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWithBucket(t, 10, brokenBucket{})
	f.submit(t, 1, phoneOnly)

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 1)
	err := f.exec.Run(ctx, jobs[0])
	require.ErrorIs(t, err, ratelimit.ErrLimiterUnavailable)

	assert.Zero(t, f.sender.Calls())
	released := f.claim(t, domain.ChannelWhatsApp, "w2")
	require.Len(t, released, 1)
	assert.Equal(t, 0, released[0].Attempts)
	assert.True(t, released[0].ScheduledFor.Equal(jobs[0].ScheduledFor))
}

func TestReclaimedExhaustedJobFailsWithoutRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.exec.Config.MaxAttemptsWhatsApp = 1
	f.enqueuer.Config.MaxAttemptsWhatsApp = 1
	f.submit(t, 1, phoneOnly)

	jobs := f.claim(t, domain.ChannelWhatsApp, "crashed")
	require.Len(t, jobs, 1)
	_, err := f.store.BeginAttempt(ctx, jobs[0].ID, "crashed", f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	reclaimed := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, reclaimed, 1)
	require.NoError(t, f.exec.Run(ctx, reclaimed[0]))

	assert.Zero(t, f.sender.Calls())
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelWhatsApp).Failed)
	require.Len(t, f.failures.All(), 1)
}

func TestLeaseLostDuringAttemptIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.submit(t, 1, phoneOnly)

	jobs := f.claim(t, domain.ChannelWhatsApp, "other")
	require.Len(t, jobs, 1)
	require.NoError(t, f.exec.Run(ctx, jobs[0]))

	assert.Zero(t, f.sender.Calls())
	assert.Equal(t, int64(1), f.counts(t, domain.ChannelWhatsApp).Processing)
}
