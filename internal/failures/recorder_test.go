package failures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/domain"
	"votedispatch/internal/logging"
	"votedispatch/internal/store"
	"votedispatch/internal/store/sqlite"
)

type stubPublisher struct {
	got []store.Failure
	err error
}

func (p *stubPublisher) Publish(_ context.Context, f store.Failure) error {
	p.got = append(p.got, f)
	return p.err
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open("")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordStoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pub := &stubPublisher{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &Recorder{Store: st, Publisher: pub, Logger: logging.Discard(), Now: func() time.Time { return now }}

	require.NoError(t, r.Record(ctx, store.Failure{
		Kind: store.FailureDispatch, Reference: "job_1", Channel: domain.ChannelWhatsApp, Reason: "bounced", Attempts: 1,
	}))

	require.Len(t, pub.got, 1)
	assert.NotEmpty(t, pub.got[0].ID)
	assert.True(t, pub.got[0].OccurredAt.Equal(now))

	out, err := st.ListFailures(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, pub.got[0].ID, out[0].ID)
	assert.Equal(t, "bounced", out[0].Reason)
}

func TestRecordToleratesPublishFailure(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	r := &Recorder{Store: st, Publisher: &stubPublisher{err: errors.New("queue down")}, Logger: logging.Discard()}

	require.NoError(t, r.Record(ctx, store.Failure{Kind: store.FailureSubmission, Reference: "1:2", Reason: "boom"}))

	out, err := st.ListFailures(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestRecordWithoutPublisher(t *testing.T) {
	st := newStore(t)
	r := &Recorder{Store: st}
	require.NoError(t, r.Record(context.Background(), store.Failure{Kind: store.FailureSubmission, Reference: "1:2"}))
}
