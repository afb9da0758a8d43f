package statuscache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/config"
	"votedispatch/internal/domain"
)

var testTTL = config.StatusTTLConfig{
	Processing: 120 * time.Second,
	Duplicate:  60 * time.Second,
	Error:      120 * time.Second,
	Completed:  300 * time.Second,
	Failed:     300 * time.Second,
}

func TestTrackerAppliesStateTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	tr := NewTracker(NewRedisCache(rdb, "vd"), testTTL)

	require.NoError(t, tr.Mark(ctx, 7, 42, domain.StateProcessing))
	assert.Equal(t, 120*time.Second, mr.TTL("vd:vote_status:7:42"))

	require.NoError(t, tr.Mark(ctx, 7, 42, domain.StateDuplicate))
	assert.Equal(t, 60*time.Second, mr.TTL("vd:vote_status:7:42"))

	require.NoError(t, tr.MarkCompleted(ctx, 7, 43, "vote_01"))
	assert.Equal(t, 300*time.Second, mr.TTL("vd:vote_status:7:43"))
	assert.Equal(t, 300*time.Second, mr.TTL("vd:vote_submission:7:43"))

	st, found, err := tr.Status(ctx, 7, 43)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StatusResponse{State: domain.StateCompleted, SubmissionID: "vote_01"}, st)

	mr.FastForward(61 * time.Second)
	_, found, err = tr.Status(ctx, 7, 42)
	require.NoError(t, err)
	assert.False(t, found, "duplicate entry should have expired")

	st, found, err = tr.Status(ctx, 7, 43)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.StateCompleted, st.State)
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache().WithClock(func() time.Time { return now })
	tr := NewTracker(c, testTTL)

	require.NoError(t, tr.Mark(ctx, 1, 2, domain.StateError))
	st, found, err := tr.Status(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StateError, st.State)
	assert.Empty(t, st.SubmissionID)

	now = now.Add(120 * time.Second)
	_, found, err = tr.Status(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCacheSweepsUnreadEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache().WithClock(func() time.Time { return now })

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("vote:status:%d", i), "x", 10*time.Second))
	}
	require.Equal(t, 50, c.Len())

	now = now.Add(30 * time.Second)
	require.NoError(t, c.Set(ctx, "vote:status:live", "y", time.Minute))
	assert.Equal(t, 50+1, c.Len(), "no sweep before the interval elapses")

	now = now.Add(sweepInterval)
	require.NoError(t, c.Set(ctx, "vote:status:next", "z", time.Minute))
	assert.Equal(t, 1, c.Len(), "expired keys are pruned without being read")

	v, found, err := c.Get(ctx, "vote:status:next")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "z", v)
}

func TestStatusRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.Set(ctx, "vote_status:1:2", "bogus", time.Minute))

	_, _, err := NewTracker(c, testTTL).Status(ctx, 1, 2)
	assert.Error(t, err)
}
