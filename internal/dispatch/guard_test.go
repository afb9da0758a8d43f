package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/domain"
	"votedispatch/internal/ratelimit"
)

type fixedAllower struct {
	d ratelimit.Decision
}

func (a fixedAllower) Allow(context.Context, string) (ratelimit.Decision, error) {
	return a.d, nil
}

func TestShortRetryAfterKeepsJitterBand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.exec.Guard.Limiter = fixedAllower{d: ratelimit.Decision{RetryAfter: 10 * time.Millisecond}}
	for i := int64(1); i <= 5; i++ {
		f.submit(t, i, phoneOnly)
	}
	start := f.clock.Now()

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 5)
	for _, job := range jobs {
		require.NoError(t, f.exec.Run(ctx, job))
	}
	assert.Equal(t, 0, f.sender.Calls())

	f.clock.Advance(7 * time.Millisecond)
	assert.Empty(t, f.claim(t, domain.ChannelWhatsApp, "w1"))

	f.clock.Advance(6 * time.Millisecond)
	retried := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, retried, 5)
	for _, job := range retried {
		delay := job.ScheduledFor.Sub(start)
		assert.GreaterOrEqual(t, delay, 8*time.Millisecond)
		assert.LessOrEqual(t, delay, 12*time.Millisecond)
	}
}

func TestDenialWithoutRetryAfterUsesFallbackDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.exec.Guard.Limiter = fixedAllower{d: ratelimit.Decision{}}
	f.submit(t, 1, phoneOnly)
	start := f.clock.Now()

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 1)
	require.NoError(t, f.exec.Run(ctx, jobs[0]))

	f.clock.Advance(39 * time.Millisecond)
	assert.Empty(t, f.claim(t, domain.ChannelWhatsApp, "w1"))

	f.clock.Advance(22 * time.Millisecond)
	retried := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, retried, 1)
	delay := retried[0].ScheduledFor.Sub(start)
	assert.GreaterOrEqual(t, delay, 40*time.Millisecond)
	assert.LessOrEqual(t, delay, 60*time.Millisecond)
	assert.Equal(t, 0, retried[0].Attempts)
}

func TestBeginAttemptFailureDoesNotSend(t *testing.T) {
	f := newFixture(t, 10)
	f.exec.Guard.Limiter = fixedAllower{d: ratelimit.Decision{Allowed: true, Remaining: 9}}
	f.submit(t, 1, phoneOnly)

	jobs := f.claim(t, domain.ChannelWhatsApp, "w1")
	require.Len(t, jobs, 1)
	require.NoError(t, f.store.Close())

	err := f.exec.Run(context.Background(), jobs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin attempt")
	assert.Equal(t, 0, f.sender.Calls())
}
