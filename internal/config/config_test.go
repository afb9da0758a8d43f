package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/domain"
)

func TestFailOpen(t *testing.T) {
	cases := []struct {
		raw, env string
		want     bool
	}{
		{"", "production", false},
		{"", "", false},
		{"", "local", true},
		{"", " Dev ", true},
		{"true", "production", true},
		{"false", "local", false},
		{"garbage", "local", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FailOpen(tc.raw, tc.env), "raw=%q env=%q", tc.raw, tc.env)
	}
}

func TestStatusTTLFor(t *testing.T) {
	ttl := StatusTTLConfig{
		Processing: 1 * time.Second,
		Duplicate:  2 * time.Second,
		Error:      3 * time.Second,
		Completed:  4 * time.Second,
		Failed:     5 * time.Second,
	}
	assert.Equal(t, 1*time.Second, ttl.For(domain.StateProcessing))
	assert.Equal(t, 2*time.Second, ttl.For(domain.StateDuplicate))
	assert.Equal(t, 3*time.Second, ttl.For(domain.StateError))
	assert.Equal(t, 4*time.Second, ttl.For(domain.StateCompleted))
	assert.Equal(t, 5*time.Second, ttl.For(domain.StateFailed))
}

func TestLoadAPIDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	cfg := LoadAPI()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.RateLimit.Capacity(domain.ChannelEmail))
	assert.Equal(t, 5, cfg.RateLimit.Capacity(domain.ChannelWhatsApp))
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}, cfg.IntakeBackoff)
	assert.Equal(t, 300*time.Second, cfg.StatusTTL.Completed)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts(domain.ChannelWhatsApp))
	assert.False(t, cfg.RateLimit.AllowLocal)
}

func TestLoadWorkerOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("RATE_LIMIT_WHATSAPP", "2")
	t.Setenv("DISPATCH_BACKOFF_EMAIL", "2s,4s")
	t.Setenv("DISPATCH_MAX_ATTEMPTS_EMAIL", "5")
	t.Setenv("DISPATCH_LEASE", "30s")
	t.Setenv("RATE_LIMIT_ALLOW_LOCAL", "true")

	cfg := LoadWorker()
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2, cfg.RateLimit.Capacity(domain.ChannelWhatsApp))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.Dispatch.Backoff(domain.ChannelEmail))
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts(domain.ChannelEmail))
	assert.Equal(t, 30*time.Second, cfg.Lease)
	assert.True(t, cfg.RateLimit.AllowLocal)
}

func TestLoadPanicsOnBadValue(t *testing.T) {
	t.Setenv("RATE_LIMIT_WINDOW", "soon")
	require.Panics(t, func() { LoadCtl() })
}
