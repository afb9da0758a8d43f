// Package statuscache holds short-lived submission status entries for
// polling clients. Entries expire on their own; the vote table stays the
// source of truth.
package statuscache

import (
	"context"
	"time"
)

// Cache is a string key/value store with per-entry expiry. Last write wins.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
}
