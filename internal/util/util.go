package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewVoteID() string    { return newID("vote_") }
func NewJobID() string     { return newID("job_") }
func NewFailureID() string { return newID("fail_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
