package dispatch

import (
	"context"
	"time"

	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/store"
	"votedispatch/internal/util"
)

// Enqueuer fans a committed submission out to one job per channel the voter
// gave a destination for.
type Enqueuer struct {
	Jobs   store.Jobs
	Config config.DispatchConfig
	Now    func() time.Time
	NewID  func() string
}

func (e *Enqueuer) EnqueueFor(ctx context.Context, submissionID string, sub domain.Submission) error {
	now := util.NowUTC()
	if e.Now != nil {
		now = e.Now().UTC()
	}
	newID := util.NewJobID
	if e.NewID != nil {
		newID = e.NewID
	}

	jobs := make([]store.JobInsert, 0, len(domain.Channels))
	for _, ch := range domain.Channels {
		dest := sub.Contacts.Destination(ch)
		if dest == "" {
			continue
		}
		jobs = append(jobs, store.JobInsert{
			ID:           newID(),
			Channel:      ch,
			SubmissionID: submissionID,
			ElectionID:   sub.ElectionID,
			VoterID:      sub.VoterID,
			Destination:  dest,
			MaxAttempts:  max(e.Config.MaxAttempts(ch), 1),
			Now:          now,
		})
	}
	return e.Jobs.EnqueueJobs(ctx, jobs)
}
