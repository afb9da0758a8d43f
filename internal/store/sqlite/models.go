package sqlite

import "time"

type voteModel struct {
	ID             string `gorm:"primaryKey"`
	ElectionID     int64  `gorm:"not null;uniqueIndex:idx_vote_submissions_pair"`
	VoterID        int64  `gorm:"not null;uniqueIndex:idx_vote_submissions_pair"`
	IntegrityToken string `gorm:"not null"`
	Answers        string `gorm:"not null"`
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
}

func (voteModel) TableName() string { return "vote_submissions" }

type jobModel struct {
	ID            string    `gorm:"primaryKey"`
	Queue         string    `gorm:"not null;index:idx_dispatch_jobs_due,priority:1"`
	Channel       string    `gorm:"not null;uniqueIndex:idx_dispatch_jobs_submission_channel,priority:2"`
	SubmissionID  string    `gorm:"not null;uniqueIndex:idx_dispatch_jobs_submission_channel,priority:1"`
	ElectionID    int64     `gorm:"not null"`
	VoterID       int64     `gorm:"not null"`
	Destination   string    `gorm:"not null"`
	Attempts      int       `gorm:"not null"`
	MaxAttempts   int       `gorm:"not null"`
	State         string    `gorm:"not null;index:idx_dispatch_jobs_due,priority:2"`
	ScheduledFor  time.Time `gorm:"not null;index:idx_dispatch_jobs_due,priority:3"`
	LockedBy      string
	LockedUntil   *time.Time
	ThrottleCount int `gorm:"not null"`
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (jobModel) TableName() string { return "dispatch_jobs" }

type metricModel struct {
	Channel         string    `gorm:"primaryKey"`
	Hour            time.Time `gorm:"primaryKey"`
	Sent            int64     `gorm:"not null"`
	Succeeded       int64     `gorm:"not null"`
	Failed          int64     `gorm:"not null"`
	Throttled       int64     `gorm:"not null"`
	ThrottleDelayMs int64     `gorm:"column:throttle_delay_ms;not null"`
}

func (metricModel) TableName() string { return "dispatch_metrics" }

type failureModel struct {
	ID         string `gorm:"primaryKey"`
	Kind       string `gorm:"not null"`
	Reference  string `gorm:"not null"`
	Channel    string
	Reason     string    `gorm:"not null"`
	Attempts   int       `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null;index"`
}

func (failureModel) TableName() string { return "dispatch_failures" }

var migrateModels = []any{
	&voteModel{},
	&jobModel{},
	&metricModel{},
	&failureModel{},
}
