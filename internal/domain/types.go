package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

type SubmissionState string

const (
	StateProcessing SubmissionState = "processing"
	StateDuplicate  SubmissionState = "duplicate"
	StateCompleted  SubmissionState = "completed"
	StateError      SubmissionState = "error"
	StateFailed     SubmissionState = "failed"
)

func (s SubmissionState) Valid() bool {
	switch s {
	case StateProcessing, StateDuplicate, StateCompleted, StateError, StateFailed:
		return true
	}
	return false
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels lists every notification channel in enqueue order.
var Channels = []Channel{ChannelEmail, ChannelWhatsApp}

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelWhatsApp:
		return Channel(s), nil
	}
	return "", ErrUnknownChannel
}

// Queue is the named job queue that carries the channel's dispatch jobs.
func (c Channel) Queue() string { return string(c) + "-notifications" }

// Bucket is the rate limit bucket guarding the channel's provider.
func (c Channel) Bucket() string { return string(c) + "-provider" }

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Contacts are the destinations a voter can be notified at. Empty means the
// channel is skipped.
type Contacts struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (c Contacts) Destination(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelWhatsApp:
		return c.Phone
	}
	return ""
}

type OriginMeta struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type Submission struct {
	ElectionID int64           `json:"electionId"`
	VoterID    int64           `json:"voterId"`
	Answers    json.RawMessage `json:"answers"`
	Origin     OriginMeta      `json:"origin"`
	Contacts   Contacts        `json:"contact"`
}

func (s Submission) Validate() error {
	if s.ElectionID <= 0 || s.VoterID <= 0 || len(s.Answers) == 0 {
		return ErrMissingFields
	}
	if !json.Valid(s.Answers) {
		return ErrInvalidAnswers
	}
	return nil
}

// StatusKey identifies one (election, voter) pair for status polling.
func StatusKey(electionID, voterID int64) string {
	return strconv.FormatInt(electionID, 10) + ":" + strconv.FormatInt(voterID, 10)
}

// ParseStatusKey splits a key produced by StatusKey.
func ParseStatusKey(key string) (electionID, voterID int64, err error) {
	e, v, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, ErrInvalidStatusKey
	}
	electionID, err = strconv.ParseInt(e, 10, 64)
	if err != nil || electionID <= 0 {
		return 0, 0, ErrInvalidStatusKey
	}
	voterID, err = strconv.ParseInt(v, 10, 64)
	if err != nil || voterID <= 0 {
		return 0, 0, ErrInvalidStatusKey
	}
	return electionID, voterID, nil
}

type Vote struct {
	ID             string
	ElectionID     int64
	VoterID        int64
	IntegrityToken string
	Answers        json.RawMessage
	Origin         OriginMeta
	CreatedAt      time.Time
}

type DispatchJob struct {
	ID           string
	Queue        string
	Channel      Channel
	SubmissionID string
	ElectionID   int64
	VoterID      int64
	Destination  string
	Attempts     int
	MaxAttempts  int
	State        JobState
	ScheduledFor time.Time
	LastError    string
}

type MetricSample struct {
	Channel       Channel       `json:"channel"`
	Hour          time.Time     `json:"hour"`
	Sent          int64         `json:"sent"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	Throttled     int64         `json:"throttled"`
	ThrottleDelay time.Duration `json:"-"`
	SuccessRate   float64       `json:"successRate"`
}

// MarshalJSON reports ThrottleDelay as throttleDelayMs.
func (m MetricSample) MarshalJSON() ([]byte, error) {
	type sample MetricSample
	return json.Marshal(struct {
		sample
		ThrottleDelayMs int64 `json:"throttleDelayMs"`
	}{sample(m), m.ThrottleDelay.Milliseconds()})
}

// Rate fills SuccessRate from the raw counters.
func (m MetricSample) Rate() MetricSample {
	if m.Sent > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(m.Sent)
	}
	return m
}

type SubmitResponse struct {
	Accepted  bool   `json:"accepted"`
	StatusKey string `json:"statusKey"`
}

type StatusResponse struct {
	State        SubmissionState `json:"state"`
	SubmissionID string          `json:"submissionId,omitempty"`
}

var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrInvalidAnswers   = errors.New("answers must be valid json")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrSubmissionFailed = errors.New("submission failed")
	ErrInvalidStatusKey = errors.New("invalid status key")
)
