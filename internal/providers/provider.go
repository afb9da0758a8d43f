package providers

import (
	"context"
	"errors"
	"net"
	"strconv"

	"votedispatch/internal/domain"
	"votedispatch/internal/util"
)

type Message struct {
	Subject string
	Body    string
}

type SendResult struct {
	ProviderID string
	HTTPStatus int
}

// Sender delivers one message to one destination. Failures are returned as
// *domain.SendError so the dispatcher can tell permanent from transient.
type Sender interface {
	Send(ctx context.Context, to string, msg Message) (SendResult, error)
}

type Renderer interface {
	Render(ctx context.Context, job domain.DispatchJob) (Message, error)
}

type Template struct {
	Subject string
	Body    string
}

var ErrTemplateNotFound = errors.New("template not found")

// TemplateRenderer fills a per-channel template with the job's identifiers.
type TemplateRenderer struct {
	Templates map[domain.Channel]Template
}

func DefaultRenderer() *TemplateRenderer {
	return &TemplateRenderer{Templates: map[domain.Channel]Template{
		domain.ChannelEmail: {
			Subject: "Your vote was recorded",
			Body:    "Your vote in election {election_id} was recorded. Receipt: {submission_id}.",
		},
		domain.ChannelWhatsApp: {
			Body: "Vote recorded for election {election_id}. Receipt: {submission_id}.",
		},
	}}
}

func (r *TemplateRenderer) Render(_ context.Context, job domain.DispatchJob) (Message, error) {
	t, ok := r.Templates[job.Channel]
	if !ok || t.Body == "" {
		return Message{}, domain.PermanentSendError(ErrTemplateNotFound)
	}
	vars := map[string]string{
		"election_id":   strconv.FormatInt(job.ElectionID, 10),
		"voter_id":      strconv.FormatInt(job.VoterID, 10),
		"submission_id": job.SubmissionID,
	}
	return Message{
		Subject: util.RenderTemplate(t.Subject, vars),
		Body:    util.RenderTemplate(t.Body, vars),
	}, nil
}

// ShouldRetry decides whether a provider call may succeed if repeated.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil && httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) {
			return true
		}
		return false
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

// SendFailure wraps a provider error with its retry classification.
func SendFailure(err error, httpStatus int, code string) error {
	return &domain.SendError{
		Permanent:  !ShouldRetry(err, httpStatus),
		HTTPStatus: httpStatus,
		Code:       code,
		Err:        err,
	}
}
