package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"votedispatch/internal/domain"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/store"
	"votedispatch/internal/vote"
)

const maxMetricHours = 168

type Acceptor interface {
	Accept(ctx context.Context, sub domain.Submission) (domain.SubmitResponse, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, statusKey string) (domain.StatusResponse, error)
}

type QueueReporter interface {
	Stats(ctx context.Context, ch domain.Channel) (ratelimit.QueueStats, error)
	Metrics(ctx context.Context, ch domain.Channel, hours int) ([]domain.MetricSample, error)
}

type API struct {
	Intake Acceptor
	Status StatusReader
	Queues QueueReporter
	Logger *slog.Logger
}

type submitRequest struct {
	VoterID int64           `json:"voterId"`
	Answers json.RawMessage `json:"answers"`
	Contact domain.Contacts `json:"contact"`
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/elections/{electionID}/votes", a.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/votes/status/{statusKey}", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/queues/{channel}/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/queues/{channel}/metrics", a.handleMetrics).Methods(http.MethodGet)
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	electionID, err := strconv.ParseInt(mux.Vars(r)["electionID"], 10, 64)
	if err != nil || electionID <= 0 {
		http.Error(w, ErrInvalidID, http.StatusBadRequest)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Intake.Accept(r.Context(), domain.Submission{
		ElectionID: electionID,
		VoterID:    req.VoterID,
		Answers:    req.Answers,
		Origin: domain.OriginMeta{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		},
		Contacts: req.Contact,
	})
	switch {
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrInvalidAnswers):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, vote.ErrIntakeClosed):
		http.Error(w, ErrUnavailable, http.StatusServiceUnavailable)
		return
	case err != nil:
		a.logger().Error("accept submission failed", "err", err, "election_id", electionID, "voter_id", req.VoterID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["statusKey"]
	st, err := a.Status.GetStatus(r.Context(), key)
	switch {
	case errors.Is(err, domain.ErrInvalidStatusKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	case err != nil:
		a.logger().Error("get status failed", "err", err, "status_key", key)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ch, err := domain.ParseChannel(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, ErrUnknownChannel, http.StatusNotFound)
		return
	}
	stats, err := a.Queues.Stats(r.Context(), ch)
	if err != nil {
		a.logger().Error("queue stats failed", "err", err, "channel", ch)
		status := http.StatusBadGateway
		if errors.Is(err, ratelimit.ErrLimiterUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, ErrDependency, status)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ch, err := domain.ParseChannel(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, ErrUnknownChannel, http.StatusNotFound)
		return
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err = strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > maxMetricHours {
			http.Error(w, ErrInvalidHours, http.StatusBadRequest)
			return
		}
	}
	samples, err := a.Queues.Metrics(r.Context(), ch, hours)
	if err != nil {
		a.logger().Error("queue metrics failed", "err", err, "channel", ch, "hours", hours)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if samples == nil {
		samples = []domain.MetricSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop set by the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
