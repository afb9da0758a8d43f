package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

type twilioResponse struct {
	Sid     string `json:"sid,omitempty"`
	Status  string `json:"status"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type mailError struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type mailErrorResponse struct {
	Errors []mailError `json:"errors"`
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

// outcome is the scripted reply for one send.
type outcome struct {
	kind    string
	status  int
	code    int
	message string
}

type server struct {
	cfg   config
	idx   uint64
	sent  uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func newServer(cfg config, rng *rand.Rand) *server {
	return &server{cfg: cfg, rng: rng}
}

func (s *server) routes(r *mux.Router) {
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleTwilio).Methods(http.MethodPost)
	r.HandleFunc("/v3/mail/send", s.handleMail).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

func (s *server) handleTwilio(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		s.pace(r.Context(), start)
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.pace(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("Body") == "" {
		s.pace(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		s.pace(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	out, ok := s.play(r.Context(), start)
	if !ok {
		return
	}
	if out.status >= 300 {
		writeTwilioError(w, out.status, out.code, out.message)
		return
	}
	n := atomic.AddUint64(&s.sent, 1)
	writeJSON(w, http.StatusCreated, twilioResponse{Sid: fmt.Sprintf("SM%06d", n), Status: "queued"})
}

func (s *server) handleMail(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Header.Get("Authorization") != "Bearer "+s.cfg.MailerKey {
		s.pace(r.Context(), start)
		writeMailError(w, http.StatusUnauthorized, "authorization required", "")
		return
	}
	var body struct {
		Personalizations []struct {
			To []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.pace(r.Context(), start)
		writeMailError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if len(body.Personalizations) == 0 || len(body.Personalizations[0].To) == 0 ||
		!strings.Contains(body.Personalizations[0].To[0].Email, "@") {
		s.pace(r.Context(), start)
		writeMailError(w, http.StatusBadRequest, "does not contain a valid address", "personalizations.0.to.0.email")
		return
	}

	out, ok := s.play(r.Context(), start)
	if !ok {
		return
	}
	if out.status >= 300 {
		writeMailError(w, out.status, out.message, "")
		return
	}
	n := atomic.AddUint64(&s.sent, 1)
	w.Header().Set("X-Message-Id", fmt.Sprintf("mock-%06d", n))
	w.WriteHeader(http.StatusAccepted)
}

// play picks the next outcome and applies its latency. It reports false when
// the client went away before a reply was due.
func (s *server) play(ctx context.Context, start time.Time) (outcome, bool) {
	if s.cfg.Delay > 0 && !sleepCtx(ctx, s.cfg.Delay) {
		return outcome{}, false
	}
	out := classifyOutcome(s.nextOutcome())
	if out.kind == "timeout" {
		if !sleepCtx(ctx, s.cfg.TimeoutDelay) {
			return outcome{}, false
		}
		return out, true
	}
	s.pace(ctx, start)
	return out, true
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// pace stretches a reply to a latency drawn from [MinLatency, MaxLatency].
func (s *server) pace(ctx context.Context, start time.Time) {
	lo, hi := s.cfg.MinLatency, s.cfg.MaxLatency
	if hi <= 0 {
		return
	}
	elapsed := time.Since(start)
	if elapsed >= lo {
		return
	}

	s.rngMu.Lock()
	target := lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
	s.rngMu.Unlock()

	if remain := target - elapsed; remain > 0 {
		sleepCtx(ctx, remain)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// classifyOutcome maps tokens like "ok", "rate_limit" or "bad_request:21211"
// to the reply the mock gives.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeRaw, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeRaw)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	switch kind {
	case "ok", "success":
		return outcome{kind: "ok", status: http.StatusCreated}
	case "rate_limit", "429":
		return outcome{kind: "rate_limit", status: http.StatusTooManyRequests, code: withCode(20429), message: "Too Many Requests"}
	case "bad_request", "permanent", "400":
		return outcome{kind: "bad_request", status: http.StatusBadRequest, code: withCode(21211), message: "Invalid 'To' Phone Number"}
	case "server_error", "500":
		return outcome{kind: "server_error", status: http.StatusInternalServerError, code: withCode(20500), message: "Internal Server Error"}
	case "unavailable", "503":
		return outcome{kind: "unavailable", status: http.StatusServiceUnavailable, code: withCode(20503), message: "Service Unavailable"}
	case "timeout":
		return outcome{kind: "timeout", status: http.StatusGatewayTimeout, code: withCode(20429), message: "Request timed out"}
	default:
		return outcome{kind: kind, status: http.StatusInternalServerError, code: withCode(30008), message: "mock error: " + kind}
	}
}

func writeTwilioError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, twilioResponse{Status: "failed", Code: code, Message: msg})
}

func writeMailError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, mailErrorResponse{Errors: []mailError{{Message: msg, Field: field}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]weightedOutcome, 0, len(parts))
	for _, p := range parts {
		kind, raw, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || w <= 0 {
			continue
		}
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: kind, Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "rate_limit"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
