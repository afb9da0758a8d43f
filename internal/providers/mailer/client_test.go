package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votedispatch/internal/domain"
	"votedispatch/internal/providers"
)

func TestSendPostsMail(t *testing.T) {
	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, APIKey: "key", FromEmail: "no-reply@example.org", HTTP: srv.Client()}
	res, err := c.Send(context.Background(), "voter@example.org", providers.Message{Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.ProviderID)
	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "voter@example.org", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "s", got.Subject)
	assert.Equal(t, "b", got.Content[0].Value)
}

func TestSendRejectedAddressIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid email","field":"personalizations.0.to"}]}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.Send(context.Background(), "bad", providers.Message{Body: "b"})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid email")
}

func TestSendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := c.Send(context.Background(), "voter@example.org", providers.Message{Body: "b"})
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, domain.OutcomeTransientFailure, domain.ClassifySend(err).Kind)
}
