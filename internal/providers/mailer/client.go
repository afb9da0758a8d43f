package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"votedispatch/internal/providers"
)

// Client posts mail to a SendGrid-style v3 HTTP API.
type Client struct {
	BaseURL   string
	APIKey    string
	FromEmail string
	HTTP      *http.Client
}

type address struct {
	Email string `json:"email"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// Send implements providers.Sender.
func (c *Client) Send(ctx context.Context, to string, msg providers.Message) (providers.SendResult, error) {
	body, err := json.Marshal(sendRequest{
		Personalizations: []personalization{{To: []address{{Email: to}}}},
		From:             address{Email: c.FromEmail},
		Subject:          msg.Subject,
		Content:          []content{{Type: "text/plain", Value: msg.Body}},
	})
	if err != nil {
		return providers.SendResult{}, providers.SendFailure(err, 0, "")
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return providers.SendResult{}, providers.SendFailure(err, 0, "")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return providers.SendResult{}, providers.SendFailure(err, 0, "")
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providers.SendResult{HTTPStatus: resp.StatusCode},
			providers.SendFailure(errorFrom(b, resp.StatusCode), resp.StatusCode, "")
	}
	return providers.SendResult{
		ProviderID: resp.Header.Get("X-Message-Id"),
		HTTPStatus: resp.StatusCode,
	}, nil
}

func errorFrom(body []byte, status int) error {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && len(er.Errors) > 0 {
		return errors.New(er.Errors[0].Message)
	}
	return fmt.Errorf("mail send failed: http %d", status)
}
