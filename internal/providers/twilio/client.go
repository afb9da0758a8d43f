package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"votedispatch/internal/providers"
)

// Client sends WhatsApp messages through the Twilio Messages API.
type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	FromNumber          string
	BaseURL             string
}

type SendRequest struct {
	To   string
	Body string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

const whatsappPrefix = "whatsapp:"

func whatsapp(addr string) string {
	if addr == "" || strings.HasPrefix(addr, whatsappPrefix) {
		return addr
	}
	return whatsappPrefix + addr
}

// Send implements providers.Sender.
func (c *Client) Send(ctx context.Context, to string, msg providers.Message) (providers.SendResult, error) {
	resp, status, err := c.SendMessage(ctx, SendRequest{To: to, Body: msg.Body})
	if err != nil {
		code := ""
		if resp.Code != 0 {
			code = strconv.Itoa(resp.Code)
		}
		return providers.SendResult{HTTPStatus: status}, providers.SendFailure(err, status, code)
	}
	return providers.SendResult{ProviderID: resp.Sid, HTTPStatus: status}, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResponse, int, error) {
	form := url.Values{}
	form.Set("To", whatsapp(req.To))
	form.Set("Body", req.Body)
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", whatsapp(c.FromNumber))
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, errors.New(out.Message)
		}
		return out, resp.StatusCode, errors.New("twilio send failed")
	}
	return out, resp.StatusCode, nil
}
