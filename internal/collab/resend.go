package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// DefaultResendURL is the Resend API base.
const DefaultResendURL = "https://api.resend.com"

var ErrNoRecipient = errors.New("collab: email has no recipient")

// ResendClient sends email through the Resend HTTP API.
type ResendClient struct {
	apiKey  string
	from    string
	baseURL string
	http    *http.Client
}

// ResendOption customises a ResendClient.
type ResendOption func(*ResendClient)

// WithBaseURL points the client at another endpoint (tests, proxies).
func WithBaseURL(u string) ResendOption {
	return func(c *ResendClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) ResendOption {
	return func(c *ResendClient) { c.http = h }
}

// NewResendClient returns a client sending as from.
func NewResendClient(apiKey, from string, opts ...ResendOption) *ResendClient {
	c := &ResendClient{
		apiKey:  apiKey,
		from:    from,
		baseURL: DefaultResendURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ResendError is a non-2xx answer from the API.
type ResendError struct {
	Status  int
	Name    string
	Message string
}

func (e *ResendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("resend: status %d", e.Status)
	}
	return fmt.Sprintf("resend: status %d: %s", e.Status, e.Message)
}

// Send implements EmailSender.
func (c *ResendClient) Send(ctx context.Context, email Email) (string, error) {
	if strings.TrimSpace(email.To) == "" {
		return "", ErrNoRecipient
	}

	body := resendRequest{
		From:    c.from,
		To:      splitRecipients(email.To),
		Subject: email.Subject,
		HTML:    email.HTML,
	}
	names := make([]string, 0, len(email.Tags))
	for k := range email.Tags {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		body.Tags = append(body.Tags, resendTag{Name: k, Value: email.Tags[k]})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out resendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ResendError{Status: resp.StatusCode, Name: out.Name, Message: out.Message}
	}
	if out.ID == "" {
		return "", fmt.Errorf("resend: response has no message id")
	}
	return out.ID, nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
