package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIEndpoint is the Resend-compatible send endpoint.
const DefaultAPIEndpoint = "https://api.resend.com/emails"

// APISettings configure the HTTP email provider.
type APISettings struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
}

// ProviderError reports a non-2xx answer from the email API.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mail api: provider returned %d: %s", e.StatusCode, e.Body)
}

type apiMailer struct {
	cfg    APISettings
	client *http.Client
}

// NewAPIMailer builds a Mailer that posts JSON to an HTTP email API. A nil
// client uses a dedicated http.Client with cfg.Timeout.
func NewAPIMailer(cfg APISettings, client *http.Client) Mailer {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultAPIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &apiMailer{cfg: cfg, client: client}
}

func (m *apiMailer) Provider() string { return "api" }

func (m *apiMailer) Ready() error {
	if strings.TrimSpace(m.cfg.APIKey) == "" || strings.TrimSpace(m.cfg.From) == "" {
		return ErrNotConfigured
	}
	return nil
}

type apiSendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type apiSendResponse struct {
	ID string `json:"id"`
}

func (m *apiMailer) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := m.Ready(); err != nil {
		return Receipt{}, err
	}

	from, recipients, err := resolveEnvelope("mail api", msg, m.cfg.From)
	if err != nil {
		return Receipt{}, err
	}

	payload, err := json.Marshal(apiSendRequest{
		From:    from,
		To:      recipients,
		Subject: escapeHeader(msg.Subject),
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("mail api: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("mail api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("mail api: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("mail api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded apiSendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Receipt{}, fmt.Errorf("mail api: decode response: %w", err)
	}
	return Receipt{ID: decoded.ID}, nil
}
