package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Email struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Context map[string]string `json:"context,omitempty"`
}

type SMS struct {
	To      string            `json:"to"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// EmailSender delivers one email and returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, e Email) (string, error)
}

// SMSSender delivers one text message and returns the provider message id.
type SMSSender interface {
	SendSMS(ctx context.Context, m SMS) (string, error)
}

// DefaultTimeout bounds a gateway call when Provider.Client is nil.
const DefaultTimeout = 30 * time.Second

// Provider talks to an HTTP messaging gateway. Each send is a JSON POST and the
// gateway answers {"success":bool,"messageId":string,"error":string}.
type Provider struct {
	EmailURL string
	SMSURL   string
	APIKey   string
	Client   *http.Client
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func (p *Provider) SendEmail(ctx context.Context, e Email) (string, error) {
	if e.To == "" {
		return "", errors.New("email recipient is required")
	}
	return p.post(ctx, p.EmailURL, e)
}

func (p *Provider) SendSMS(ctx context.Context, m SMS) (string, error) {
	if m.To == "" {
		return "", errors.New("sms recipient is required")
	}
	return p.post(ctx, p.SMSURL, m)
}

func (p *Provider) post(ctx context.Context, url string, body any) (string, error) {
	if url == "" {
		return "", errors.New("messaging endpoint is not configured")
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("invalid gateway response: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "gateway rejected message"
		}
		return "", errors.New(out.Error)
	}
	return out.MessageID, nil
}

func (p *Provider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// DryRun logs messages instead of sending them.
type DryRun struct{}

func (DryRun) SendEmail(ctx context.Context, e Email) (string, error) {
	if e.To == "" {
		return "", errors.New("email recipient is required")
	}
	id := "dry_" + uuid.NewString()
	log.Info().Str("message_id", id).Str("to", e.To).Str("subject", e.Subject).Msg("dry-run email")
	return id, nil
}

func (DryRun) SendSMS(ctx context.Context, m SMS) (string, error) {
	if m.To == "" {
		return "", errors.New("sms recipient is required")
	}
	id := "dry_" + uuid.NewString()
	log.Info().Str("message_id", id).Str("to", m.To).Int("length", len(m.Message)).Msg("dry-run sms")
	return id, nil
}
