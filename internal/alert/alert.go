package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Error    Level = "error"
	Critical Level = "critical"
)

// Notifier raises a user-visible alert. Implementations must not block the
// caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, level Level, title, description string)
}

// Logger emits alerts as structured log lines.
type Logger struct{}

func (Logger) Notify(ctx context.Context, level Level, title, description string) {
	ev := log.Info()
	switch level {
	case Warning:
		ev = log.Warn()
	case Error, Critical:
		ev = log.Error()
	}
	ev.Str("alert_level", string(level)).Str("title", title).Msg(description)
}

// Multi fans an alert out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, level Level, title, description string) {
	for _, n := range m {
		n.Notify(ctx, level, title, description)
	}
}

// Webhook posts alerts as JSON to an incoming-webhook URL. Delivery errors are
// logged and dropped.
type Webhook struct {
	URL    string
	Client *http.Client
}

type webhookBody struct {
	Level       Level     `json:"level"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

func (w *Webhook) Notify(ctx context.Context, level Level, title, description string) {
	buf, err := json.Marshal(webhookBody{Level: level, Title: title, Description: description, At: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Msg("encode alert")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(buf))
	if err != nil {
		log.Error().Err(err).Msg("build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("title", title).Msg("alert webhook failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("title", title).Msg("alert webhook rejected")
	}
}
