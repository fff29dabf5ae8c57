// Package alert pushes operational alerts to Slack and generic webhooks.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dexmeter/price-indexer/internal/metrics"
)

// Type categorizes the kind of alert.
type Type string

const (
	TypeProviderDown     Type = "PROVIDER_DOWN"
	TypeProviderRecovery Type = "PROVIDER_RECOVERY"
	TypeInferenceFailed  Type = "INFERENCE_FAILED"
	TypeDiscoveryFailed  Type = "DISCOVERY_FAILED"
)

// Alert is a single alert event.
type Alert struct {
	Type    Type
	Subject string // provider, deployment or network the alert is about
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// namedAlerter lets MultiAlerter label metrics per channel.
type namedAlerter interface {
	name() string
}

func channelName(a Alerter) string {
	if n, ok := a.(namedAlerter); ok {
		return n.name()
	}
	return "unknown"
}

// MultiAlerter fans an alert out to every configured channel. Alerts are
// deduplicated per (type, subject) within the cooldown window so a flapping
// provider produces one alert per window instead of one per failure.
type MultiAlerter struct {
	channels []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		channels: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

// suppressed reports whether the alert's cooldown window is still open and
// otherwise starts a new window.
func (m *MultiAlerter) suppressed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok && time.Since(last) < m.cooldown {
		return true
	}
	m.lastSent[key] = time.Now()
	return false
}

// Send dispatches alert to all channels. A failing channel does not stop
// the others; the first failure is returned.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := fmt.Sprintf("%s:%s", alert.Type, alert.Subject)
	if m.suppressed(key) {
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(channelName(ch), string(alert.Type)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", channelName(ch),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(channelName(ch), string(alert.Type)).Inc()
	}
	return firstErr
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, what string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", what, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) name() string { return "slack" }

func slackEmoji(t Type) string {
	switch t {
	case TypeProviderRecovery:
		return ":white_check_mark:"
	case TypeInferenceFailed:
		return ":rotating_light:"
	default:
		return ":warning:"
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	var text strings.Builder
	fmt.Fprintf(&text, "%s *[%s]* %s: %s\n%s",
		slackEmoji(alert.Type), alert.Type, alert.Subject, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text.WriteString("\n")
		for k, v := range alert.Fields {
			fmt.Fprintf(&text, "- *%s*: %s\n", k, v)
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": text.String()}, "slack")
}

// WebhookAlerter posts alerts to a generic HTTP endpoint as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) name() string { return "webhook" }

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":    string(alert.Type),
		"subject": alert.Subject,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload, "webhook")
}

// NoopAlerter is used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
