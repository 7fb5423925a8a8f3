package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/emperorhan/custody-ledger/internal/retry"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeStaleExecution AlertType = "STALE_EXECUTION"
	AlertTypeRejected       AlertType = "REQUEST_REJECTED"
	AlertTypeReconcileErr   AlertType = "RECONCILE_MISMATCH"
	AlertTypeFeedDown       AlertType = "HISTORY_FEED_DOWN"
	AlertTypeFeedRecovered  AlertType = "HISTORY_FEED_RECOVERED"
)

// Alert represents a single alert event.
type Alert struct {
	Type      AlertType
	AssetID   string
	Operation string
	Title     string
	Message   string
	Fields    map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	nowFn    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		nowFn:    time.Now,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.AssetID, a.Operation)
}

// Send dispatches alert to all channels, respecting cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	now := m.nowFn()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"asset_id", alert.AssetID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	case *LogAlerter:
		return "log"
	default:
		return "unknown"
	}
}

// SlackAlerter sends alerts to a Slack webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
	policy     retry.Policy
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		policy:     retry.DefaultPolicy,
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeFeedRecovered:
		emoji = ":white_check_mark:"
	case AlertTypeStaleExecution:
		emoji = ":hourglass:"
	case AlertTypeRejected:
		emoji = ":no_entry:"
	case AlertTypeReconcileErr:
		emoji = ":scales:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s", emoji, alert.Type, alert.Title)
	if alert.AssetID != "" {
		fmt.Fprintf(&b, " (asset %s)", alert.AssetID)
	}
	fmt.Fprintf(&b, "\n%s", alert.Message)

	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.policy, s.webhookURL, map[string]string{"text": b.String()}, "slack")
}

// WebhookAlerter sends alerts to a generic HTTP webhook.
type WebhookAlerter struct {
	url    string
	client *http.Client
	policy retry.Policy
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.DefaultPolicy,
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":      string(alert.Type),
		"asset_id":  alert.AssetID,
		"operation": alert.Operation,
		"title":     alert.Title,
		"message":   alert.Message,
		"fields":    alert.Fields,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.policy, w.url, payload, "webhook")
}

// postJSON delivers payload, retrying 429s, 5xx replies and dial failures
// under policy.
func postJSON(ctx context.Context, client *http.Client, policy retry.Policy, url string, payload any, channel string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Terminal(fmt.Errorf("create %s request: %w", channel, err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("send %s alert: %w", channel, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.StatusError{Channel: channel, Code: resp.StatusCode}
		}
		return nil
	})
}

// LogAlerter writes alerts to the structured log. Used when no external
// channel is configured so alerts still leave a trace.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alerter")}
}

func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	l.logger.Warn(alert.Title,
		"type", alert.Type,
		"asset_id", alert.AssetID,
		"operation", alert.Operation,
		"message", alert.Message,
		"fields", alert.Fields,
	)
	return nil
}

// NoopAlerter does nothing.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
