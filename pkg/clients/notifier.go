package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const notifierComponent = "notification-webhook"

// NotifierConfig configures the outbound notification webhook.
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	// RatePerSecond caps outbound notifications so an escalation storm
	// cannot flood the channel downstream.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Timeout:       10 * time.Second,
		RatePerSecond: 5,
		Burst:         20,
	}
}

// notification is the webhook wire shape.
type notification struct {
	EventType  string          `json:"event_type"`
	Recipients []workflow.Role `json:"recipients"`
	Payload    interface{}     `json:"payload,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// WebhookNotifier delivers workflow notifications to a configured webhook.
// Emit is fire-and-forget: delivery happens on a background goroutine, a
// failed post is logged and dropped, and the caller is never blocked.
type WebhookNotifier struct {
	config     NotifierConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.StructuredLogger
}

func NewWebhookNotifier(config NotifierConfig, logger *logging.StructuredLogger) *WebhookNotifier {
	return &WebhookNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		logger:     logger.WithComponent(notifierComponent),
	}
}

// Emit queues one notification. The passed context only scopes the send
// attempt, not the caller's lifetime.
func (n *WebhookNotifier) Emit(ctx context.Context, eventType string, recipients []workflow.Role, payload interface{}) {
	if n.config.WebhookURL == "" {
		n.logger.InfoWithContext("notification (no webhook configured)",
			"event_type", eventType,
			"recipients", recipients,
		)
		return
	}

	msg := notification{
		EventType:  eventType,
		Recipients: recipients,
		Payload:    payload,
		EmittedAt:  time.Now(),
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.config.Timeout+5*time.Second)
		defer cancel()

		if err := n.limiter.Wait(sendCtx); err != nil {
			n.logger.WarnWithContext("notification dropped by rate limiter", "event_type", eventType)
			return
		}
		if err := n.post(sendCtx, msg); err != nil {
			n.logger.ErrorWithContext("notification delivery failed", err, "event_type", eventType)
		}
	}()
}

func (n *WebhookNotifier) post(ctx context.Context, msg notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		n.logger.WarnWithContext("webhook returned non-success",
			"status", resp.StatusCode,
			"event_type", msg.EventType,
		)
	}
	return nil
}
