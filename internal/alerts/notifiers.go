package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// Notifier is the operator notification channel.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// LogNotifier writes alerts to the structured log. It is the default channel.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	if n == nil || n.logg == nil {
		return errors.New("log notifier not initialized")
	}
	ctx = n.logg.WithFields(ctx, map[string]any{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	})
	n.logg.Warn(ctx, "operator alert")
	return nil
}

type webhookPayload struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// WebhookNotifier POSTs alerts as JSON, retrying 5xx and transport errors briefly.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	retries uint64
	backoff time.Duration
}

func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: 2,
		backoff: 200 * time.Millisecond,
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(n.retries, retry.NewExponential(n.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return n.post(ctx, payload)
	})
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payment-reconciler-alerts/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("alert webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
}

type publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

// PubSubNotifier fans alerts out on a Pub/Sub topic for paging integrations.
type PubSubNotifier struct {
	pub   publisher
	topic string
}

func NewPubSubNotifier(pub publisher, topic string) (*PubSubNotifier, error) {
	if pub == nil {
		return nil, errors.New("pubsub publisher required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("pubsub alerts topic required")
	}
	return &PubSubNotifier{pub: pub, topic: topic}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	data, err := json.Marshal(webhookPayload{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = n.pub.Publish(ctx, n.topic, data, map[string]string{"recipient": recipient})
	return err
}
