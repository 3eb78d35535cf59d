package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field keeps it compatible with Slack/Discord/Teams incoming webhooks while
// "payload" carries structured data for custom integrations.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookSender delivers notifications via an outbound HTTP POST. When a
// secret is configured the request body is signed with HMAC-SHA256 so the
// receiver can verify authenticity.
type webhookSender struct {
	cfg    WebhookConfig
	client *http.Client
}

func newWebhookSender(cfg WebhookConfig) *webhookSender {
	return &webhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send serializes the notification as JSON and POSTs it to the configured
// URL. Non-2xx responses are delivery failures.
func (s *webhookSender) Send(ctx context.Context, notifType, title, body string, payload map[string]any) error {
	data, err := json.Marshal(webhookPayload{
		Type:      notifType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build webhook request: %s", ErrSendFailed, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tidevault-Webhook/1.0")

	// The signature goes in X-Tidevault-Signature as "sha256=<hex>",
	// following the convention used by GitHub and Stripe webhooks.
	if s.cfg.Secret != "" {
		sig := hmacSHA256(data, s.cfg.Secret)
		req.Header.Set("X-Tidevault-Signature", "sha256="+sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}

	return nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using secret,
// returned as a lowercase hex string.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
