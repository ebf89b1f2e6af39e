package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Webhook request headers.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookEventID   = "X-Webhook-ID"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
)

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature, with or without the "sha256="
// prefix, matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookSink POSTs every event as JSON to an external endpoint, such as a
// hospital paging system. Requests carry an HMAC signature when a secret is set.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(rawURL, secret string, client *http.Client) (*WebhookSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: rawURL, secret: secret, client: client}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookEventID, ev.ID)
	req.Header.Set(HeaderWebhookTimestamp, time.Now().UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(HeaderWebhookSignature, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
