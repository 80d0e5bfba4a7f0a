package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookChannel POSTs the message payload to a fixed URL. Retrying is the
// dispatcher's job, so the resty client is used without its own retries.
type WebhookChannel struct {
	client *resty.Client
	url    string
	secret string
}

func NewWebhookChannel(url, secret string, timeout time.Duration) (*WebhookChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url must be set")
	}
	return &WebhookChannel{
		client: resty.New().SetTimeout(timeout),
		url:    url,
		secret: secret,
	}, nil
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(msg); err != nil {
			return fmt.Errorf("encode webhook payload: %w", err)
		}
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-ID", msg.ID).
		SetHeader("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339)).
		SetBody(payload)
	if w.secret != "" {
		req.SetHeader("X-Webhook-Signature", "sha256="+SignPayload(payload, w.secret))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook non-2xx response: %d", resp.StatusCode())
	}
	return nil
}
