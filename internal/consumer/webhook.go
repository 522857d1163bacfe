package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/leaseq/internal/queue"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body when the
// subscription has a secret.
const SignatureHeader = "X-LeaseQ-Signature"

// WebhookPayload is the JSON body POSTed to a webhook URL.
type WebhookPayload struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Body          string            `json:"body"` // base64-encoded
	ReceiptHandle string            `json:"receipt_handle"`
	ReceiveCount  int               `json:"receive_count"`
	EnqueuedAt    int64             `json:"enqueued_at"` // Unix ms
	GroupKey      string            `json:"group_key,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// WebhookHandler delivers each message by POSTing it to URL. An HTTP 200
// response acks the message; any other status or a transport error nacks
// it.
type WebhookHandler struct {
	URL    string
	Secret string

	// Client sends the requests. If it is nil, a client with a 10s timeout
	// is used.
	Client *http.Client
}

var defaultWebhookClient = &http.Client{Timeout: 10 * time.Second}

// Handle implements Handler.
func (h *WebhookHandler) Handle(ctx context.Context, d queue.Delivery) (Outcome, error) {
	body, err := json.Marshal(WebhookPayload{
		ID:            d.ID,
		Queue:         d.Queue,
		Body:          base64.StdEncoding.EncodeToString(d.Body),
		ReceiptHandle: d.ReceiptHandle,
		ReceiveCount:  d.ReceiveCount,
		EnqueuedAt:    d.EnqueuedAt.UnixMilli(),
		GroupKey:      d.GroupKey,
		Attributes:    d.Attributes,
	})
	if err != nil {
		return Nack, fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Nack, fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.Secret, body))
	}

	client := h.Client
	if client == nil {
		client = defaultWebhookClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Nack, fmt.Errorf("consumer: POST to %s: %w", h.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Nack, fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return Ack, nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body under secret.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}
