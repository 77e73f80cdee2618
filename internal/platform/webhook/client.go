// Package webhook posts signed JSON events to HTTP endpoints.
package webhook

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
	"time"

	"github.com/google/uuid"
)

// Event is the envelope posted to an endpoint.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DeliveryAttempt records the outcome of one POST.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	Signature    string        `json:"signature,omitempty"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success", "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

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

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host")
	}
	return nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSecret signs every payload with secret.
func WithSecret(secret string) ClientOption {
	return func(cl *Client) { cl.secret = secret }
}

// Client delivers events with a single attempt. Callers decide whether to retry.
type Client struct {
	httpClient *http.Client
	secret     string
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Post marshals event and POSTs it to target. A non-2xx response is returned
// as an error alongside the attempt.
func (c *Client) Post(ctx context.Context, target string, event Event) (*DeliveryAttempt, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event: %w", err)
	}

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		EventType: event.Type,
		EventID:   event.ID,
		CreatedAt: time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return c.fail(attempt, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", event.Timestamp.Format(time.RFC3339))
	if c.secret != "" {
		attempt.Signature = SignPayload(payload, c.secret)
		req.Header.Set("X-Webhook-Signature", "sha256="+attempt.Signature)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		return c.fail(attempt, err)
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fail(attempt, fmt.Errorf("non-2xx response: %d", resp.StatusCode))
	}
	attempt.Status = "success"
	return attempt, nil
}

func (c *Client) fail(attempt *DeliveryAttempt, err error) (*DeliveryAttempt, error) {
	attempt.Status = "failed"
	attempt.Error = err.Error()
	return attempt, err
}
