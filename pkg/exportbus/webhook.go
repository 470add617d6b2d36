package exportbus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultDispatchTimeout bounds one webhook delivery.
const DefaultDispatchTimeout = 10 * time.Second

// SignatureHeader carries the payload HMAC on outbound webhooks.
const SignatureHeader = "X-Chitty-Signature"

// DeriveSinkKey derives a sink's signing key from the master export secret
// via HKDF-SHA256, bound to the sink's credential reference. Rotating the
// master secret rotates every sink key at once.
func DeriveSinkKey(master []byte, credentialRef string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("exportbus: empty master secret")
	}
	r := hkdf.New(sha256.New, master, nil, []byte("chitty-export:"+credentialRef))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("exportbus: derive sink key: %w", err)
	}
	return key, nil
}

// Sign computes the webhook signature: sha256=<hex-HMAC-SHA256(key, body)>.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(key, body []byte, signature string) bool {
	expected := Sign(key, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookDispatcher posts signed bodies to sink targets.
type WebhookDispatcher struct {
	client  *http.Client
	master  []byte
	timeout time.Duration
}

// DispatcherOption configures a WebhookDispatcher.
type DispatcherOption func(*WebhookDispatcher)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *WebhookDispatcher) { d.client = client }
}

// WithDispatchTimeout overrides the per-delivery timeout.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *WebhookDispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewWebhookDispatcher builds a dispatcher signing with keys derived from
// the master secret.
func NewWebhookDispatcher(master []byte, opts ...DispatcherOption) *WebhookDispatcher {
	d := &WebhookDispatcher{
		client:  &http.Client{},
		master:  master,
		timeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements Dispatcher. Non-2xx responses are delivery failures so
// the bus retries them.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, sink Sink, body []byte) error {
	key, err := DeriveSinkKey(d.master, sink.CredentialRef)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(key, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", sink.Name, resp.StatusCode)
	}
	return nil
}
