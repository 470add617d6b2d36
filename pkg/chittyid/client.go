package chittyid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/retry"
)

// statusCacheKey is the key-value entry holding the last known ecosystem
// status of the identifier authority.
const statusCacheKey = "chittyid:ecosystem_status"

// statusTimeout bounds the authority health probe.
const statusTimeout = 5 * time.Second

// StatusCache is the short-TTL key-value surface the client uses to avoid
// hammering the authority's status endpoint.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// EcosystemStatus is the authority's self-reported condition.
type EcosystemStatus struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}

// Client talks to the remote identifier authority. All identifiers are
// minted there; the client only gates, decodes, and re-validates.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	cache      StatusCache
	cacheTTL   time.Duration
	clock      contracts.Clock
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces the default retry budget.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStatusCache enables ecosystem status caching.
func WithStatusCache(cache StatusCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithClock overrides time for tests.
func WithClock(clock contracts.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient builds a Client for the authority at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
		cacheTTL:   time.Minute,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type mintRequest struct {
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type mintResponse struct {
	ID string `json:"id"`
}

// Mint requests a new identifier of the given kind and re-validates it
// before returning. An identifier that fails re-validation is never
// surfaced to callers.
func (c *Client) Mint(ctx context.Context, kind string, attrs map[string]string) (string, error) {
	var minted mintResponse
	err := retry.Do(ctx, c.policy, "mint:"+kind, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/v1/mint", mintRequest{Kind: kind, Attributes: attrs}, &minted)
	})
	if err != nil {
		return "", fmt.Errorf("chittyid: mint %s: %w", kind, err)
	}

	gate, err := FormatGate(minted.ID)
	if err != nil {
		return "", contracts.WrapFault(contracts.CodeFakeIdentifier,
			fmt.Sprintf("authority returned malformed identifier %q", minted.ID), err)
	}
	if gate.Reserved {
		return "", contracts.Faultf(contracts.CodeFakeIdentifier,
			"authority returned reserved identifier %q", gate.Normalized)
	}
	if !c.Validate(ctx, gate.Normalized) {
		return "", contracts.Faultf(contracts.CodeFakeIdentifier,
			"minted identifier %q failed re-validation", gate.Normalized)
	}
	return gate.Normalized, nil
}

// Validate decides whether an identifier is usable. The answer is a
// definitive boolean: fallback sentinels, reserved commands, format
// failures, and unreachable-authority cases all come back false.
//
// Order: fallback decode, reserved check, format gate, remote validate,
// and on remote failure a status probe before the final false.
func (c *Client) Validate(ctx context.Context, id string) bool {
	if status, ok := DecodeFallback(id); ok {
		c.logger.Warn("identifier is a fallback sentinel",
			"name", status.Name, "action", string(status.Action))
		return false
	}

	gate, err := FormatGate(id)
	if err != nil {
		return false
	}
	if gate.Reserved {
		// Reserved commands are never minted, so they never validate as
		// entity identifiers.
		return false
	}

	valid, err := c.remoteValidate(ctx, gate.Normalized)
	if err == nil {
		return valid
	}

	status, statusErr := c.Status(ctx)
	if statusErr != nil {
		c.logger.Warn("identifier validation and status probe both failed",
			"id", gate.Normalized, "validate_error", err, "status_error", statusErr)
		return false
	}
	c.logger.Warn("identifier validation failed, authority reachable",
		"id", gate.Normalized, "authority_status", status.Status, "error", err)
	return false
}

type validateRequest struct {
	ID string `json:"id"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

func (c *Client) remoteValidate(ctx context.Context, id string) (bool, error) {
	var out validateResponse
	err := retry.Do(ctx, c.policy, "validate:"+id, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/v1/validate", validateRequest{ID: id}, &out)
	})
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

// Status probes the authority's health endpoint, serving from the cache
// when one is configured.
func (c *Client) Status(ctx context.Context) (EcosystemStatus, error) {
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, statusCacheKey); err == nil && ok {
			var cached EcosystemStatus
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return EcosystemStatus{}, fmt.Errorf("chittyid: create status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return EcosystemStatus{}, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "identifier authority unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return EcosystemStatus{}, contracts.Faultf(contracts.CodeUpstreamUnavailable, "status endpoint returned %d", resp.StatusCode)
	}

	var status EcosystemStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return EcosystemStatus{}, fmt.Errorf("chittyid: decode status: %w", err)
	}
	status.CheckedAt = c.clock().UTC()

	if c.cache != nil {
		if raw, err := json.Marshal(status); err == nil {
			if err := c.cache.Set(ctx, statusCacheKey, string(raw), c.cacheTTL); err != nil {
				c.logger.Warn("failed to cache ecosystem status", "error", err)
			}
		}
	}
	return status, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("chittyid: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chittyid: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return contracts.WrapFault(contracts.CodeUpstreamUnavailable, "identifier authority unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests:
		return contracts.Faultf(contracts.CodeUpstreamRateLimited, "authority throttled %s", path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return contracts.Faultf(contracts.CodeUnauthenticated, "authority rejected credentials on %s", path)
	case resp.StatusCode >= 500:
		return contracts.Faultf(contracts.CodeUpstreamUnavailable, "authority returned %d on %s", resp.StatusCode, path)
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "authority returned %d on %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chittyid: decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
