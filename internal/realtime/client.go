package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tbellucci/voicebridge/internal/reliability"
)

// UpstreamKind classifies signaling failures for the HTTP surface.
type UpstreamKind string

const (
	UpstreamInvalidFormat UpstreamKind = "invalid_format"
	UpstreamUnauthorized  UpstreamKind = "unauthorized"
	UpstreamUnavailable   UpstreamKind = "upstream_unavailable"
)

// UpstreamError is a credential-issuance or signaling failure.
type UpstreamError struct {
	Kind   UpstreamKind
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Detail)
}

func upstreamKindForStatus(status int) UpstreamKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return UpstreamUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return UpstreamInvalidFormat
	default:
		return UpstreamUnavailable
	}
}

// ClientSecret is a short-lived, single-connection upstream credential.
type ClientSecret struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionConfig describes the upstream session to create.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []ToolDefinition
}

const (
	secretRetryMax  = 3
	secretRetryBase = 250 * time.Millisecond
	secretRetryCap  = 2 * time.Second
	// Upstream secrets default to a short TTL; assume this when the response
	// does not carry an expiry.
	defaultSecretTTL = time.Minute
)

// Client talks to the upstream realtime signaling API: ephemeral client
// secrets and SDP exchange. It performs no session logic.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateClientSecret creates an upstream session and returns its ephemeral
// credential. Retryable upstream statuses are retried with capped backoff; a
// bounded number of attempts later the last error is surfaced.
func (c *Client) CreateClientSecret(ctx context.Context, cfg SessionConfig) (ClientSecret, error) {
	body := map[string]any{
		"session": map[string]any{
			"type":         "realtime",
			"model":        cfg.Model,
			"instructions": cfg.Instructions,
			"tools":        cfg.Tools,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ClientSecret{}, fmt.Errorf("marshal session config: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < secretRetryMax; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, secretRetryBase, secretRetryCap)
			select {
			case <-ctx.Done():
				return ClientSecret{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		secret, retryable, err := c.createSecretOnce(ctx, payload)
		if err == nil {
			return secret, nil
		}
		lastErr = err
		if !retryable {
			return ClientSecret{}, err
		}
	}
	return ClientSecret{}, lastErr
}

func (c *Client) createSecretOnce(ctx context.Context, payload []byte) (ClientSecret, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/client_secrets", bytes.NewReader(payload))
	if err != nil {
		return ClientSecret{}, false, fmt.Errorf("create secret request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ClientSecret{}, false, ctx.Err()
		}
		return ClientSecret{}, true, &UpstreamError{Kind: UpstreamUnavailable, Detail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		detail := readBody(res.Body)
		retryable := reliability.IsRetryableHTTPStatus(res.StatusCode)
		return ClientSecret{}, retryable, &UpstreamError{
			Kind:   upstreamKindForStatus(res.StatusCode),
			Status: res.StatusCode,
			Detail: detail,
		}
	}

	var parsed struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return ClientSecret{}, false, fmt.Errorf("decode client secret: %w", err)
	}
	if parsed.Value == "" {
		return ClientSecret{}, false, &UpstreamError{Kind: UpstreamUnavailable, Status: res.StatusCode, Detail: "empty client secret"}
	}

	expires := time.Now().Add(defaultSecretTTL)
	if parsed.ExpiresAt > 0 {
		expires = time.Unix(parsed.ExpiresAt, 0)
	}
	return ClientSecret{Value: parsed.Value, ExpiresAt: expires}, false, nil
}

// ExchangeSDP posts a local session description to the upstream call
// endpoint and returns the remote answer. bearer is the ephemeral client
// secret, not the API key.
func (c *Client) ExchangeSDP(ctx context.Context, offer []byte, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", bytes.NewReader(offer))
	if err != nil {
		return nil, fmt.Errorf("create sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/sdp")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Kind: UpstreamUnavailable, Detail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return nil, &UpstreamError{
			Kind:   upstreamKindForStatus(res.StatusCode),
			Status: res.StatusCode,
			Detail: readBody(res.Body),
		}
	}

	answer, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read sdp answer: %w", err)
	}
	return answer, nil
}

// Healthy reports whether the credential source is reachable with the
// configured key. The upstream has no ping endpoint, so presence of a key
// plus a resolvable base URL is the readiness bar.
func (c *Client) Healthy() bool {
	return c.apiKey != "" && c.baseURL != ""
}

func readBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return strings.TrimSpace(string(body))
}
