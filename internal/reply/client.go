// ABOUTME: HTTP client for the reply-generation service
// ABOUTME: Always yields a reply text, substituting configured fallbacks on failure

package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Outcome classifies how a reply was obtained.
type Outcome string

const (
	OutcomeGenerated   Outcome = "generated"
	OutcomeEmpty       Outcome = "empty"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
)

// Fallbacks are the texts sent when the service does not produce a reply.
type Fallbacks struct {
	Default     string
	RateLimited string // HTTP 429
	Unavailable string // HTTP 402
}

// Config configures a Client.
type Config struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	Fallbacks Fallbacks
}

// Request is the body posted to the reply service.
type Request struct {
	TenantID string `json:"tenantId"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
}

type response struct {
	Reply string `json:"reply"`
}

// Client calls the reply service.
type Client struct {
	url       string
	apiKey    string
	timeout   time.Duration
	fallbacks Fallbacks
	client    *http.Client
	logger    *slog.Logger
}

// NewClient creates a reply client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		url:       strings.TrimSuffix(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		fallbacks: cfg.Fallbacks,
		client:    &http.Client{},
		logger:    logger.With("component", "reply"),
	}
}

// Reply returns the text to send back for an inbound message. It never fails:
// any error, timeout or empty answer yields a fallback text.
func (c *Client) Reply(ctx context.Context, req Request) (string, Outcome) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.call(ctx, req)
	if err != nil {
		return c.fallback(req.TenantID, err)
	}
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("reply service returned an empty reply", "tenant_id", req.TenantID)
		return c.fallbacks.Default, OutcomeEmpty
	}
	return text, OutcomeGenerated
}

// statusError carries a non-2xx response status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("reply service returned %d: %s", e.code, e.body)
}

func (c *Client) call(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &statusError{code: resp.StatusCode, body: string(snippet)}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return out.Reply, nil
}

func (c *Client) fallback(tenantID string, err error) (string, Outcome) {
	c.logger.Error("reply service call failed", "tenant_id", tenantID, "error", err)

	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusTooManyRequests:
			return c.fallbacks.RateLimited, OutcomeRateLimited
		case http.StatusPaymentRequired:
			return c.fallbacks.Unavailable, OutcomeUnavailable
		}
	}
	return c.fallbacks.Default, OutcomeFailed
}
