// ABOUTME: Outbound text delivery with truncation and a single fixed-delay retry
// ABOUTME: Reports success as a bool; send failures are logged, never returned

package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults applied when the config leaves values at zero.
const (
	DefaultMaxLen  = 4000
	DefaultBackoff = 400 * time.Millisecond
)

// Sender is the part of a connection delivery needs.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Deliverer sends texts with at most one retry.
type Deliverer struct {
	maxLen  int
	backoff time.Duration
	logger  *slog.Logger
}

// New creates a Deliverer. maxLen is measured in runes.
func New(maxLen int, wait time.Duration, logger *slog.Logger) *Deliverer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if wait <= 0 {
		wait = DefaultBackoff
	}
	return &Deliverer{
		maxLen:  maxLen,
		backoff: wait,
		logger:  logger.With("component", "delivery"),
	}
}

// Deliver sends text to recipient, truncated to the configured length. On
// failure it waits the fixed backoff and tries exactly once more. It returns
// whether a send succeeded.
func (d *Deliverer) Deliver(ctx context.Context, conn Sender, recipient, text string) bool {
	text = Truncate(text, d.maxLen)

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.backoff), 1),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		attempt++
		return conn.SendText(ctx, recipient, text)
	}, policy, func(err error, wait time.Duration) {
		d.logger.Warn("send failed, retrying",
			"recipient", recipient, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		d.logger.Error("delivery failed",
			"recipient", recipient, "attempts", attempt, "error", err)
		return false
	}
	return true
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
