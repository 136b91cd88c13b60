// ABOUTME: In-memory fan-out of session status changes
// ABOUTME: Subscribers register per tenant and receive Info snapshots as transitions are accepted

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for session status changes keyed by
// tenant id. Slow subscribers miss events rather than block the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Info // tenantID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Info),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for status changes of one tenant. The channel is
// closed when ctx ends, on Unsubscribe or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan Info, string) {
	subID := uuid.New().String()
	ch := make(chan Info, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan Info)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish delivers info to every subscriber of its tenant without blocking.
func (b *Broadcaster) Publish(info Info) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[info.TenantID] {
		select {
		case ch <- info:
		default:
			b.logger.Debug("dropped status for slow subscriber",
				"tenant_id", info.TenantID,
				"sub_id", subID,
				"status", info.Status)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}
	b.closed = true
}
