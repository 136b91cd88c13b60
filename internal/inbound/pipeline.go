// ABOUTME: Inbound message pipeline: filter, dedupe, persist, reply and deliver
// ABOUTME: The store's create-if-absent is the authoritative duplicate gate

package inbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wagate/internal/dedupe"
	"github.com/2389/wagate/internal/delivery"
	"github.com/2389/wagate/internal/engine"
	"github.com/2389/wagate/internal/reply"
	"github.com/2389/wagate/internal/store"
)

// Result describes what happened to one inbound message.
type Result string

const (
	ResultIgnored     Result = "ignored"     // own, group or non-text message
	ResultInvalid     Result = "invalid"     // missing id, sender or body
	ResultDuplicate   Result = "duplicate"   // already claimed or stored
	ResultDropped     Result = "dropped"     // the dedup gate could not be consulted
	ResultReplied     Result = "replied"     // reply delivered
	ResultUndelivered Result = "undelivered" // reply generated but not delivered
)

// DefaultMaxBodyLen caps inbound bodies, in runes.
const DefaultMaxBodyLen = 4000

// Replier produces reply text for an inbound message.
type Replier interface {
	Reply(ctx context.Context, req reply.Request) (string, reply.Outcome)
}

// Deliverer sends reply text over a connection.
type Deliverer interface {
	Deliver(ctx context.Context, conn delivery.Sender, recipient, text string) bool
}

// Config wires a Pipeline.
type Config struct {
	Store       store.Store
	Claims      *dedupe.Claims
	Replier     Replier
	Deliverer   Deliverer
	CountryCode string
	MaxBodyLen  int
	Logger      *slog.Logger
}

// Pipeline processes inbound messages for every tenant.
type Pipeline struct {
	store       store.Store
	persist     *store.BestEffort
	claims      *dedupe.Claims
	replier     Replier
	deliverer   Deliverer
	countryCode string
	maxBodyLen  int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	maxLen := cfg.MaxBodyLen
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLen
	}
	logger := cfg.Logger.With("component", "inbound")

	return &Pipeline{
		store:       cfg.Store,
		persist:     store.NewBestEffort(cfg.Store, cfg.Logger),
		claims:      cfg.Claims,
		replier:     cfg.Replier,
		deliverer:   cfg.Deliverer,
		countryCode: cfg.CountryCode,
		maxBodyLen:  maxLen,
		logger:      logger,
		now:         time.Now,
	}
}

// Handle processes one message received on conn for tenantID. It never
// panics and never returns an error; the Result is for logging and tests.
func (p *Pipeline) Handle(ctx context.Context, tenantID string, conn delivery.Sender, msg *engine.InboundMessage) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic processing inbound message", "tenant_id", tenantID, "panic", r)
			result = ResultDropped
		}
	}()

	if msg == nil {
		return ResultInvalid
	}
	logger := p.logger.With("tenant_id", tenantID, "message_id", msg.ID)

	if msg.FromMe || isGroup(msg) || msg.Type != engine.MessageTypeChat {
		logger.Debug("ignoring message", "from_me", msg.FromMe, "group", isGroup(msg), "type", msg.Type)
		return ResultIgnored
	}

	body := delivery.Truncate(strings.TrimSpace(msg.Body), p.maxBodyLen)
	peer := reply.NormalizePeer(msg.From, p.countryCode)
	if msg.ID == "" || peer == "" || body == "" {
		logger.Warn("dropping malformed message", "has_id", msg.ID != "", "has_sender", peer != "", "has_body", body != "")
		return ResultInvalid
	}

	if !p.claims.Claim(tenantID, msg.ID) {
		logger.Debug("duplicate message ignored (in flight)")
		return ResultDuplicate
	}

	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}

	err := p.store.CreateMessage(ctx, &store.MessageRecord{
		TenantID:  tenantID,
		ID:        msg.ID,
		Direction: store.DirectionIn,
		Peer:      peer,
		Text:      body,
		Raw:       msg.Raw,
		CreatedAt: receivedAt,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		logger.Debug("duplicate message ignored (stored)")
		return ResultDuplicate
	}
	if err != nil {
		// Without the gate a reply could be sent twice; drop and allow redelivery.
		p.claims.Release(tenantID, msg.ID)
		logger.Error("dedup gate unavailable, dropping message", "error", err)
		return ResultDropped
	}

	logger.Info("received message", "peer", peer, "length", len(body))

	// Only a first observation touches the conversation.
	convID := p.persist.UpsertConversation(ctx, tenantID, peer, receivedAt)
	p.persist.LinkConversation(ctx, tenantID, msg.ID, convID)

	text, outcome := p.replier.Reply(ctx, reply.Request{
		TenantID: tenantID,
		Sender:   peer,
		Text:     body,
	})

	recipient := msg.Chat
	if recipient == "" {
		recipient = msg.From
	}
	delivered := p.deliverer.Deliver(ctx, conn, recipient, text)

	now := p.now()
	p.persist.AppendDelivery(ctx, &store.DeliveryRecord{
		TenantID:  tenantID,
		MessageID: msg.ID,
		Text:      text,
		Delivered: delivered,
		CreatedAt: now,
	})
	p.persist.SaveOutbound(ctx, &store.MessageRecord{
		TenantID:       tenantID,
		ID:             uuid.New().String(),
		ConversationID: convID,
		Direction:      store.DirectionOut,
		Peer:           peer,
		Text:           text,
		Delivered:      delivered,
		Raw: map[string]string{
			"in_reply_to":   msg.ID,
			"reply_outcome": string(outcome),
		},
		CreatedAt: now,
	})

	if !delivered {
		logger.Warn("reply not delivered", "outcome", outcome)
		return ResultUndelivered
	}
	logger.Info("reply delivered", "outcome", outcome)
	return ResultReplied
}

func isGroup(msg *engine.InboundMessage) bool {
	return msg.IsGroup || strings.HasSuffix(msg.From, "@g.us") || strings.HasSuffix(msg.Chat, "@g.us")
}
