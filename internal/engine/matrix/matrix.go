// ABOUTME: Matrix engine on mautrix, one logged-in client per tenant
// ABOUTME: Maps whoami and sync progress to lifecycle events and room messages to inbound messages

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/wagate/internal/engine"
)

// Engine opens Matrix clients from credentials in each tenant's profile directory.
type Engine struct {
	logger *slog.Logger
}

// New creates a Matrix engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("engine", "matrix")}
}

// Open loads the tenant's credentials and builds a client.
func (e *Engine) Open(ctx context.Context, opts engine.Options) (engine.Conn, error) {
	creds, err := LoadCredentials(opts.ProfileDir)
	if err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Conn{
		client:  client,
		userID:  id.UserID(creds.UserID),
		handler: opts.Handler,
		logger:  e.logger.With("tenant_id", opts.TenantID),
	}, nil
}

// Conn is one tenant's Matrix client.
type Conn struct {
	client  *mautrix.Client
	userID  id.UserID
	handler engine.Handler
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ready  bool
	closed bool
}

var _ engine.Conn = (*Conn)(nil)

// Connect verifies the token and starts syncing in the background.
func (c *Conn) Connect(ctx context.Context) error {
	if _, err := c.client.Whoami(ctx); err != nil {
		if errors.Is(err, mautrix.MUnknownToken) {
			c.emit(engine.Event{Kind: engine.EventAuthFailure, Reason: "UNKNOWN_TOKEN"})
			return nil
		}
		return fmt.Errorf("whoami: %w", err)
	}
	c.emit(engine.Event{Kind: engine.EventAuthenticated})

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.client.Syncer)
	}
	syncer.OnSync(c.onSync)
	syncer.OnEventType(event.EventMessage, c.onMessage)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		err := c.client.SyncWithContext(syncCtx)
		if syncCtx.Err() != nil {
			return
		}
		reason := "SYNC_STOPPED"
		if err != nil {
			c.logger.Warn("matrix sync failed", "error", err)
			reason = "SYNC_FAILED"
		}
		c.emit(engine.Event{Kind: engine.EventDisconnected, Reason: reason})
	}()
	return nil
}

// onSync reports readiness after the first sync and skips its backlog so
// history is never answered.
func (c *Conn) onSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	c.mu.Lock()
	first := !c.ready
	c.ready = true
	c.mu.Unlock()

	if first {
		c.emit(engine.Event{Kind: engine.EventReady})
	}
	return since != ""
}

func (c *Conn) onMessage(ctx context.Context, evt *event.Event) {
	if msg := toInbound(evt, c.userID); msg != nil {
		c.emit(engine.Event{Kind: engine.EventMessage, Message: msg})
	}
}

// toInbound maps a room message. Rooms are treated as direct chats; group
// detection would need a member lookup per message.
func toInbound(evt *event.Event, self id.UserID) *engine.InboundMessage {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}

	msgType := engine.MessageTypeOther
	body := ""
	if content.MsgType == event.MsgText {
		msgType = engine.MessageTypeChat
		body = content.Body
	}

	return &engine.InboundMessage{
		ID:        evt.ID.String(),
		From:      evt.Sender.String(),
		Chat:      evt.RoomID.String(),
		Body:      body,
		Type:      msgType,
		FromMe:    evt.Sender == self,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Raw: map[string]string{
			"room_id": evt.RoomID.String(),
			"msgtype": string(content.MsgType),
		},
	}
}

func (c *Conn) emit(ev engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in event handler", "event", ev.Kind, "panic", r)
		}
	}()
	c.handler(ev)
}

// SendText sends m.text to a room.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(to), text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Close stops syncing.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.client.StopSync()
	return nil
}
