// ABOUTME: WhatsApp engine on whatsmeow with one device store per tenant
// ABOUTME: Pairs through the QR channel, maps client events and sends text messages

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"google.golang.org/protobuf/proto"

	"github.com/2389/wagate/internal/engine"
)

// Engine opens whatsmeow clients whose device credentials live in each
// tenant's profile directory.
type Engine struct {
	logger *slog.Logger
}

// New creates a WhatsApp engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("engine", "whatsapp")}
}

// Open prepares the tenant's device store and client. Nothing touches the
// network until Connect.
func (e *Engine) Open(ctx context.Context, opts engine.Options) (engine.Conn, error) {
	if err := os.MkdirAll(opts.ProfileDir, 0700); err != nil {
		return nil, fmt.Errorf("creating profile directory: %w", err)
	}

	logger := e.logger.With("tenant_id", opts.TenantID)
	dsn := "file:" + filepath.Join(opts.ProfileDir, "device.db") + "?_foreign_keys=on"

	container, err := sqlstore.New(ctx, "sqlite3", dsn, newLogger(logger.With("module", "store")))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger(logger.With("module", "client")))

	c := &Conn{
		tenantID:  opts.TenantID,
		client:    client,
		container: container,
		handler:   opts.Handler,
		logger:    logger,
	}
	client.AddEventHandler(c.onEvent)
	return c, nil
}

// Conn is one tenant's WhatsApp client.
type Conn struct {
	tenantID  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	handler   engine.Handler
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

var _ engine.Conn = (*Conn)(nil)

// Connect starts the client. An unpaired device starts the QR channel first
// so pairing codes flow to the handler.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	// The QR channel outlives Connect; it is bound to the connection instead.
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(lifetime)
		if err != nil {
			return fmt.Errorf("starting QR channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (c *Conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if ev, ok := translateQR(item); ok {
			c.emit(ev)
		}
	}
}

func (c *Conn) onEvent(evt any) {
	for _, ev := range translate(evt) {
		c.emit(ev)
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

// SendText sends a plain text message.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}

	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Close disconnects the client and releases the device store.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.client.Disconnect()

	if err := c.container.Close(); err != nil {
		return fmt.Errorf("closing device store: %w", err)
	}
	return nil
}
