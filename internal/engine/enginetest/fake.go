// ABOUTME: Scripted in-memory engine for tests
// ABOUTME: Counts constructions, records sends and lets tests emit lifecycle events

package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/wagate/internal/engine"
)

// ErrSendFailed is returned by SendText while a Conn has failures left.
var ErrSendFailed = errors.New("enginetest: send failed")

// Sent is one recorded SendText call.
type Sent struct {
	To   string
	Text string
}

// Engine is a fake engine.Engine. Configure the exported fields before use.
type Engine struct {
	// ConnectGate, when non-nil, blocks every Connect until it is closed or
	// the caller's context ends.
	ConnectGate chan struct{}

	// ConnectErr is returned by every Connect.
	ConnectErr error

	// SendFailures makes the first N SendText calls on each new Conn fail.
	SendFailures int

	// OnConnect runs after a successful Connect, typically to Emit events.
	OnConnect func(*Conn)

	mu    sync.Mutex
	opens int
	conns map[string][]*Conn
}

// New returns an Engine whose connections succeed immediately.
func New() *Engine {
	return &Engine{conns: make(map[string][]*Conn)}
}

// Open records a construction and returns a new Conn.
func (e *Engine) Open(ctx context.Context, opts engine.Options) (engine.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.opens++
	c := &Conn{
		engine:       e,
		opts:         opts,
		failuresLeft: e.SendFailures,
	}
	e.conns[opts.TenantID] = append(e.conns[opts.TenantID], c)
	return c, nil
}

// Opens returns how many connections were constructed.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// Conn returns the most recent connection opened for a tenant, or nil.
func (e *Engine) Conn(tenantID string) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.conns[tenantID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Conn is a fake engine.Conn.
type Conn struct {
	engine *Engine
	opts   engine.Options

	mu           sync.Mutex
	connected    bool
	closes       int
	attempts     int
	failuresLeft int
	sent         []Sent
}

var _ engine.Conn = (*Conn)(nil)

// Connect honours ConnectGate and ConnectErr, then runs OnConnect.
func (c *Conn) Connect(ctx context.Context) error {
	if gate := c.engine.ConnectGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.engine.ConnectErr != nil {
		return c.engine.ConnectErr
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.engine.OnConnect != nil {
		c.engine.OnConnect(c)
	}
	return nil
}

// SendText records the send, failing while failures remain.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.failuresLeft > 0 {
		c.failuresLeft--
		return ErrSendFailed
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

// Close counts teardown calls.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closes++
	c.connected = false
	return nil
}

// Emit delivers an event to the connection's handler synchronously.
func (c *Conn) Emit(ev engine.Event) {
	c.opts.Handler(ev)
}

// TenantID returns the tenant the connection was opened for.
func (c *Conn) TenantID() string {
	return c.opts.TenantID
}

// ProfileDir returns the credential directory given at Open.
func (c *Conn) ProfileDir() string {
	return c.opts.ProfileDir
}

// Sent returns a copy of the successful sends.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Attempts returns the number of SendText calls, successful or not.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Connected reports whether Connect succeeded and Close has not been called.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
