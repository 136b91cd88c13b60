// ABOUTME: Tenant session orchestrator: one live connection per tenant, created on demand
// ABOUTME: Serializes initialization per tenant and routes engine events into state and pipelines

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/wagate/internal/delivery"
	"github.com/2389/wagate/internal/engine"
	"github.com/2389/wagate/internal/inbound"
	"github.com/2389/wagate/internal/reply"
	"github.com/2389/wagate/internal/store"
)

// DefaultConnectTimeout bounds Open plus Connect for one initialization.
const DefaultConnectTimeout = 60 * time.Second

// teardownTimeout bounds closing a connection after a disconnect event.
const teardownTimeout = 10 * time.Second

// InboundHandler processes a message received on a tenant's connection.
type InboundHandler interface {
	Handle(ctx context.Context, tenantID string, conn delivery.Sender, msg *engine.InboundMessage) inbound.Result
}

// Deliverer sends text over a connection.
type Deliverer interface {
	Deliver(ctx context.Context, conn delivery.Sender, recipient, text string) bool
}

// Config wires a Manager.
type Config struct {
	Engine         engine.Engine
	Store          store.Store
	Inbound        InboundHandler
	Deliverer      Deliverer
	ProfilesDir    string
	ConnectTimeout time.Duration
	CountryCode    string
	MaxLen         int // outbound text limit in runes, as configured for Deliverer
	Logger         *slog.Logger
}

// Manager owns the registry of live sessions.
type Manager struct {
	engine         engine.Engine
	store          store.Store
	persist        *store.BestEffort
	inbound        InboundHandler
	deliverer      Deliverer
	profilesDir    string
	connectTimeout time.Duration
	countryCode    string
	maxLen         int
	events         *Broadcaster
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	inits singleflight.Group

	// per-tenant *sync.Mutex ordering status writes against Destroy's clear
	statusLocks sync.Map

	// background work (inbound handling, teardown) runs on baseCtx
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = delivery.DefaultMaxLen
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:         cfg.Engine,
		store:          cfg.Store,
		persist:        store.NewBestEffort(cfg.Store, logger),
		inbound:        cfg.Inbound,
		deliverer:      cfg.Deliverer,
		profilesDir:    cfg.ProfilesDir,
		connectTimeout: timeout,
		countryCode:    cfg.CountryCode,
		maxLen:         maxLen,
		events:         NewBroadcaster(logger),
		logger:         logger.With("component", "sessions"),
		now:            time.Now,
		sessions:       make(map[string]*Session),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// Ensure returns the tenant's live session, creating and connecting it if
// needed. Concurrent callers for one tenant share a single initialization.
// A caller whose ctx ends stops waiting; the initialization carries on.
func (m *Manager) Ensure(ctx context.Context, tenantID string) (*Session, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	if sess := m.get(tenantID); sess != nil && sess.isInitialized() {
		return sess, nil
	}

	initCtx := context.WithoutCancel(ctx)
	ch := m.inits.DoChan(tenantID, func() (any, error) {
		if sess := m.get(tenantID); sess != nil && sess.isInitialized() {
			return sess, nil
		}
		return m.initialize(initCtx, tenantID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) initialize(ctx context.Context, tenantID string) (*Session, error) {
	sess := newSession(tenantID, m.now())

	unlock := m.lockStatus(tenantID)
	m.register(sess)
	info := sess.Snapshot()
	m.persist.SaveSession(ctx, record(info))
	m.events.Publish(info)
	unlock()

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	conn, err := m.engine.Open(ctx, engine.Options{
		TenantID:   tenantID,
		ProfileDir: engine.ProfileDir(m.profilesDir, tenantID),
		Handler:    m.handlerFor(sess),
	})
	if err != nil {
		return nil, m.initFailed(sess, nil, err)
	}
	sess.setConn(conn)

	if err := conn.Connect(ctx); err != nil {
		return nil, m.initFailed(sess, conn, err)
	}

	if !m.owns(sess) {
		m.logger.Info("session destroyed during initialization", "tenant_id", tenantID)
		m.closeConn(tenantID, conn)
		return nil, fmt.Errorf("%w: destroyed during initialization", ErrInitialization)
	}

	sess.markInitialized()
	m.logger.Info("session initialized", "tenant_id", tenantID, "status", sess.Snapshot().Status)
	return sess, nil
}

func (m *Manager) initFailed(sess *Session, conn engine.Conn, cause error) error {
	tenantID := sess.TenantID
	m.logger.Error("session initialization failed", "tenant_id", tenantID, "error", cause)

	info := sess.fail(cause.Error(), m.now())
	unlock := m.lockStatus(tenantID)
	// a concurrent Destroy already cleared the record
	if m.removeIf(sess) {
		m.persist.SaveSession(m.baseCtx, record(info))
		m.events.Publish(info)
	}
	unlock()
	if conn != nil {
		m.closeConn(tenantID, conn)
	}
	return fmt.Errorf("%w: %w", ErrInitialization, cause)
}

// Status returns the live session's info, falling back to the persisted
// record. It never creates a session.
func (m *Manager) Status(ctx context.Context, tenantID string) (Info, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return Info{}, err
	}

	if sess := m.get(tenantID); sess != nil {
		return sess.Snapshot(), nil
	}

	rec, err := m.store.LoadSession(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, ErrSessionNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("loading session status: %w", err)
	}

	return Info{
		TenantID:  tenantID,
		Status:    Status(rec.Status),
		ReadyAt:   rec.ReadyAt,
		Reason:    rec.Reason,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// QR ensures the tenant's session and returns its current info. Info.QR is
// empty when no pairing code is pending.
func (m *Manager) QR(ctx context.Context, tenantID string) (Info, error) {
	sess, err := m.Ensure(ctx, tenantID)
	if err != nil {
		return Info{}, err
	}
	return sess.Snapshot(), nil
}

// Destroy tears down the tenant's connection and clears its persisted
// status. Destroying an unknown tenant is not an error.
func (m *Manager) Destroy(ctx context.Context, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}

	unlock := m.lockStatus(tenantID)
	sess := m.remove(tenantID)
	clearErr := m.store.ClearSession(ctx, tenantID)
	unlock()

	// Close may emit a disconnect synchronously; the session is already
	// retired so that event is ignored.
	if sess != nil {
		if conn := sess.Conn(); conn != nil {
			if err := conn.Close(ctx); err != nil {
				m.logger.Warn("failed to close connection", "tenant_id", tenantID, "error", err)
			}
		}
	}

	if clearErr != nil {
		return fmt.Errorf("clearing session status: %w", clearErr)
	}
	return nil
}

// Send ensures the tenant's session and delivers text to a recipient. The
// outbound message is recorded whether or not delivery succeeded.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) (bool, error) {
	sess, err := m.Ensure(ctx, tenantID)
	if err != nil {
		return false, err
	}

	conn := sess.Conn()
	delivered := m.deliverer.Deliver(ctx, conn, to, text)

	now := m.now()
	peer := reply.NormalizePeer(to, m.countryCode)
	m.persist.SaveOutbound(ctx, &store.MessageRecord{
		TenantID:       tenantID,
		ID:             uuid.New().String(),
		ConversationID: m.persist.UpsertConversation(ctx, tenantID, peer, now),
		Direction:      store.DirectionOut,
		Peer:           peer,
		Text:           delivery.Truncate(text, m.maxLen),
		Delivered:      delivered,
		Raw:            map[string]string{"source": "api", "to": to},
		CreatedAt:      now,
	})

	m.logger.Info("outbound message", "tenant_id", tenantID, "delivered", delivered)
	return delivered, nil
}

// List returns the live sessions ordered by tenant id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Subscribe streams accepted status transitions for a tenant until ctx ends.
func (m *Manager) Subscribe(ctx context.Context, tenantID string) (<-chan Info, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	ch, _ := m.events.Subscribe(ctx, tenantID)
	return ch, nil
}

// Close tears down every live connection and waits for in-flight inbound
// handling, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for tenantID, sess := range sessions {
		conn := sess.Conn()
		if conn == nil {
			continue
		}
		g.Go(func() error {
			if err := conn.Close(gctx); err != nil {
				m.logger.Warn("failed to close connection", "tenant_id", tenantID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background work: %w", ctx.Err())
	}

	m.cancel()
	m.events.Close()
	m.logger.Info("session manager closed", "sessions", len(sessions))
	return err
}

func (m *Manager) handlerFor(sess *Session) engine.Handler {
	return func(ev engine.Event) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic handling engine event",
					"tenant_id", sess.TenantID, "event", ev.Kind, "panic", r)
			}
		}()

		if ev.Kind == engine.EventMessage {
			m.dispatchInbound(sess, ev.Message)
			return
		}
		m.applyEvent(sess, ev)
	}
}

func (m *Manager) applyEvent(sess *Session, ev engine.Event) {
	unlock := m.lockStatus(sess.TenantID)
	if !m.owns(sess) {
		unlock()
		m.logger.Debug("event for retired session", "tenant_id", sess.TenantID, "event", ev.Kind)
		return
	}

	info, from, ok := sess.apply(ev, m.now())
	if !ok {
		unlock()
		m.logger.Warn("ignored session event",
			"tenant_id", sess.TenantID, "status", from, "event", ev.Kind)
		return
	}

	m.persist.SaveSession(m.baseCtx, record(info))
	m.events.Publish(info)
	disconnected := info.Status == StatusDisconnected
	if disconnected {
		m.removeIf(sess)
	}
	unlock()

	m.logger.Info("session status changed",
		"tenant_id", sess.TenantID, "from", from, "to", info.Status, "reason", info.Reason)
	if !disconnected {
		return
	}

	if conn := sess.Conn(); conn != nil {
		// the engine may be inside its own callback; close off this goroutine
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.closeConn(sess.TenantID, conn)
		}()
	}
}

func (m *Manager) dispatchInbound(sess *Session, msg *engine.InboundMessage) {
	if m.inbound == nil || msg == nil {
		return
	}
	conn := sess.Conn()
	if conn == nil {
		m.logger.Warn("message before connection was ready", "tenant_id", sess.TenantID)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic handling inbound message", "tenant_id", sess.TenantID, "panic", r)
			}
		}()
		m.inbound.Handle(m.baseCtx, sess.TenantID, conn, msg)
	}()
}

func (m *Manager) closeConn(tenantID string, conn engine.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		m.logger.Warn("failed to close connection", "tenant_id", tenantID, "error", err)
	}
}

// lockStatus holds the tenant's status lock until the returned func is
// called. Registry changes that decide whether a status write may happen,
// and the write itself, happen under it.
func (m *Manager) lockStatus(tenantID string) func() {
	v, _ := m.statusLocks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) get(tenantID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[tenantID]
}

func (m *Manager) owns(sess *Session) bool {
	return m.get(sess.TenantID) == sess
}

func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[sess.TenantID] = sess
	m.logger.Info("=== SESSION REGISTERED ===",
		"tenant_id", sess.TenantID,
		"total_sessions", len(m.sessions),
	)
}

func (m *Manager) remove(tenantID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[tenantID]
	if !ok {
		return nil
	}
	delete(m.sessions, tenantID)
	m.logger.Info("=== SESSION REMOVED ===",
		"tenant_id", tenantID,
		"total_sessions", len(m.sessions),
	)
	return sess
}

// removeIf removes sess only if the registry still holds this instance.
func (m *Manager) removeIf(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[sess.TenantID] != sess {
		return false
	}
	delete(m.sessions, sess.TenantID)
	m.logger.Info("=== SESSION REMOVED ===",
		"tenant_id", sess.TenantID,
		"total_sessions", len(m.sessions),
	)
	return true
}

func record(info Info) *store.SessionRecord {
	return &store.SessionRecord{
		TenantID:  info.TenantID,
		Status:    string(info.Status),
		Reason:    info.Reason,
		ReadyAt:   info.ReadyAt,
		UpdatedAt: info.UpdatedAt,
	}
}
