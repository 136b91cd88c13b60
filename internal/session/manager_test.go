// ABOUTME: Tests for the session manager
// ABOUTME: Covers shared initialization, teardown, status fallback, event wiring and outbound sends

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wagate/internal/delivery"
	"github.com/2389/wagate/internal/engine"
	"github.com/2389/wagate/internal/engine/enginetest"
	"github.com/2389/wagate/internal/inbound"
	"github.com/2389/wagate/internal/store"
)

type recordedInbound struct {
	tenantID string
	conn     delivery.Sender
	msg      *engine.InboundMessage
}

type fakeInbound struct {
	mu    sync.Mutex
	calls []recordedInbound
}

func (f *fakeInbound) Handle(ctx context.Context, tenantID string, conn delivery.Sender, msg *engine.InboundMessage) inbound.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedInbound{tenantID: tenantID, conn: conn, msg: msg})
	return inbound.ResultReplied
}

func (f *fakeInbound) Calls() []recordedInbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedInbound(nil), f.calls...)
}

type testManager struct {
	*Manager
	engine  *enginetest.Engine
	store   *store.MockStore
	inbound *fakeInbound
	root    string
}

func newTestManager(t *testing.T, setup func(*enginetest.Engine, *Config)) *testManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := enginetest.New()
	st := store.NewMockStore()
	in := &fakeInbound{}
	root := t.TempDir()

	cfg := Config{
		Engine:         eng,
		Store:          st,
		Inbound:        in,
		Deliverer:      delivery.New(delivery.DefaultMaxLen, time.Millisecond, logger),
		ProfilesDir:    root,
		ConnectTimeout: 5 * time.Second,
		CountryCode:    "55",
		Logger:         logger,
	}
	if setup != nil {
		setup(eng, &cfg)
	}

	m := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &testManager{Manager: m, engine: eng, store: st, inbound: in, root: root}
}

func TestEnsure_ConcurrentCallersShareOneConnection(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.ConnectGate = gate
	})

	const callers = 20
	results := make([]*Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Ensure(context.Background(), "clinicA")
		}()
	}

	// every caller is queued behind the gated connect
	require.Eventually(t, func() bool { return m.engine.Opens() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, m.engine.Opens())
	assert.Len(t, m.List(), 1)
}

func TestEnsure_LiveSessionReturnedWithoutSideEffects(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	second, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, m.engine.Opens())
}

func TestEnsure_UsesPerTenantProfile(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Ensure(context.Background(), "clinicA")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.root, "tenant_clinicA"), m.engine.Conn("clinicA").ProfileDir())
}

func TestEnsure_InvalidTenantID(t *testing.T) {
	m := newTestManager(t, nil)

	for _, id := range []string{"", "bad id", "../x"} {
		_, err := m.Ensure(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidTenantID, "id %q", id)
	}
	assert.Equal(t, 0, m.engine.Opens())
}

func TestEnsure_ConnectFailure(t *testing.T) {
	boom := errors.New("browser crashed")
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.ConnectErr = boom
	})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.ErrorIs(t, err, ErrInitialization)
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, m.List())
	assert.Equal(t, 1, m.engine.Conn("clinicA").Closes())

	info, err := m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusInitError, info.Status)
	assert.False(t, info.Live)

	// no automatic retry; the next Ensure builds a new connection
	_, err = m.Ensure(ctx, "clinicA")
	require.ErrorIs(t, err, ErrInitialization)
	assert.Equal(t, 2, m.engine.Opens())
}

func TestEnsure_ConnectTimeout(t *testing.T) {
	m := newTestManager(t, func(e *enginetest.Engine, cfg *Config) {
		e.ConnectGate = make(chan struct{})
		cfg.ConnectTimeout = 20 * time.Millisecond
	})

	_, err := m.Ensure(context.Background(), "clinicA")
	require.ErrorIs(t, err, ErrInitialization)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.List())
}

func TestEnsure_CallerCancelDoesNotAbortInit(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.ConnectGate = gate
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Ensure(ctx, "clinicA")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.Eventually(t, func() bool {
		list := m.List()
		return len(list) == 1 && m.engine.Conn("clinicA").Connected()
	}, time.Second, time.Millisecond)

	sess, err := m.Ensure(context.Background(), "clinicA")
	require.NoError(t, err)
	assert.Equal(t, "clinicA", sess.TenantID)
	assert.Equal(t, 1, m.engine.Opens())
}

func TestEnsure_DestroyDuringInit(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.ConnectGate = gate
	})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), "clinicA")
		errc <- err
	}()

	require.Eventually(t, func() bool { return m.engine.Conn("clinicA") != nil }, time.Second, time.Millisecond)
	require.NoError(t, m.Destroy(context.Background(), "clinicA"))
	close(gate)

	err := <-errc
	require.ErrorIs(t, err, ErrInitialization)
	assert.Empty(t, m.List())
	assert.GreaterOrEqual(t, m.engine.Conn("clinicA").Closes(), 1)
	assert.False(t, m.engine.Conn("clinicA").Connected())
}

func TestDestroy_Idempotent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")

	require.NoError(t, m.Destroy(ctx, "clinicA"))
	require.NoError(t, m.Destroy(ctx, "clinicA"))
	require.NoError(t, m.Destroy(ctx, "neverSeen"))

	assert.Equal(t, 1, conn.Closes())
	assert.Empty(t, m.List())

	_, err = m.Status(ctx, "clinicA")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStatus_UnknownTenant(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Status(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, m.engine.Opens(), "status must not create sessions")
}

func TestStatus_FallsBackToPersistedRecord(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	readyAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.store.SaveSession(ctx, &store.SessionRecord{
		TenantID:  "clinicB",
		Status:    string(StatusReady),
		ReadyAt:   &readyAt,
		UpdatedAt: readyAt,
	}))

	info, err := m.Status(ctx, "clinicB")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status)
	require.NotNil(t, info.ReadyAt)
	assert.True(t, readyAt.Equal(*info.ReadyAt))
	assert.False(t, info.Live)
}

func TestQRThenReady(t *testing.T) {
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.OnConnect = func(c *enginetest.Conn) {
			c.Emit(engine.Event{Kind: engine.EventQR, QR: "2@pairing-payload"})
		}
	})
	ctx := context.Background()

	info, err := m.QR(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusQRPending, info.Status)
	assert.Equal(t, "2@pairing-payload", info.QR)
	assert.Nil(t, info.ReadyAt)

	conn := m.engine.Conn("clinicA")
	conn.Emit(engine.Event{Kind: engine.EventAuthenticated})
	conn.Emit(engine.Event{Kind: engine.EventReady})

	info, err = m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status)
	assert.Empty(t, info.QR)
	assert.NotNil(t, info.ReadyAt)
	assert.True(t, info.Live)

	rec, err := m.store.LoadSession(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, string(StatusReady), rec.Status)
	assert.NotNil(t, rec.ReadyAt)
}

func TestRejectedTransitionIgnored(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")
	conn.Emit(engine.Event{Kind: engine.EventReady})
	conn.Emit(engine.Event{Kind: engine.EventQR, QR: "late"})

	info, err := m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status)
	assert.Empty(t, info.QR)
}

func TestLogoutDisconnect(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")
	conn.Emit(engine.Event{Kind: engine.EventReady})
	conn.Emit(engine.Event{Kind: engine.EventDisconnected, Reason: "LOGOUT"})

	assert.Empty(t, m.List())
	require.Eventually(t, func() bool { return conn.Closes() == 1 }, time.Second, time.Millisecond)

	info, err := m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, info.Status)
	assert.Equal(t, "LOGOUT", info.Reason)
	assert.False(t, info.Live)

	// late events from the old connection are ignored
	conn.Emit(engine.Event{Kind: engine.EventReady})
	info, err = m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, info.Status)

	// the next ensure builds a fresh session
	_, err = m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, 2, m.engine.Opens())
}

func TestStaleDisconnectKeepsNewerSession(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	old := m.engine.Conn("clinicA")

	require.NoError(t, m.Destroy(ctx, "clinicA"))
	fresh, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)

	old.Emit(engine.Event{Kind: engine.EventDisconnected, Reason: "CONFLICT"})

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, fresh.Snapshot().Status, list[0].Status)
	assert.NotEqual(t, StatusDisconnected, list[0].Status)
}

func TestAuthFailureThenRepair(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")

	conn.Emit(engine.Event{Kind: engine.EventAuthFailure, Reason: "BANNED"})
	info, err := m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthFailed, info.Status)
	assert.Equal(t, "BANNED", info.Reason)
	assert.Len(t, m.List(), 1)

	conn.Emit(engine.Event{Kind: engine.EventQR, QR: "again"})
	info, err = m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusQRPending, info.Status)
	assert.Equal(t, "again", info.QR)
	assert.Empty(t, info.Reason)
}

func TestMessageEventsReachInbound(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Ensure(context.Background(), "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")

	conn.Emit(engine.Event{Kind: engine.EventMessage, Message: &engine.InboundMessage{
		ID:   "m1",
		From: "5511999999999@c.us",
		Body: "hi",
		Type: engine.MessageTypeChat,
	}})

	require.Eventually(t, func() bool { return len(m.inbound.Calls()) == 1 }, time.Second, time.Millisecond)
	call := m.inbound.Calls()[0]
	assert.Equal(t, "clinicA", call.tenantID)
	assert.Equal(t, "m1", call.msg.ID)
	assert.Same(t, conn, call.conn)
}

func TestSend(t *testing.T) {
	m := newTestManager(t, func(e *enginetest.Engine, _ *Config) {
		e.SendFailures = 1
	})
	ctx := context.Background()

	delivered, err := m.Send(ctx, "clinicA", "5511999999999@c.us", "your appointment is confirmed")
	require.NoError(t, err)
	assert.True(t, delivered)

	conn := m.engine.Conn("clinicA")
	assert.Equal(t, 2, conn.Attempts())
	require.Len(t, conn.Sent(), 1)
	assert.Equal(t, "5511999999999@c.us", conn.Sent()[0].To)

	msgs, err := m.store.ListMessages(ctx, "clinicA", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionOut, msgs[0].Direction)
	assert.Equal(t, "5511999999999", msgs[0].Peer)
	assert.True(t, msgs[0].Delivered)
	assert.NotEmpty(t, msgs[0].ConversationID)
}

func TestSend_RecordsTextAsDelivered(t *testing.T) {
	m := newTestManager(t, func(_ *enginetest.Engine, cfg *Config) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		cfg.Deliverer = delivery.New(10, time.Millisecond, logger)
		cfg.MaxLen = 10
	})
	ctx := context.Background()

	_, err := m.Send(ctx, "clinicA", "5511999999999", "your appointment is confirmed")
	require.NoError(t, err)

	sent := m.engine.Conn("clinicA").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "your appoi", sent[0].Text)

	msgs, err := m.store.ListMessages(ctx, "clinicA", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent[0].Text, msgs[0].Text)
}

// blockingStore holds SaveSession for one status until release is closed.
type blockingStore struct {
	*store.MockStore
	status  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) SaveSession(ctx context.Context, rec *store.SessionRecord) error {
	if rec.Status == b.status {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.MockStore.SaveSession(ctx, rec)
}

func TestDestroy_WaitsForInFlightStatusWrite(t *testing.T) {
	bs := &blockingStore{
		MockStore: store.NewMockStore(),
		status:    string(StatusQRPending),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	m := newTestManager(t, func(_ *enginetest.Engine, cfg *Config) {
		cfg.Store = bs
	})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	conn := m.engine.Conn("clinicA")

	go conn.Emit(engine.Event{Kind: engine.EventQR, QR: "2@pairing-payload"})
	<-bs.entered

	destroyed := make(chan error, 1)
	go func() { destroyed <- m.Destroy(ctx, "clinicA") }()

	select {
	case <-destroyed:
		t.Fatal("Destroy finished while a status write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(bs.release)
	require.NoError(t, <-destroyed)

	_, err = bs.LoadSession(ctx, "clinicA")
	assert.ErrorIs(t, err, store.ErrNotFound, "the cleared record must stay cleared")
	_, err = m.Status(ctx, "clinicA")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	ch, err := m.Subscribe(t.Context(), "clinicA")
	require.NoError(t, err)

	_, err = m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	m.engine.Conn("clinicA").Emit(engine.Event{Kind: engine.EventQR, QR: "payload"})

	var got []Status
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case info := <-ch:
			got = append(got, info.Status)
		case <-timeout:
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []Status{StatusStarting, StatusQRPending}, got)
}

func TestPersistFailureDoesNotBlockTransitions(t *testing.T) {
	m := newTestManager(t, nil)
	m.store.SaveSessionErr = errors.New("disk full")
	ctx := context.Background()

	_, err := m.Ensure(ctx, "clinicA")
	require.NoError(t, err)
	m.engine.Conn("clinicA").Emit(engine.Event{Kind: engine.EventReady})

	info, err := m.Status(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, info.Status)
}

func TestClose(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Ensure(ctx, id)
		require.NoError(t, err)
	}

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.List())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, m.engine.Conn(id).Closes(), "tenant %s", id)
	}
}
