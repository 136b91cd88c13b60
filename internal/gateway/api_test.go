// ABOUTME: Tests for the HTTP control API
// ABOUTME: Drives sessions through the fake engine and checks responses, persistence and auth

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wagate/internal/auth"
	"github.com/2389/wagate/internal/config"
	"github.com/2389/wagate/internal/engine"
	"github.com/2389/wagate/internal/engine/enginetest"
	"github.com/2389/wagate/internal/reply"
	"github.com/2389/wagate/internal/store"
)

type fakeReplier struct {
	mu    sync.Mutex
	calls []reply.Request
}

func (f *fakeReplier) Reply(ctx context.Context, req reply.Request) (string, reply.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return "Olá! Como posso ajudar?", reply.OutcomeGenerated
}

func (f *fakeReplier) Calls() []reply.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply.Request(nil), f.calls...)
}

type testGateway struct {
	*Gateway
	engine  *enginetest.Engine
	store   *store.MockStore
	replier *fakeReplier
}

func newTestGateway(t *testing.T, setup func(*config.Config, *enginetest.Engine)) *testGateway {
	t.Helper()

	cfg := &config.Config{Reply: config.ReplyConfig{URL: "http://reply.invalid"}}
	cfg.ApplyDefaults()
	cfg.Engine.ProfilesDir = t.TempDir()
	cfg.Delivery.Backoff = time.Millisecond

	eng := enginetest.New()
	if setup != nil {
		setup(cfg, eng)
	}

	st := store.NewMockStore()
	rep := &fakeReplier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := NewWithDeps(cfg, Deps{Store: st, Engine: eng, Replier: rep}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &testGateway{Gateway: gw, engine: eng, store: st, replier: rep}
}

func (tg *testGateway) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestClinicPairingFlow(t *testing.T) {
	tg := newTestGateway(t, func(_ *config.Config, e *enginetest.Engine) {
		e.OnConnect = func(c *enginetest.Conn) {
			c.Emit(engine.Event{Kind: engine.EventQR, QR: "2@clinicA-pairing"})
		}
	})

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode[StatusResponse](t, rec)
	assert.Equal(t, "clinicA", created.TenantID)
	assert.Equal(t, "qr_pending", created.Status)
	assert.Nil(t, created.ReadyAt)

	rec = tg.do(t, http.MethodGet, "/sessions/clinicA/qr", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	tg.engine.Conn("clinicA").Emit(engine.Event{Kind: engine.EventReady})

	rec = tg.do(t, http.MethodGet, "/sessions/clinicA/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "ready", status.Status)
	assert.NotNil(t, status.ReadyAt)

	rec = tg.do(t, http.MethodGet, "/sessions/clinicA/qr", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenantId":"clinicA","status":"ready","qr":null}`, rec.Body.String())

	assert.Equal(t, 1, tg.engine.Opens())
}

func TestInboundMessageReplied(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conn := tg.engine.Conn("clinicA")
	conn.Emit(engine.Event{Kind: engine.EventReady})

	m1 := engine.Event{Kind: engine.EventMessage, Message: &engine.InboundMessage{
		ID:        "m1",
		From:      "5511999999999@c.us",
		Chat:      "5511999999999@c.us",
		Body:      "Oi, quero marcar uma consulta",
		Type:      engine.MessageTypeChat,
		Timestamp: time.Now(),
	}}
	conn.Emit(m1)
	conn.Emit(m1)

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	// let the duplicate finish too
	time.Sleep(50 * time.Millisecond)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511999999999@c.us", sent[0].To)
	assert.Equal(t, "Olá! Como posso ajudar?", sent[0].Text)

	calls := tg.replier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "clinicA", calls[0].TenantID)
	assert.Equal(t, "5511999999999", calls[0].Sender)

	msg, err := tg.store.GetMessage(context.Background(), "clinicA", "m1")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionIn, msg.Direction)
	assert.Equal(t, "Oi, quero marcar uma consulta", msg.Text)
}

func TestLogoutReportsDisconnected(t *testing.T) {
	tg := newTestGateway(t, nil)

	require.Equal(t, http.StatusOK, tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil).Code)
	conn := tg.engine.Conn("clinicA")
	conn.Emit(engine.Event{Kind: engine.EventReady})
	conn.Emit(engine.Event{Kind: engine.EventDisconnected, Reason: "LOGOUT"})

	rec := tg.do(t, http.MethodGet, "/sessions/clinicA/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "disconnected", status.Status)
	assert.Equal(t, "LOGOUT", status.Reason)

	rec = tg.do(t, http.MethodGet, "/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListSessionsResponse](t, rec).Sessions)

	require.Eventually(t, func() bool { return conn.Closes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStatusUnknownTenant(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.do(t, http.MethodGet, "/sessions/ghost/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"session_not_found"}`, rec.Body.String())
	assert.Equal(t, 0, tg.engine.Opens())
}

func TestInvalidTenantID(t *testing.T) {
	tg := newTestGateway(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/sessions/bad.id"},
		{http.MethodGet, "/sessions/bad.id/status"},
		{http.MethodGet, "/sessions/bad.id/qr"},
		{http.MethodDelete, "/sessions/bad.id"},
	} {
		rec := tg.do(t, tc.method, tc.path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", tc.method, tc.path)
		assert.JSONEq(t, `{"error":"invalid_tenant_id"}`, rec.Body.String())
	}
	assert.Equal(t, 0, tg.engine.Opens())
}

func TestCreateSessionInitFailure(t *testing.T) {
	tg := newTestGateway(t, func(_ *config.Config, e *enginetest.Engine) {
		e.ConnectErr = errors.New("profile locked")
	})

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"create_session_failed"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "profile locked")

	rec = tg.do(t, http.MethodGet, "/sessions/clinicA/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "init_error", decode[StatusResponse](t, rec).Status)
}

func TestDeleteSession(t *testing.T) {
	tg := newTestGateway(t, nil)

	require.Equal(t, http.StatusOK, tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil).Code)

	for range 2 {
		rec := tg.do(t, http.MethodDelete, "/sessions/clinicA", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"tenantId":"clinicA","deleted":true}`, rec.Body.String())
	}

	assert.Equal(t, 1, tg.engine.Conn("clinicA").Closes())
	assert.Equal(t, http.StatusNotFound, tg.do(t, http.MethodGet, "/sessions/clinicA/status", nil, nil).Code)
}

func TestSendText(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA/sendText",
		SendTextRequest{To: "5511988887777@c.us", Text: "Sua consulta está confirmada"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"delivered":true}`, rec.Body.String())

	sent := tg.engine.Conn("clinicA").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511988887777@c.us", sent[0].To)
	assert.Equal(t, 1, tg.store.MessageCount("clinicA"))
}

func TestSendTextUndelivered(t *testing.T) {
	tg := newTestGateway(t, func(_ *config.Config, e *enginetest.Engine) {
		e.SendFailures = 5
	})

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA/sendText",
		SendTextRequest{To: "5511988887777@c.us", Text: "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"delivered":false}`, rec.Body.String())
	assert.Equal(t, 2, tg.engine.Conn("clinicA").Attempts())
}

func TestSendTextValidation(t *testing.T) {
	tg := newTestGateway(t, nil)

	for _, body := range []SendTextRequest{{To: "", Text: "hi"}, {To: "55119", Text: "  "}} {
		rec := tg.do(t, http.MethodPost, "/sessions/clinicA/sendText", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"missing to/text"}`, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/clinicA/sendText", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, tg.engine.Opens())
}

func TestAuth(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *enginetest.Engine) {
		cfg.Auth.APIKey = "s3cret"
	})

	rec := tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tg.do(t, http.MethodPost, "/sessions/clinicA", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, tg.engine.Opens())

	rec = tg.do(t, http.MethodPost, "/sessions/clinicA", nil, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = tg.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = tg.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestRequestLogNamesCaller(t *testing.T) {
	cfg := &config.Config{Reply: config.ReplyConfig{URL: "http://reply.invalid"}}
	cfg.ApplyDefaults()
	cfg.Engine.ProfilesDir = t.TempDir()
	cfg.Auth.APIKey = "s3cret"

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gw := NewWithDeps(cfg, Deps{Store: store.NewMockStore(), Engine: enginetest.New(), Replier: &fakeReplier{}}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	tg := &testGateway{Gateway: gw}

	token, err := auth.NewJWTVerifier([]byte("s3cret")).Generate("ops-dashboard", time.Hour)
	require.NoError(t, err)

	rec := tg.do(t, http.MethodGet, "/sessions", nil, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "caller=ops-dashboard")

	rec = tg.do(t, http.MethodGet, "/sessions", nil, http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "caller=api-key")
}

func TestCORS(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *enginetest.Engine) {
		cfg.Auth.APIKey = "s3cret"
		cfg.Server.CORSOrigins = []string{"https://app.example.com"}
	})

	rec := tg.do(t, http.MethodOptions, "/sessions/clinicA", nil, http.Header{
		"Origin":                        {"https://app.example.com"},
		"Access-Control-Request-Method": {http.MethodPost},
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = tg.do(t, http.MethodOptions, "/sessions/clinicA", nil, http.Header{
		"Origin":                        {"https://evil.example.com"},
		"Access-Control-Request-Method": {http.MethodPost},
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListSessions(t *testing.T) {
	tg := newTestGateway(t, nil)

	for _, id := range []string{"clinicB", "clinicA"} {
		require.Equal(t, http.StatusOK, tg.do(t, http.MethodPost, "/sessions/"+id, nil, nil).Code)
	}

	rec := tg.do(t, http.MethodGet, "/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListSessionsResponse](t, rec).Sessions
	require.Len(t, list, 2)
	assert.Equal(t, "clinicA", list[0].TenantID)
	assert.Equal(t, "clinicB", list[1].TenantID)
}

func TestEventsStream(t *testing.T) {
	tg := newTestGateway(t, nil)
	srv := httptest.NewServer(tg.Handler())
	defer srv.Close()

	require.Equal(t, http.StatusOK, tg.do(t, http.MethodPost, "/sessions/clinicA", nil, nil).Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/clinicA/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEData(t, reader)
	assert.Equal(t, "starting", first.Status)

	tg.engine.Conn("clinicA").Emit(engine.Event{Kind: engine.EventReady})
	next := readSSEData(t, reader)
	assert.Equal(t, "ready", next.Status)
	assert.NotNil(t, next.ReadyAt)
}

func TestShutdownEndsEventStreams(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *enginetest.Engine) {
		cfg.Server.HTTPAddr = "127.0.0.1:0"
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := tg.startServers(nil, ln)
	base := "http://" + ln.Addr().String()

	resp, err := http.Get(base + "/sessions/clinicA/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "none", readSSEData(t, reader).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, tg.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "an open stream held up shutdown")

	_, err = io.ReadAll(reader)
	assert.NoError(t, err)

	select {
	case err := <-errCh:
		t.Fatalf("server error: %v", err)
	default:
	}
}

func readSSEData(t *testing.T, r *bufio.Reader) StatusResponse {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var s StatusResponse
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &s))
			return s
		}
	}
}
