// ABOUTME: A tenant's live session: its exclusive connection and current lifecycle state
// ABOUTME: State is mutated only through apply and read through immutable Info snapshots

package session

import (
	"sync"
	"time"

	"github.com/2389/wagate/internal/engine"
)

// Info is a point-in-time view of a session.
type Info struct {
	TenantID  string     `json:"tenantId"`
	Status    Status     `json:"status"`
	QR        string     `json:"-"`
	ReadyAt   *time.Time `json:"readyAt"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Live is false when the info was loaded from the store.
	Live bool `json:"live"`
}

// Session holds one tenant's connection. The manager's registry holds at most
// one Session per tenant.
type Session struct {
	TenantID string

	mu          sync.RWMutex
	conn        engine.Conn
	status      Status
	qr          string
	readyAt     *time.Time
	reason      string
	updatedAt   time.Time
	initialized bool
}

func newSession(tenantID string, now time.Time) *Session {
	return &Session{
		TenantID:  tenantID,
		status:    StatusStarting,
		updatedAt: now,
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	var readyAt *time.Time
	if s.readyAt != nil {
		t := *s.readyAt
		readyAt = &t
	}
	return Info{
		TenantID:  s.TenantID,
		Status:    s.status,
		QR:        s.qr,
		ReadyAt:   readyAt,
		Reason:    s.reason,
		UpdatedAt: s.updatedAt,
		Live:      true,
	}
}

// Conn returns the session's connection, nil before it is opened.
func (s *Session) Conn() engine.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) setConn(c engine.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *Session) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Session) markInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// fail moves the session to init_error regardless of its current state.
func (s *Session) fail(reason string, now time.Time) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusInitError
	s.reason = reason
	s.qr = ""
	s.updatedAt = now
	return s.infoLocked()
}

// apply runs an engine event through the state machine. It returns the new
// snapshot, the previous status and whether the transition was accepted.
func (s *Session) apply(ev engine.Event, now time.Time) (Info, Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status
	to, ok := Transition(from, ev.Kind)
	if !ok {
		return s.infoLocked(), from, false
	}

	s.status = to
	s.updatedAt = now

	switch to {
	case StatusQRPending:
		s.qr = ev.QR
		s.reason = ""
	case StatusAuthenticated:
		s.qr = ""
		s.reason = ""
	case StatusReady:
		s.qr = ""
		s.reason = ""
		if s.readyAt == nil {
			t := now
			s.readyAt = &t
		}
	case StatusAuthFailed, StatusDisconnected:
		s.qr = ""
		s.reason = ev.Reason
	}

	return s.infoLocked(), from, true
}
