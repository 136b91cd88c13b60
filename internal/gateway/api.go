// ABOUTME: HTTP handlers for session lifecycle, pairing QR codes and outbound text
// ABOUTME: Maps session errors to status codes with generic {"error":code} bodies

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/2389/wagate/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 2 << 20

// qrSize is the edge length of rendered QR codes in pixels.
const qrSize = 320

// StatusResponse is the JSON body describing one session.
type StatusResponse struct {
	TenantID string     `json:"tenantId"`
	Status   string     `json:"status"`
	ReadyAt  *time.Time `json:"readyAt"`
	Reason   string     `json:"reason,omitempty"`
}

// QRPendingResponse is returned by the QR endpoint when no code is available.
type QRPendingResponse struct {
	TenantID string  `json:"tenantId"`
	Status   string  `json:"status"`
	QR       *string `json:"qr"`
}

// DeleteResponse is the JSON body for DELETE /sessions/{tenantId}.
type DeleteResponse struct {
	TenantID string `json:"tenantId"`
	Deleted  bool   `json:"deleted"`
}

// SendTextRequest is the JSON body for POST /sessions/{tenantId}/sendText.
type SendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendTextResponse reports whether the text reached the network.
type SendTextResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// ListSessionsResponse is the JSON body for GET /sessions.
type ListSessionsResponse struct {
	Sessions []StatusResponse `json:"sessions"`
}

func toStatusResponse(info session.Info) StatusResponse {
	return StatusResponse{
		TenantID: info.TenantID,
		Status:   string(info.Status),
		ReadyAt:  info.ReadyAt,
		Reason:   info.Reason,
	}
}

// handleCreateSession handles POST /sessions/{tenantId}.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	sess, err := g.sessions.Ensure(r.Context(), tenantID)
	if err != nil {
		if g.sendSessionError(w, err) {
			return
		}
		g.logger.Error("failed to create session", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "create_session_failed")
		return
	}

	g.sendJSON(w, http.StatusOK, toStatusResponse(sess.Snapshot()))
}

// handleQR handles GET /sessions/{tenantId}/qr. It creates the session when
// needed and answers with a PNG while a pairing code is pending.
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	info, err := g.sessions.QR(r.Context(), tenantID)
	if err != nil {
		if g.sendSessionError(w, err) {
			return
		}
		g.logger.Error("failed to get QR", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "qr_failed")
		return
	}

	if info.QR == "" {
		g.sendJSON(w, http.StatusOK, QRPendingResponse{
			TenantID: tenantID,
			Status:   string(info.Status),
		})
		return
	}

	png, err := qrcode.Encode(info.QR, qrcode.Medium, qrSize)
	if err != nil {
		g.logger.Error("failed to encode QR", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "qr_encode_failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleStatus handles GET /sessions/{tenantId}/status. It never creates a session.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	info, err := g.sessions.Status(r.Context(), tenantID)
	if err != nil {
		if g.sendSessionError(w, err) {
			return
		}
		g.logger.Error("failed to get status", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "status_failed")
		return
	}

	g.sendJSON(w, http.StatusOK, toStatusResponse(info))
}

// handleDeleteSession handles DELETE /sessions/{tenantId}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	if err := g.sessions.Destroy(r.Context(), tenantID); err != nil {
		if g.sendSessionError(w, err) {
			return
		}
		g.logger.Error("failed to delete session", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "delete_failed")
		return
	}

	g.sendJSON(w, http.StatusOK, DeleteResponse{TenantID: tenantID, Deleted: true})
}

// handleSendText handles POST /sessions/{tenantId}/sendText.
func (g *Gateway) handleSendText(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	var req SendTextRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "missing to/text")
		return
	}

	delivered, err := g.sessions.Send(r.Context(), tenantID, req.To, req.Text)
	if err != nil {
		if g.sendSessionError(w, err) {
			return
		}
		g.logger.Error("failed to send text", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "send_failed")
		return
	}

	g.sendJSON(w, http.StatusOK, SendTextResponse{OK: true, Delivered: delivered})
}

// handleListSessions handles GET /sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := g.sessions.List()
	resp := ListSessionsResponse{Sessions: make([]StatusResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, toStatusResponse(info))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports readiness: the store must answer a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// sendSessionError writes the response for errors with a fixed mapping and
// reports whether it did.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, session.ErrInvalidTenantID):
		g.sendJSONError(w, http.StatusBadRequest, "invalid_tenant_id")
	case errors.Is(err, session.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session_not_found")
	default:
		return false
	}
	return true
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code string) {
	g.sendJSON(w, status, map[string]string{"error": code})
}
