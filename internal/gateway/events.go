// ABOUTME: Server-Sent Events stream of a tenant's session status changes
// ABOUTME: Sends the current status first, then every accepted transition until the client leaves

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/wagate/internal/session"
)

// sseKeepalive is the interval between comment lines that keep proxies from
// closing idle streams.
const sseKeepalive = 15 * time.Second

// handleEvents handles GET /sessions/{tenantId}/events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	ctx := r.Context()
	updates, err := g.sessions.Subscribe(ctx, tenantID)
	if err != nil {
		if !g.sendSessionError(w, err) {
			g.sendJSONError(w, http.StatusInternalServerError, "subscribe_failed")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current, err := g.sessions.Status(ctx, tenantID)
	switch {
	case err == nil:
		g.writeSSEEvent(w, "status", toStatusResponse(current))
	case errors.Is(err, session.ErrSessionNotFound):
		g.writeSSEEvent(w, "status", StatusResponse{TenantID: tenantID, Status: "none"})
	default:
		g.logger.Warn("failed to load status for stream", "tenant_id", tenantID, "error", err)
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.streams.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case info, ok := <-updates:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "status", toStatusResponse(info))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
