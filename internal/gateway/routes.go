// ABOUTME: HTTP route table for the control API
// ABOUTME: Health probes are public; session routes sit behind CORS and bearer auth and are logged with their caller

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/2389/wagate/internal/auth"
)

func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /sessions", g.handleListSessions)
	api.HandleFunc("POST /sessions/{tenantId}", g.handleCreateSession)
	api.HandleFunc("DELETE /sessions/{tenantId}", g.handleDeleteSession)
	api.HandleFunc("GET /sessions/{tenantId}/qr", g.handleQR)
	api.HandleFunc("GET /sessions/{tenantId}/status", g.handleStatus)
	api.HandleFunc("GET /sessions/{tenantId}/events", g.handleEvents)
	api.HandleFunc("POST /sessions/{tenantId}/sendText", g.handleSendText)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)
	mux.Handle("/", auth.HTTPAuthMiddleware(g.config.Auth.APIKey, g.logger)(g.logRequests(api)))

	if g.config.Auth.APIKey == "" {
		g.logger.Warn("HTTP auth disabled - no auth.api_key configured")
	}

	var handler http.Handler = mux
	if origins := g.config.Server.CORSOrigins; len(origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}).Handler(handler)
		g.logger.Info("CORS enabled", "origins", origins)
	}

	return handler
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests must run inside the auth middleware so the caller is known.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		caller := "anonymous"
		if c := auth.CallerFromContext(r.Context()); c != nil && c.Subject != "" {
			caller = c.Subject
		}
		g.logger.Log(r.Context(), level, "http request",
			"caller", caller,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
