// ABOUTME: HTTP middleware enforcing bearer authentication on the control API
// ABOUTME: Accepts the shared API key itself or an HS256 JWT signed with it

package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware rejects requests without valid credentials. With an
// empty apiKey every request passes as an anonymous caller.
func HTTPAuthMiddleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	verifier := NewJWTVerifier([]byte(apiKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				caller := &Caller{Method: MethodNone}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logger.Debug("rejected request", "path", r.URL.Path, "reason", errMsg)
				unauthorized(w)
				return
			}

			caller, err := authenticate(token, apiKey, verifier)
			if err != nil {
				logger.Debug("rejected request", "path", r.URL.Path, "reason", err)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func authenticate(token, apiKey string, verifier TokenVerifier) (*Caller, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
		return &Caller{Subject: "api-key", Method: MethodAPIKey}, nil
	}
	subject, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Caller{Subject: subject, Method: MethodJWT}, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="wagate"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
