// ABOUTME: Authenticated caller identity carried through request contexts
// ABOUTME: Provides WithCaller/CallerFromContext for handlers and logs

package auth

import "context"

// Credential kinds accepted by the middleware.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
	MethodNone   = "none"
)

// Caller identifies who made an API request.
type Caller struct {
	Subject string // "api-key" for the shared key, the token's sub otherwise
	Method  string
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller, or nil when the request was not authenticated.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
