// Package gateway exposes the session manager over HTTP.
//
// # Routes
//
// Public:
//
//	GET /health   liveness, always "ok"
//	GET /ready    readiness, "ready" once the store answers a ping
//
// Behind bearer auth (auth.api_key) and, when configured, CORS:
//
//	GET    /sessions                        live sessions
//	POST   /sessions/{tenantId}             create or return the session
//	GET    /sessions/{tenantId}/qr          pairing code as image/png, or {"qr":null}
//	GET    /sessions/{tenantId}/status      live or last persisted status, 404 if none
//	GET    /sessions/{tenantId}/events      status changes as Server-Sent Events
//	DELETE /sessions/{tenantId}             tear down and forget the session
//	POST   /sessions/{tenantId}/sendText    {"to","text"} -> {"ok","delivered"}
//
// Errors are {"error":"<code>"} and never carry internal detail.
//
// # Listeners
//
// HTTP listens on server.http_addr, or on :80 of a tsnet node when tailscale
// is enabled. When server.grpc_addr is set a gRPC server answers the standard
// grpc.health.v1.Health service on it.
//
// # Shutdown
//
// Run returns after its context ends. It stops the HTTP server, flips gRPC
// health to NOT_SERVING, closes every live session and finally the store, all
// within server.shutdown_grace.
package gateway
