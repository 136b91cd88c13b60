// Package session keeps one live messaging connection per tenant.
//
// The Manager creates sessions on demand, serializes initialization per
// tenant so concurrent requests share one outcome, and drives each session
// through a small state machine as engine events arrive:
//
//	starting -> qr_pending <-> authenticated -> ready
//
// Any non-terminal state may move to auth_failed or disconnected, and
// auth_failed may return to qr_pending to re-pair. disconnected and
// init_error are terminal; a terminal session is removed from the registry
// and the next Ensure builds a fresh one.
//
// Every accepted transition is persisted best-effort so status survives a
// restart for inspection. The registry itself is never rebuilt from storage.
package session
