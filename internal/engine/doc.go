// Package engine defines the contract between the session orchestrator and a
// messaging-network driver.
//
// A driver implements Engine. Open returns a Conn bound to one tenant's
// credential directory and an event Handler; Connect starts it. Drivers report
// pairing (EventQR), login (EventAuthenticated, EventReady), failures
// (EventAuthFailure, EventDisconnected) and inbound messages (EventMessage)
// through the Handler.
//
// Drivers live in subpackages: whatsapp (whatsmeow) and matrix (mautrix).
// enginetest provides a scripted fake for tests.
package engine
