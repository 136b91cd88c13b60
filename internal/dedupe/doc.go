// Package dedupe provides an in-process claim cache for inbound message ids.
//
// Engines can redeliver the same message, sometimes concurrently. Claims
// rejects a second in-flight copy before it reaches the store; the store's
// atomic create-if-absent still decides across restarts and processes.
package dedupe
