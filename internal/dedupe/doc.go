// Package dedupe runs keyed operations at most once within a time window.
//
// The gateway keys submissions by agent and Idempotency-Key header, so an
// agent that retries after a dropped response gets its original request back
// instead of queuing the command twice.
package dedupe
