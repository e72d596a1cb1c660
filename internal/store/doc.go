// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is split into three narrow interfaces, one per table:
//
//   - DeviceStore: registered passkey credentials
//   - ChallengeStore: one-time ceremony challenges
//   - RequestStore: submitted commands and their lifecycle state
//
// Store composes all three and adds InTx, which runs a function against a
// transaction-scoped Store. SQLiteStore implements every interface in a single
// struct.
//
// # Data Models
//
//   - Device: a passkey credential (public key, signature counter, flags)
//   - Challenge: a single-use ceremony challenge with its serialized session
//   - Request: a command awaiting approval, running, or resolved
//
// # State Transitions
//
// Request transitions are conditional UPDATEs guarded on the current status,
// so two callers racing on the same row cannot both succeed:
//
//	pending -> running   (MarkRunning)
//	pending -> denied    (MarkDenied)
//	pending -> expired   (ExpirePendingRequests)
//	running -> completed | failed (CompleteRequest)
//
// A guard miss returns ErrNotPending or ErrNotRunning.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection, which
// serializes writers and keeps transactions free of SQLITE_BUSY upgrades:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC strings so that lexical comparison
// in SQL matches chronological order.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateCredential: credential id already registered
//   - ErrNotPending / ErrNotRunning: transition guard failed
//   - ErrCounterNotAdvanced: signature counter did not move forward
//
// All methods accept context.Context for cancellation support.
package store
