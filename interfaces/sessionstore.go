package interfaces

import "context"

// SessionStore persists completed sessions. Implementations must make each
// operation atomic per session ID: Put, Get, and Invalidate on a given ID
// never interleave partially. No implementation holds a lock across a
// network round trip or a cryptographic computation.
//
// Expiry is enforced lazily on every Get and Verify; the local backend
// additionally runs a periodic sweep so memory stays bounded without active
// reads.
type SessionStore interface {
	// Put stores a completed session record. Any error implies no session
	// exists: a failed write never leaves a partial record.
	Put(ctx context.Context, record *SessionRecord) error

	// Get returns the record for the given ID, or ErrSessionNotFound.
	// An expired record is returned with State set to SessionExpired.
	Get(ctx context.Context, id SessionID) (*SessionRecord, error)

	// Verify reports whether the session is valid, with a distinct reason
	// when it is not: ReasonExpired, ReasonInvalidated, or ReasonNotFound.
	Verify(ctx context.Context, id SessionID) (bool, VerifyReason, error)

	// Invalidate marks the session invalid, effective immediately.
	// Returns ErrSessionNotFound if the session is absent.
	Invalidate(ctx context.Context, id SessionID) error

	// Stats summarizes the store contents by state.
	Stats(ctx context.Context) (SessionStats, error)

	// Name identifies the backend ("local", "sqlite", "vault").
	Name() string

	// Close releases backend resources and stops any background sweep.
	Close() error
}
