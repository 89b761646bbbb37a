package interfaces

import "errors"

// Handshake and negotiation failures. None of these are retried inside the
// core; the calling layer decides whether to restart the handshake.
var (
	// ErrAlgorithmNegotiationFailed means no common algorithm exists between
	// the client's offer and the server's supported set. The client must
	// retry with a different offer.
	ErrAlgorithmNegotiationFailed = errors.New("algorithm negotiation failed")

	// ErrProtocolOrderViolation means a handshake message arrived for a
	// handshake that is not in the expected state. The handshake is aborted.
	ErrProtocolOrderViolation = errors.New("protocol order violation")

	// ErrHandshakeNotFound means the handshake identifier is unknown or the
	// handshake timed out and was reclaimed. The client restarts from
	// ClientHello.
	ErrHandshakeNotFound = errors.New("handshake not found")

	// ErrTranscriptIntegrityFailure means the transcript MAC did not match:
	// tampering or downgrade was detected. The handshake is aborted and no
	// session is created.
	ErrTranscriptIntegrityFailure = errors.New("transcript integrity failure")
)

// Session store failures.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrStorageBackendUnavailable means the durable backend is unreachable.
	// New session writes fail closed.
	ErrStorageBackendUnavailable = errors.New("storage backend unavailable")
)

// Key manager failures. All of them leave existing key state unchanged.
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidPassphrase    = errors.New("invalid passphrase")
	ErrCorruptBackup        = errors.New("corrupt backup")

	// ErrBackupUnsupported means the key manager cannot export or import
	// key material at all, for example when keys live on an HSM.
	ErrBackupUnsupported = errors.New("backup not supported")

	// ErrKeyVersionUnavailable means the requested key version has been
	// rotated out past its grace period and its material discarded.
	ErrKeyVersionUnavailable = errors.New("key version unavailable")
)

// Backup archive failures.
var (
	ErrBackupNotFound = errors.New("backup not found")

	// ErrArchiveUnavailable means the backup archive backend cannot be
	// reached.
	ErrArchiveUnavailable = errors.New("backup archive unavailable")
)
