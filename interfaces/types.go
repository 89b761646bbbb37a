package interfaces

import (
	"time"
)

// AlgorithmID identifies a post-quantum algorithm by its standard name,
// for example "ML-KEM-768" or "ML-DSA-65".
type AlgorithmID string

// Supported key-encapsulation algorithm identifiers (NIST FIPS 203).
const (
	MLKEM512  AlgorithmID = "ML-KEM-512"
	MLKEM768  AlgorithmID = "ML-KEM-768"
	MLKEM1024 AlgorithmID = "ML-KEM-1024"
)

// Supported signature algorithm identifiers (NIST FIPS 204).
const (
	MLDSA44 AlgorithmID = "ML-DSA-44"
	MLDSA65 AlgorithmID = "ML-DSA-65"
	MLDSA87 AlgorithmID = "ML-DSA-87"
)

// AlgorithmSuite is the pair of algorithms negotiated for one handshake.
// Immutable once chosen.
type AlgorithmSuite struct {
	KEM       AlgorithmID `json:"kem"`
	Signature AlgorithmID `json:"signature"`
}

// KeyVersion is a monotonically increasing version number for long-lived
// key pairs. Version 0 means "no key".
type KeyVersion uint64

// HandshakeID identifies an in-flight handshake. Allocated on ClientHello,
// discarded when the handshake reaches a terminal state.
type HandshakeID string

// SessionID identifies a completed session. Unique across the store's
// lifetime.
type SessionID string

// SessionState tags the lifecycle state of a session record.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionExpired     SessionState = "expired"
	SessionInvalidated SessionState = "invalidated"
)

// VerifyReason explains why a session failed verification. Empty when the
// session is valid. Distinct reasons matter for client diagnostics.
type VerifyReason string

const (
	ReasonValid       VerifyReason = ""
	ReasonExpired     VerifyReason = "expired"
	ReasonInvalidated VerifyReason = "invalidated"
	ReasonNotFound    VerifyReason = "not_found"
)

// SessionRecord holds the symmetric material and metadata of a completed
// handshake. Write keys and IVs are derived per direction; VerifyData is the
// transcript MAC proving both parties derived the same secret.
type SessionRecord struct {
	ID             SessionID      `json:"id"`
	Suite          AlgorithmSuite `json:"suite"`
	ClientWriteKey []byte         `json:"client_write_key"`
	ServerWriteKey []byte         `json:"server_write_key"`
	ClientIV       []byte         `json:"client_iv"`
	ServerIV       []byte         `json:"server_iv"`
	VerifyData     []byte         `json:"verify_data"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ClientAddr     string         `json:"client_addr"`
	ServerAddr     string         `json:"server_addr"`
	State          SessionState   `json:"state"`
}

// Expired reports whether the record is past its expiry at the given time.
func (r *SessionRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// SessionStats summarizes the contents of a session store.
type SessionStats struct {
	Active      int    `json:"active"`
	Expired     int    `json:"expired"`
	Invalidated int    `json:"invalidated"`
	Backend     string `json:"backend"`
	Degraded    bool   `json:"degraded"`
}

// RotationOp names the key-lifecycle operation recorded in an audit entry.
type RotationOp string

const (
	OpGenerate RotationOp = "generate"
	OpRotate   RotationOp = "rotate"
	OpBackup   RotationOp = "backup"
	OpRestore  RotationOp = "restore"
)

// RotationAuditEntry is one append-only record of a key-lifecycle operation.
type RotationAuditEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	Op         RotationOp  `json:"op"`
	Algorithm  AlgorithmID `json:"algorithm,omitempty"`
	OldVersion KeyVersion  `json:"old_version,omitempty"`
	NewVersion KeyVersion  `json:"new_version,omitempty"`
	Cause      string      `json:"cause,omitempty"`
}

// PublicKeyInfo is the exportable view of one long-lived key pair. Private
// material never appears here.
type PublicKeyInfo struct {
	Algorithm AlgorithmID `json:"algorithm"`
	Version   KeyVersion  `json:"version"`
	PublicKey []byte      `json:"public_key"`
	CreatedAt time.Time   `json:"created_at"`
}

// PublicKeySet bundles the current public KEM and signature keys.
type PublicKeySet struct {
	KEM       PublicKeyInfo `json:"kem"`
	Signature PublicKeyInfo `json:"signature"`
}
