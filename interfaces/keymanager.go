package interfaces

// KeyManager owns the long-lived KEM and signature key pairs backing the
// handshake. Implementations must be safe for concurrent use: many handshakes
// read key material while rotation mutates it under a single-writer
// discipline.
//
// Private material never leaves the implementation in plaintext. The only
// export path is BackupKeys, which returns ciphertext under a
// passphrase-derived key.
type KeyManager interface {
	// GenerateKEMKeyPair creates a fresh KEM key pair for the given
	// algorithm, replacing any current pair. Returns ErrUnsupportedAlgorithm
	// for identifiers outside the supported set.
	GenerateKEMKeyPair(alg AlgorithmID) (KeyVersion, error)

	// GenerateSigKeyPair creates a fresh signature key pair for the given
	// algorithm, replacing any current pair.
	GenerateSigKeyPair(alg AlgorithmID) (KeyVersion, error)

	// RotateKEMKey publishes a new KEM key version atomically. The previous
	// version remains valid for the configured grace period so in-flight
	// handshakes resolve against a key that is still valid.
	RotateKEMKey(cause string) (KeyVersion, error)

	// RotateSigKey publishes a new signature key version atomically, with
	// the same grace-period semantics as RotateKEMKey.
	RotateSigKey(cause string) (KeyVersion, error)

	// BackupKeys encrypts all current and grace-period private material
	// under a passphrase-derived key and returns the ciphertext blob. A
	// failed backup mutates no key state.
	BackupKeys(passphrase []byte) ([]byte, error)

	// RestoreKeys replaces the key set from an encrypted backup blob.
	// Fails with ErrInvalidPassphrase or ErrCorruptBackup without partially
	// overwriting existing keys.
	RestoreKeys(passphrase, blob []byte) error

	// ExportPublicKeys returns the current public KEM and signature keys
	// with their versions.
	ExportPublicKeys() (PublicKeySet, error)

	// RotationAuditLog returns a copy of the append-only audit log. Every
	// generation, rotation, backup, and restore appends exactly one entry
	// before returning success.
	RotationAuditLog() []RotationAuditEntry

	HandshakeKeys
}

// HandshakeKeys is the narrow capability the handshake coordinator needs
// from the key manager. A handshake snapshots the current KEM version when
// it starts and resolves decapsulation against that snapshot, so rotation
// mid-handshake never invalidates it inside the grace window.
type HandshakeKeys interface {
	// CurrentKEMKey returns the current KEM public key, its algorithm, and
	// its version.
	CurrentKEMKey() (PublicKeyInfo, error)

	// Decapsulate recovers the shared secret from a ciphertext using the
	// private key at the given version. Returns ErrKeyVersionUnavailable if
	// the version has been rotated out past its grace period.
	Decapsulate(version KeyVersion, ciphertext []byte) ([]byte, error)

	// SignTranscript signs a transcript digest with the current signature
	// key and reports which version signed it.
	SignTranscript(digest []byte) (signature []byte, version KeyVersion, err error)
}

// HSMDelegate is the abstract boundary to a hardware security module. A
// KeyManager backed by an HSM forwards private-key operations here instead
// of holding material in process memory; its contract is otherwise
// identical to the software implementation.
type HSMDelegate interface {
	GenerateKeyPair(alg AlgorithmID) (handle string, public []byte, err error)
	Decapsulate(handle string, ciphertext []byte) ([]byte, error)
	Sign(handle string, digest []byte) ([]byte, error)
	DestroyKey(handle string) error
}
