package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BackupID is the 32-byte SHA-256 hash identifying one encrypted key-backup
// blob in the archive. Backups are content-addressed: the ID is derived from
// the ciphertext, so identical blobs deduplicate naturally.
type BackupID [32]byte

// ComputeBackupID calculates the backup ID for a blob.
func ComputeBackupID(blob []byte) BackupID {
	return BackupID(sha256.Sum256(blob))
}

// NewBackupIDFromHex parses a backup ID from its hex representation.
func NewBackupIDFromHex(source string) (BackupID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return BackupID{}, errors.New("invalid backup ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return BackupID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id BackupID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex representation.
func (id BackupID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two backup IDs.
func (id BackupID) Equal(other BackupID) bool {
	return bytes.Equal(id[:], other[:])
}

// BackupArchive stores encrypted key-backup blobs. Blobs are opaque
// ciphertext produced by KeyManager.BackupKeys; the archive never sees
// plaintext key material.
type BackupArchive interface {
	// Store saves a blob and returns its content-derived identifier.
	Store(ctx context.Context, blob []byte) (BackupID, error)

	// Fetch retrieves a blob by ID. Returns ErrBackupNotFound if absent.
	Fetch(ctx context.Context, id BackupID) ([]byte, error)

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this archive backend.
	Name() string
}
