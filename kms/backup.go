package kms

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pqwire/pqsession-backend/cryptoutils"
	"github.com/pqwire/pqsession-backend/interfaces"
)

const (
	backupFormatVersion = 1
	backupSaltSize      = 16
	backupKEKSize       = chacha20poly1305.KeySize

	// argon2id parameters for the passphrase-derived encryption key.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// backupEnvelope is the outer, unencrypted structure of a backup blob.
type backupEnvelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// backupKeyEntry is one serialized key pair inside the encrypted payload.
// Only the seed is needed; key pairs re-derive deterministically from it.
type backupKeyEntry struct {
	Kind       string                 `json:"kind"` // "kem" or "sig"
	Algorithm  interfaces.AlgorithmID `json:"algorithm"`
	Version    interfaces.KeyVersion  `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	GraceUntil time.Time              `json:"grace_until,omitempty"`
	Seed       []byte                 `json:"seed"`
}

type backupPayload struct {
	Keys           []backupKeyEntry      `json:"keys"`
	NextKEMVersion interfaces.KeyVersion `json:"next_kem_version"`
	NextSigVersion interfaces.KeyVersion `json:"next_sig_version"`
}

// BackupKeys encrypts all current and grace-period private material under a
// passphrase-derived key. All-or-nothing: a failure mutates no key state and
// returns no partial blob.
func (m *Manager) BackupKeys(passphrase []byte) ([]byte, error) {
	blob, _, err := m.backup(passphrase, 0, 0)
	return blob, err
}

// BackupKeysWithShares is BackupKeys plus Shamir recovery: the derived
// encryption key is split into n shares with the given threshold, so the
// backup stays recoverable by operator quorum even if the passphrase is
// lost. Shares must be distributed to separate custodians.
func (m *Manager) BackupKeysWithShares(passphrase []byte, n, threshold int) ([]byte, [][]byte, error) {
	return m.backup(passphrase, n, threshold)
}

func (m *Manager) backup(passphrase []byte, shares, threshold int) ([]byte, [][]byte, error) {
	payload, err := m.snapshotPayload()
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize backup payload: %w", err)
	}
	defer cryptoutils.WipeBytes(plaintext)

	salt := make([]byte, backupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate backup salt: %w", err)
	}

	kek := deriveKEK(passphrase, salt)
	defer cryptoutils.WipeBytes(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize backup cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate backup nonce: %w", err)
	}

	envelope := backupEnvelope{
		Version:    backupFormatVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}

	blob, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize backup envelope: %w", err)
	}

	var kekShares [][]byte
	if shares > 0 {
		kekShares, err = shamir.Split(kek, shares, threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to split recovery shares: %w", err)
		}
	}

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp: m.now(),
		Op:        interfaces.OpBackup,
		Cause:     fmt.Sprintf("backup created, %d keys", len(payload.Keys)),
	})

	m.log.Info("Created key backup", "keys", len(payload.Keys), "recoveryShares", shares)
	return blob, kekShares, nil
}

// RestoreKeys replaces the entire key set from an encrypted backup blob.
// Fails with ErrInvalidPassphrase or ErrCorruptBackup without partially
// overwriting existing keys: the new set is fully rebuilt before the swap.
func (m *Manager) RestoreKeys(passphrase, blob []byte) error {
	var envelope backupEnvelope
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}
	if envelope.Version != backupFormatVersion {
		return fmt.Errorf("%w: unknown format version %d", interfaces.ErrCorruptBackup, envelope.Version)
	}
	if len(envelope.Salt) != backupSaltSize || len(envelope.Nonce) != chacha20poly1305.NonceSizeX {
		return fmt.Errorf("%w: malformed envelope", interfaces.ErrCorruptBackup)
	}

	kek := deriveKEK(passphrase, envelope.Salt)
	defer cryptoutils.WipeBytes(kek)

	return m.restoreWithKEK(kek, &envelope)
}

// RestoreKeysFromShares restores a backup by recombining Shamir recovery
// shares of the encryption key instead of the passphrase.
func (m *Manager) RestoreKeysFromShares(shares [][]byte, blob []byte) error {
	var envelope backupEnvelope
	if err := json.Unmarshal(blob, &envelope); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}

	kek, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("%w: failed to combine recovery shares: %v", interfaces.ErrCorruptBackup, err)
	}
	defer cryptoutils.WipeBytes(kek)

	if len(kek) != backupKEKSize {
		return fmt.Errorf("%w: recovered key has wrong size", interfaces.ErrCorruptBackup)
	}

	return m.restoreWithKEK(kek, &envelope)
}

func (m *Manager) restoreWithKEK(kek []byte, envelope *backupEnvelope) error {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}

	plaintext, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		// Authentication failure: wrong passphrase and tampered ciphertext
		// are indistinguishable here; the passphrase is the common case.
		return interfaces.ErrInvalidPassphrase
	}
	defer cryptoutils.WipeBytes(plaintext)

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}

	// Rebuild the full key set before touching manager state.
	var kemCurrent, kemPrevious *kemKey
	var sigCurrent, sigPrevious *sigKey
	for _, entry := range payload.Keys {
		switch entry.Kind {
		case "kem":
			key, err := m.rebuildKEMKey(entry)
			if err != nil {
				return err
			}
			if entry.GraceUntil.IsZero() {
				kemCurrent = key
			} else {
				kemPrevious = key
			}
		case "sig":
			key, err := m.rebuildSigKey(entry)
			if err != nil {
				return err
			}
			if entry.GraceUntil.IsZero() {
				sigCurrent = key
			} else {
				sigPrevious = key
			}
		default:
			return fmt.Errorf("%w: unknown key kind %q", interfaces.ErrCorruptBackup, entry.Kind)
		}
	}

	if kemCurrent == nil || sigCurrent == nil {
		return fmt.Errorf("%w: backup missing current keys", interfaces.ErrCorruptBackup)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range []*kemKey{m.kemCurrent, m.kemPrevious} {
		if k != nil {
			wipeKEMKey(k)
		}
	}
	for _, k := range []*sigKey{m.sigCurrent, m.sigPrevious} {
		if k != nil {
			wipeSigKey(k)
		}
	}

	m.kemCurrent, m.kemPrevious = kemCurrent, kemPrevious
	m.sigCurrent, m.sigPrevious = sigCurrent, sigPrevious
	m.nextKEMVersion = payload.NextKEMVersion
	m.nextSigVersion = payload.NextSigVersion

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp:  m.now(),
		Op:         interfaces.OpRestore,
		NewVersion: kemCurrent.version,
		Cause:      fmt.Sprintf("restored %d keys from backup", len(payload.Keys)),
	})

	m.log.Info("Restored keys from backup",
		"keys", len(payload.Keys),
		"kemVersion", uint64(kemCurrent.version),
		"sigVersion", uint64(sigCurrent.version))
	return nil
}

// snapshotPayload copies all seeds under the read lock. The copies go into
// the encrypted payload; originals are never handed out.
func (m *Manager) snapshotPayload() (*backupPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.kemCurrent == nil || m.sigCurrent == nil {
		return nil, fmt.Errorf("%w: nothing to back up", interfaces.ErrKeyVersionUnavailable)
	}

	payload := &backupPayload{
		NextKEMVersion: m.nextKEMVersion,
		NextSigVersion: m.nextSigVersion,
	}

	now := m.now()
	appendKEM := func(k *kemKey) {
		if k == nil || (!k.graceUntil.IsZero() && now.After(k.graceUntil)) {
			return
		}
		seed := make([]byte, len(k.seed))
		copy(seed, k.seed)
		payload.Keys = append(payload.Keys, backupKeyEntry{
			Kind: "kem", Algorithm: k.algorithm, Version: k.version,
			CreatedAt: k.createdAt, GraceUntil: k.graceUntil, Seed: seed,
		})
	}
	appendSig := func(k *sigKey) {
		if k == nil || (!k.graceUntil.IsZero() && now.After(k.graceUntil)) {
			return
		}
		seed := make([]byte, len(k.seed))
		copy(seed, k.seed)
		payload.Keys = append(payload.Keys, backupKeyEntry{
			Kind: "sig", Algorithm: k.algorithm, Version: k.version,
			CreatedAt: k.createdAt, GraceUntil: k.graceUntil, Seed: seed,
		})
	}

	appendKEM(m.kemCurrent)
	appendKEM(m.kemPrevious)
	appendSig(m.sigCurrent)
	appendSig(m.sigPrevious)
	return payload, nil
}

func (m *Manager) rebuildKEMKey(entry backupKeyEntry) (*kemKey, error) {
	scheme, err := cryptoutils.KEMScheme(entry.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}
	if len(entry.Seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("%w: wrong seed size for %s", interfaces.ErrCorruptBackup, entry.Algorithm)
	}

	public, private := scheme.DeriveKeyPair(entry.Seed)
	return &kemKey{
		algorithm:  entry.Algorithm,
		version:    entry.Version,
		createdAt:  entry.CreatedAt,
		graceUntil: entry.GraceUntil,
		seed:       entry.Seed,
		public:     public,
		private:    private,
	}, nil
}

func (m *Manager) rebuildSigKey(entry backupKeyEntry) (*sigKey, error) {
	scheme, err := cryptoutils.SigScheme(entry.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptBackup, err)
	}
	if len(entry.Seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("%w: wrong seed size for %s", interfaces.ErrCorruptBackup, entry.Algorithm)
	}

	public, private := scheme.DeriveKey(entry.Seed)
	return &sigKey{
		algorithm:  entry.Algorithm,
		version:    entry.Version,
		createdAt:  entry.CreatedAt,
		graceUntil: entry.GraceUntil,
		seed:       entry.Seed,
		public:     public,
		private:    private,
	}, nil
}

func deriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, backupKEKSize)
}
