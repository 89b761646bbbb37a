package kms

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// HSMManager implements interfaces.KeyManager by delegating every
// private-key operation to an interfaces.HSMDelegate. Only public keys and
// key handles live in process memory; private material never leaves the
// module. The handshake-facing contract is identical to the software
// Manager.
type HSMManager struct {
	mu       sync.RWMutex
	delegate interfaces.HSMDelegate
	now      func() time.Time
	log      *slog.Logger

	kemCurrent  *hsmKey
	kemPrevious *hsmKey
	sigCurrent  *hsmKey
	sigPrevious *hsmKey

	gracePeriod    time.Duration
	nextKEMVersion interfaces.KeyVersion
	nextSigVersion interfaces.KeyVersion

	audit auditLog
}

type hsmKey struct {
	algorithm  interfaces.AlgorithmID
	version    interfaces.KeyVersion
	createdAt  time.Time
	handle     string
	public     []byte
	graceUntil time.Time
}

// NewHSMManager wraps an HSM delegate in the KeyManager contract.
func NewHSMManager(delegate interfaces.HSMDelegate, gracePeriod time.Duration, log *slog.Logger) *HSMManager {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if log == nil {
		log = slog.Default()
	}
	return &HSMManager{
		delegate:       delegate,
		now:            time.Now,
		log:            log,
		gracePeriod:    gracePeriod,
		nextKEMVersion: 1,
		nextSigVersion: 1,
	}
}

// GenerateKEMKeyPair asks the HSM for a fresh KEM key pair.
func (h *HSMManager) GenerateKEMKeyPair(alg interfaces.AlgorithmID) (interfaces.KeyVersion, error) {
	handle, public, err := h.delegate.GenerateKeyPair(alg)
	if err != nil {
		return 0, fmt.Errorf("HSM key generation failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := &hsmKey{algorithm: alg, version: h.nextKEMVersion, createdAt: h.now(), handle: handle, public: public}
	h.nextKEMVersion++
	h.kemCurrent = key

	h.audit.append(interfaces.RotationAuditEntry{
		Timestamp: h.now(), Op: interfaces.OpGenerate, Algorithm: alg,
		NewVersion: key.version, Cause: "kem keypair generated on HSM",
	})
	return key.version, nil
}

// GenerateSigKeyPair asks the HSM for a fresh signature key pair.
func (h *HSMManager) GenerateSigKeyPair(alg interfaces.AlgorithmID) (interfaces.KeyVersion, error) {
	handle, public, err := h.delegate.GenerateKeyPair(alg)
	if err != nil {
		return 0, fmt.Errorf("HSM key generation failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := &hsmKey{algorithm: alg, version: h.nextSigVersion, createdAt: h.now(), handle: handle, public: public}
	h.nextSigVersion++
	h.sigCurrent = key

	h.audit.append(interfaces.RotationAuditEntry{
		Timestamp: h.now(), Op: interfaces.OpGenerate, Algorithm: alg,
		NewVersion: key.version, Cause: "signature keypair generated on HSM",
	})
	return key.version, nil
}

// RotateKEMKey creates a new HSM key version; the outgoing handle is
// destroyed once its grace period lapses.
func (h *HSMManager) RotateKEMKey(cause string) (interfaces.KeyVersion, error) {
	h.mu.RLock()
	current := h.kemCurrent
	h.mu.RUnlock()
	if current == nil {
		return 0, fmt.Errorf("%w: no KEM key to rotate", interfaces.ErrKeyVersionUnavailable)
	}

	handle, public, err := h.delegate.GenerateKeyPair(current.algorithm)
	if err != nil {
		return 0, fmt.Errorf("HSM rotation failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.kemPrevious != nil {
		if err := h.delegate.DestroyKey(h.kemPrevious.handle); err != nil {
			h.log.Warn("Failed to destroy rotated-out HSM key", "err", err)
		}
	}
	h.kemCurrent.graceUntil = h.now().Add(h.gracePeriod)
	h.kemPrevious = h.kemCurrent

	key := &hsmKey{algorithm: current.algorithm, version: h.nextKEMVersion, createdAt: h.now(), handle: handle, public: public}
	h.nextKEMVersion++
	h.kemCurrent = key

	h.audit.append(interfaces.RotationAuditEntry{
		Timestamp: h.now(), Op: interfaces.OpRotate, Algorithm: key.algorithm,
		OldVersion: h.kemPrevious.version, NewVersion: key.version, Cause: cause,
	})
	return key.version, nil
}

// RotateSigKey creates a new HSM signature key version; the outgoing handle
// is destroyed once its grace period lapses.
func (h *HSMManager) RotateSigKey(cause string) (interfaces.KeyVersion, error) {
	h.mu.RLock()
	current := h.sigCurrent
	h.mu.RUnlock()
	if current == nil {
		return 0, fmt.Errorf("%w: no signature key to rotate", interfaces.ErrKeyVersionUnavailable)
	}

	handle, public, err := h.delegate.GenerateKeyPair(current.algorithm)
	if err != nil {
		return 0, fmt.Errorf("HSM rotation failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sigPrevious != nil {
		if err := h.delegate.DestroyKey(h.sigPrevious.handle); err != nil {
			h.log.Warn("Failed to destroy rotated-out HSM key", "err", err)
		}
	}
	h.sigCurrent.graceUntil = h.now().Add(h.gracePeriod)
	h.sigPrevious = h.sigCurrent

	key := &hsmKey{algorithm: current.algorithm, version: h.nextSigVersion, createdAt: h.now(), handle: handle, public: public}
	h.nextSigVersion++
	h.sigCurrent = key

	h.audit.append(interfaces.RotationAuditEntry{
		Timestamp: h.now(), Op: interfaces.OpRotate, Algorithm: key.algorithm,
		OldVersion: h.sigPrevious.version, NewVersion: key.version, Cause: cause,
	})
	return key.version, nil
}

// BackupKeys always fails: HSM-held keys are not exportable.
func (h *HSMManager) BackupKeys(passphrase []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: HSM keys are not exportable", interfaces.ErrBackupUnsupported)
}

// RestoreKeys always fails: HSM-held keys are not importable.
func (h *HSMManager) RestoreKeys(passphrase, blob []byte) error {
	return fmt.Errorf("%w: HSM keys are not importable", interfaces.ErrBackupUnsupported)
}

// CurrentKEMKey returns the handshake-facing view of the current KEM key.
func (h *HSMManager) CurrentKEMKey() (interfaces.PublicKeyInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.kemCurrent == nil {
		return interfaces.PublicKeyInfo{}, fmt.Errorf("%w: no KEM key generated", interfaces.ErrKeyVersionUnavailable)
	}
	return interfaces.PublicKeyInfo{
		Algorithm: h.kemCurrent.algorithm,
		Version:   h.kemCurrent.version,
		PublicKey: h.kemCurrent.public,
		CreatedAt: h.kemCurrent.createdAt,
	}, nil
}

// Decapsulate forwards to the HSM using the handle for the requested
// version.
func (h *HSMManager) Decapsulate(version interfaces.KeyVersion, ciphertext []byte) ([]byte, error) {
	h.mu.RLock()
	var key *hsmKey
	if h.kemCurrent != nil && h.kemCurrent.version == version {
		key = h.kemCurrent
	} else if h.kemPrevious != nil && h.kemPrevious.version == version && h.now().Before(h.kemPrevious.graceUntil) {
		key = h.kemPrevious
	}
	h.mu.RUnlock()

	if key == nil {
		return nil, fmt.Errorf("%w: KEM version %d", interfaces.ErrKeyVersionUnavailable, version)
	}
	return h.delegate.Decapsulate(key.handle, ciphertext)
}

// SignTranscript forwards to the HSM with the current signature key handle.
func (h *HSMManager) SignTranscript(digest []byte) ([]byte, interfaces.KeyVersion, error) {
	h.mu.RLock()
	key := h.sigCurrent
	h.mu.RUnlock()

	if key == nil {
		return nil, 0, fmt.Errorf("%w: no signature key generated", interfaces.ErrKeyVersionUnavailable)
	}

	sig, err := h.delegate.Sign(key.handle, digest)
	if err != nil {
		return nil, 0, fmt.Errorf("HSM signing failed: %w", err)
	}
	return sig, key.version, nil
}

// ExportPublicKeys returns the current public keys with their versions.
func (h *HSMManager) ExportPublicKeys() (interfaces.PublicKeySet, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.kemCurrent == nil || h.sigCurrent == nil {
		return interfaces.PublicKeySet{}, fmt.Errorf("%w: key manager not initialized", interfaces.ErrKeyVersionUnavailable)
	}
	return interfaces.PublicKeySet{
		KEM: interfaces.PublicKeyInfo{
			Algorithm: h.kemCurrent.algorithm, Version: h.kemCurrent.version,
			PublicKey: h.kemCurrent.public, CreatedAt: h.kemCurrent.createdAt,
		},
		Signature: interfaces.PublicKeyInfo{
			Algorithm: h.sigCurrent.algorithm, Version: h.sigCurrent.version,
			PublicKey: h.sigCurrent.public, CreatedAt: h.sigCurrent.createdAt,
		},
	}, nil
}

// RotationAuditLog returns a copy of the append-only audit log.
func (h *HSMManager) RotationAuditLog() []interfaces.RotationAuditEntry {
	return h.audit.entries()
}
