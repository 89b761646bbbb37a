package kms

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign"

	"github.com/pqwire/pqsession-backend/cryptoutils"
	"github.com/pqwire/pqsession-backend/interfaces"
)

// DefaultGracePeriod is the window after rotation during which the previous
// key version still validates. It defaults to one handshake-timeout window
// so every handshake that started before rotation can finish against the old
// key.
const DefaultGracePeriod = 30 * time.Second

// Config configures the software key manager.
type Config struct {
	// KEMAlgorithm and SigAlgorithm select the initial algorithms used by
	// Init and by rotation.
	KEMAlgorithm interfaces.AlgorithmID
	SigAlgorithm interfaces.AlgorithmID

	// GracePeriod is how long a rotated-out key version remains valid.
	// Zero means DefaultGracePeriod.
	GracePeriod time.Duration

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time

	Log *slog.Logger
}

type kemKey struct {
	algorithm  interfaces.AlgorithmID
	version    interfaces.KeyVersion
	createdAt  time.Time
	seed       []byte
	public     kem.PublicKey
	private    kem.PrivateKey
	graceUntil time.Time // zero while current
}

type sigKey struct {
	algorithm  interfaces.AlgorithmID
	version    interfaces.KeyVersion
	createdAt  time.Time
	seed       []byte
	public     sign.PublicKey
	private    sign.PrivateKey
	graceUntil time.Time
}

// Manager is the software implementation of interfaces.KeyManager. All key
// material lives only in process memory. Reads (decapsulation, signing,
// export) take the read lock; rotation and restore are the single writers.
type Manager struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time
	log *slog.Logger

	kemCurrent  *kemKey
	kemPrevious *kemKey
	sigCurrent  *sigKey
	sigPrevious *sigKey

	nextKEMVersion interfaces.KeyVersion
	nextSigVersion interfaces.KeyVersion

	audit auditLog

	rotationStop chan struct{}
	rotationOnce sync.Once
}

// NewManager creates a key manager without any key material. Call Init or
// the Generate methods before serving handshakes.
func NewManager(cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		cfg:            cfg,
		now:            now,
		log:            log,
		nextKEMVersion: 1,
		nextSigVersion: 1,
	}
}

// Init generates the initial KEM and signature key pairs for the configured
// algorithms.
func (m *Manager) Init() error {
	if _, err := m.GenerateKEMKeyPair(m.cfg.KEMAlgorithm); err != nil {
		return err
	}
	if _, err := m.GenerateSigKeyPair(m.cfg.SigAlgorithm); err != nil {
		return err
	}
	return nil
}

// GenerateKEMKeyPair creates a fresh KEM key pair and publishes it as the
// current version. Any previous current key is discarded without a grace
// period; use RotateKEMKey for live rotation.
func (m *Manager) GenerateKEMKeyPair(alg interfaces.AlgorithmID) (interfaces.KeyVersion, error) {
	key, err := m.newKEMKey(alg)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key.version = m.nextKEMVersion
	m.nextKEMVersion++
	if m.kemCurrent != nil {
		wipeKEMKey(m.kemCurrent)
	}
	m.kemCurrent = key

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp:  m.now(),
		Op:         interfaces.OpGenerate,
		Algorithm:  alg,
		NewVersion: key.version,
		Cause:      "kem keypair generated",
	})

	m.log.Info("Generated KEM keypair", "algorithm", string(alg), "version", uint64(key.version))
	return key.version, nil
}

// GenerateSigKeyPair creates a fresh signature key pair and publishes it as
// the current version.
func (m *Manager) GenerateSigKeyPair(alg interfaces.AlgorithmID) (interfaces.KeyVersion, error) {
	key, err := m.newSigKey(alg)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key.version = m.nextSigVersion
	m.nextSigVersion++
	if m.sigCurrent != nil {
		wipeSigKey(m.sigCurrent)
	}
	m.sigCurrent = key

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp:  m.now(),
		Op:         interfaces.OpGenerate,
		Algorithm:  alg,
		NewVersion: key.version,
		Cause:      "signature keypair generated",
	})

	m.log.Info("Generated signature keypair", "algorithm", string(alg), "version", uint64(key.version))
	return key.version, nil
}

// RotateKEMKey publishes a new KEM key version. The outgoing version stays
// valid through the grace period so in-flight handshakes that snapshotted it
// still decapsulate successfully.
func (m *Manager) RotateKEMKey(cause string) (interfaces.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kemCurrent == nil {
		return 0, errors.New("no KEM key to rotate")
	}

	key, err := m.newKEMKey(m.kemCurrent.algorithm)
	if err != nil {
		return 0, err
	}

	if m.kemPrevious != nil {
		wipeKEMKey(m.kemPrevious)
	}
	oldVersion := m.kemCurrent.version
	m.kemCurrent.graceUntil = m.now().Add(m.cfg.GracePeriod)
	m.kemPrevious = m.kemCurrent

	key.version = m.nextKEMVersion
	m.nextKEMVersion++
	m.kemCurrent = key

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp:  m.now(),
		Op:         interfaces.OpRotate,
		Algorithm:  key.algorithm,
		OldVersion: oldVersion,
		NewVersion: key.version,
		Cause:      cause,
	})

	m.log.Info("Rotated KEM key",
		"algorithm", string(key.algorithm),
		"oldVersion", uint64(oldVersion),
		"newVersion", uint64(key.version),
		"graceUntil", m.kemPrevious.graceUntil)
	return key.version, nil
}

// RotateSigKey publishes a new signature key version with grace-period
// retention of the outgoing one.
func (m *Manager) RotateSigKey(cause string) (interfaces.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sigCurrent == nil {
		return 0, errors.New("no signature key to rotate")
	}

	key, err := m.newSigKey(m.sigCurrent.algorithm)
	if err != nil {
		return 0, err
	}

	if m.sigPrevious != nil {
		wipeSigKey(m.sigPrevious)
	}
	oldVersion := m.sigCurrent.version
	m.sigCurrent.graceUntil = m.now().Add(m.cfg.GracePeriod)
	m.sigPrevious = m.sigCurrent

	key.version = m.nextSigVersion
	m.nextSigVersion++
	m.sigCurrent = key

	m.audit.append(interfaces.RotationAuditEntry{
		Timestamp:  m.now(),
		Op:         interfaces.OpRotate,
		Algorithm:  key.algorithm,
		OldVersion: oldVersion,
		NewVersion: key.version,
		Cause:      cause,
	})

	m.log.Info("Rotated signature key",
		"algorithm", string(key.algorithm),
		"oldVersion", uint64(oldVersion),
		"newVersion", uint64(key.version))
	return key.version, nil
}

// CurrentKEMKey returns the handshake-facing view of the current KEM key.
func (m *Manager) CurrentKEMKey() (interfaces.PublicKeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.kemCurrent == nil {
		return interfaces.PublicKeyInfo{}, fmt.Errorf("%w: no KEM key generated", interfaces.ErrKeyVersionUnavailable)
	}

	public, err := m.kemCurrent.public.MarshalBinary()
	if err != nil {
		return interfaces.PublicKeyInfo{}, fmt.Errorf("failed to marshal KEM public key: %w", err)
	}

	return interfaces.PublicKeyInfo{
		Algorithm: m.kemCurrent.algorithm,
		Version:   m.kemCurrent.version,
		PublicKey: public,
		CreatedAt: m.kemCurrent.createdAt,
	}, nil
}

// Decapsulate recovers the shared secret using the key at the requested
// version. The lock is held only for the version lookup, never across the
// decapsulation itself.
func (m *Manager) Decapsulate(version interfaces.KeyVersion, ciphertext []byte) ([]byte, error) {
	// Copy the key reference out under the lock: a concurrent prune nils
	// the private field of retired keys, so reading it after unlock would
	// race with the wipe.
	m.mu.RLock()
	var (
		alg     interfaces.AlgorithmID
		private kem.PrivateKey
	)
	if key := m.lookupKEMLocked(version); key != nil {
		alg = key.algorithm
		private = key.private
	}
	m.mu.RUnlock()

	if private == nil {
		return nil, fmt.Errorf("%w: KEM version %d", interfaces.ErrKeyVersionUnavailable, version)
	}

	scheme, err := cryptoutils.KEMScheme(alg)
	if err != nil {
		return nil, err
	}

	secret, err := scheme.Decapsulate(private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulation failed: %w", err)
	}
	return secret, nil
}

// SignTranscript signs a transcript digest with the current signature key.
func (m *Manager) SignTranscript(digest []byte) ([]byte, interfaces.KeyVersion, error) {
	m.mu.RLock()
	var (
		alg     interfaces.AlgorithmID
		version interfaces.KeyVersion
		private sign.PrivateKey
	)
	if key := m.sigCurrent; key != nil {
		alg = key.algorithm
		version = key.version
		private = key.private
	}
	m.mu.RUnlock()

	if private == nil {
		return nil, 0, fmt.Errorf("%w: no signature key generated", interfaces.ErrKeyVersionUnavailable)
	}

	scheme, err := cryptoutils.SigScheme(alg)
	if err != nil {
		return nil, 0, err
	}

	return scheme.Sign(private, digest, nil), version, nil
}

// ExportPublicKeys returns the current public keys with their versions.
func (m *Manager) ExportPublicKeys() (interfaces.PublicKeySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.kemCurrent == nil || m.sigCurrent == nil {
		return interfaces.PublicKeySet{}, fmt.Errorf("%w: key manager not initialized", interfaces.ErrKeyVersionUnavailable)
	}

	kemPublic, err := m.kemCurrent.public.MarshalBinary()
	if err != nil {
		return interfaces.PublicKeySet{}, fmt.Errorf("failed to marshal KEM public key: %w", err)
	}

	sigPublic, err := m.sigCurrent.public.MarshalBinary()
	if err != nil {
		return interfaces.PublicKeySet{}, fmt.Errorf("failed to marshal signature public key: %w", err)
	}

	return interfaces.PublicKeySet{
		KEM: interfaces.PublicKeyInfo{
			Algorithm: m.kemCurrent.algorithm,
			Version:   m.kemCurrent.version,
			PublicKey: kemPublic,
			CreatedAt: m.kemCurrent.createdAt,
		},
		Signature: interfaces.PublicKeyInfo{
			Algorithm: m.sigCurrent.algorithm,
			Version:   m.sigCurrent.version,
			PublicKey: sigPublic,
			CreatedAt: m.sigCurrent.createdAt,
		},
	}, nil
}

// RotationAuditLog returns a copy of the append-only audit log.
func (m *Manager) RotationAuditLog() []interfaces.RotationAuditEntry {
	return m.audit.entries()
}

// StartRotationSchedule rotates both keys at the given interval until Close
// is called. Expired grace-period material is pruned on the same cadence.
func (m *Manager) StartRotationSchedule(interval time.Duration) {
	m.rotationStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.RotateKEMKey("scheduled rotation"); err != nil {
					m.log.Error("Scheduled KEM rotation failed", "err", err)
				}
				if _, err := m.RotateSigKey("scheduled rotation"); err != nil {
					m.log.Error("Scheduled signature rotation failed", "err", err)
				}
				m.PruneExpired()
			case <-m.rotationStop:
				return
			}
		}
	}()
}

// PruneExpired wipes and discards grace-period keys whose window has passed.
func (m *Manager) PruneExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.kemPrevious != nil && now.After(m.kemPrevious.graceUntil) {
		wipeKEMKey(m.kemPrevious)
		m.kemPrevious = nil
	}
	if m.sigPrevious != nil && now.After(m.sigPrevious.graceUntil) {
		wipeSigKey(m.sigPrevious)
		m.sigPrevious = nil
	}
}

// Close stops the rotation schedule if one is running and wipes all key
// material.
func (m *Manager) Close() error {
	m.rotationOnce.Do(func() {
		if m.rotationStop != nil {
			close(m.rotationStop)
		}
	})

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
	m.kemCurrent, m.kemPrevious, m.sigCurrent, m.sigPrevious = nil, nil, nil, nil
	return nil
}

// lookupKEMLocked resolves a version to a key that is still valid at the
// current time. Caller holds at least the read lock.
func (m *Manager) lookupKEMLocked(version interfaces.KeyVersion) *kemKey {
	if m.kemCurrent != nil && m.kemCurrent.version == version {
		return m.kemCurrent
	}
	if m.kemPrevious != nil && m.kemPrevious.version == version && m.now().Before(m.kemPrevious.graceUntil) {
		return m.kemPrevious
	}
	return nil
}

func (m *Manager) newKEMKey(alg interfaces.AlgorithmID) (*kemKey, error) {
	scheme, err := cryptoutils.KEMScheme(alg)
	if err != nil {
		return nil, err
	}

	seed := make([]byte, scheme.SeedSize())
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate KEM seed: %w", err)
	}

	public, private := scheme.DeriveKeyPair(seed)
	return &kemKey{
		algorithm: alg,
		createdAt: m.now(),
		seed:      seed,
		public:    public,
		private:   private,
	}, nil
}

func (m *Manager) newSigKey(alg interfaces.AlgorithmID) (*sigKey, error) {
	scheme, err := cryptoutils.SigScheme(alg)
	if err != nil {
		return nil, err
	}

	seed := make([]byte, scheme.SeedSize())
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signature seed: %w", err)
	}

	public, private := scheme.DeriveKey(seed)
	return &sigKey{
		algorithm: alg,
		createdAt: m.now(),
		seed:      seed,
		public:    public,
		private:   private,
	}, nil
}

func wipeKEMKey(k *kemKey) {
	cryptoutils.WipeBytes(k.seed)
	k.private = nil
}

func wipeSigKey(k *sigKey) {
	cryptoutils.WipeBytes(k.seed)
	k.private = nil
}
