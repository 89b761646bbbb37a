package kms

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/cryptoutils"
	"github.com/pqwire/pqsession-backend/interfaces"
)

// fakeClock is a manually advanced clock shared with the manager under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(Config{
		KEMAlgorithm: interfaces.MLKEM768,
		SigAlgorithm: interfaces.MLDSA65,
		GracePeriod:  30 * time.Second,
		Now:          clock.Now,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, m.Init())
	t.Cleanup(func() { m.Close() })
	return m
}

// encapsulateTo runs the client side of the exchange against the manager's
// current KEM key.
func encapsulateTo(t *testing.T, info interfaces.PublicKeyInfo) (ct, ss []byte) {
	t.Helper()
	scheme, err := cryptoutils.KEMScheme(info.Algorithm)
	require.NoError(t, err)
	pk, err := scheme.UnmarshalBinaryPublicKey(info.PublicKey)
	require.NoError(t, err)
	ct, ss, err = scheme.Encapsulate(pk)
	require.NoError(t, err)
	return ct, ss
}

func TestGenerateUnsupportedAlgorithm(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.GenerateKEMKeyPair("X25519")
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)
	_, err = m.GenerateSigKeyPair("RSA-PSS")
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)
}

func TestDecapsulateRoundTrip(t *testing.T) {
	m := testManager(t, newFakeClock())

	info, err := m.CurrentKEMKey()
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyVersion(1), info.Version)

	ct, ss := encapsulateTo(t, info)
	recovered, err := m.Decapsulate(info.Version, ct)
	require.NoError(t, err)
	assert.Equal(t, ss, recovered)
}

func TestRotationGracePeriod(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, clock)

	info, err := m.CurrentKEMKey()
	require.NoError(t, err)
	ct, ss := encapsulateTo(t, info)

	// Rotate mid-handshake: version 1 must still decapsulate inside the
	// grace window.
	newVersion, err := m.RotateKEMKey("test rotation")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyVersion(2), newVersion)

	clock.Advance(10 * time.Second)
	recovered, err := m.Decapsulate(info.Version, ct)
	require.NoError(t, err)
	assert.Equal(t, ss, recovered)

	// Past the grace window the old version is gone for good.
	clock.Advance(30 * time.Second)
	_, err = m.Decapsulate(info.Version, ct)
	assert.ErrorIs(t, err, interfaces.ErrKeyVersionUnavailable)

	// The new version keeps working.
	current, err := m.CurrentKEMKey()
	require.NoError(t, err)
	ct2, ss2 := encapsulateTo(t, current)
	recovered2, err := m.Decapsulate(current.Version, ct2)
	require.NoError(t, err)
	assert.Equal(t, ss2, recovered2)
}

func TestPruneExpiredWipesOldVersion(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, clock)

	_, err := m.RotateKEMKey("test")
	require.NoError(t, err)
	require.NotNil(t, m.kemPrevious)
	seed := m.kemPrevious.seed

	clock.Advance(45 * time.Second)
	m.PruneExpired()

	assert.Nil(t, m.kemPrevious)
	assert.Equal(t, make([]byte, len(seed)), seed, "rotated-out seed must be zeroed")
}

func TestDecapsulateConcurrentWithPrune(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, clock)

	info, err := m.CurrentKEMKey()
	require.NoError(t, err)
	ct, ss := encapsulateTo(t, info)

	_, err = m.RotateKEMKey("test")
	require.NoError(t, err)

	// Hammer the grace-period version while the window closes and the
	// reaper retires it. Every call must either recover the secret or fail
	// with a clean version-unavailable error, never crash.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				recovered, err := m.Decapsulate(info.Version, ct)
				if err != nil {
					assert.ErrorIs(t, err, interfaces.ErrKeyVersionUnavailable)
					continue
				}
				assert.Equal(t, ss, recovered)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		clock.Advance(45 * time.Second)
		m.PruneExpired()
	}()

	close(start)
	wg.Wait()

	_, err = m.Decapsulate(info.Version, ct)
	assert.ErrorIs(t, err, interfaces.ErrKeyVersionUnavailable)
}

func TestSignTranscriptConcurrentWithRotation(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, clock)

	digest := make([]byte, 32)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 25; j++ {
				sig, version, err := m.SignTranscript(digest)
				assert.NoError(t, err)
				assert.NotEmpty(t, sig)
				assert.NotZero(t, version)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 5; j++ {
			_, err := m.RotateSigKey("test")
			assert.NoError(t, err)
			clock.Advance(45 * time.Second)
			m.PruneExpired()
		}
	}()

	close(start)
	wg.Wait()
}

func TestSignTranscript(t *testing.T) {
	m := testManager(t, newFakeClock())

	digest := make([]byte, 32)
	sig, version, err := m.SignTranscript(digest)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyVersion(1), version)

	keys, err := m.ExportPublicKeys()
	require.NoError(t, err)

	scheme, err := cryptoutils.SigScheme(keys.Signature.Algorithm)
	require.NoError(t, err)
	pk, err := scheme.UnmarshalBinaryPublicKey(keys.Signature.PublicKey)
	require.NoError(t, err)
	assert.True(t, scheme.Verify(pk, digest, sig, nil))
}

func TestRotationAuditLog(t *testing.T) {
	m := testManager(t, newFakeClock())

	_, err := m.RotateKEMKey("operator request")
	require.NoError(t, err)
	_, err = m.BackupKeys([]byte("passphrase"))
	require.NoError(t, err)

	entries := m.RotationAuditLog()
	require.Len(t, entries, 4) // two generates, one rotate, one backup

	assert.Equal(t, interfaces.OpGenerate, entries[0].Op)
	assert.Equal(t, interfaces.OpGenerate, entries[1].Op)
	assert.Equal(t, interfaces.OpRotate, entries[2].Op)
	assert.Equal(t, "operator request", entries[2].Cause)
	assert.Equal(t, interfaces.OpBackup, entries[3].Op)

	// The returned slice is a copy.
	entries[0].Op = interfaces.OpRestore
	assert.Equal(t, interfaces.OpGenerate, m.RotationAuditLog()[0].Op)
}
