package kms

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// MockHSM implements interfaces.HSMDelegate for testing.
type MockHSM struct {
	mock.Mock
}

func (m *MockHSM) GenerateKeyPair(alg interfaces.AlgorithmID) (string, []byte, error) {
	args := m.Called(alg)
	return args.String(0), args.Get(1).([]byte), args.Error(2)
}

func (m *MockHSM) Decapsulate(handle string, ciphertext []byte) ([]byte, error) {
	args := m.Called(handle, ciphertext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockHSM) Sign(handle string, digest []byte) ([]byte, error) {
	args := m.Called(handle, digest)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockHSM) DestroyKey(handle string) error {
	return m.Called(handle).Error(0)
}

func TestHSMManagerDelegation(t *testing.T) {
	hsm := &MockHSM{}
	hsm.On("GenerateKeyPair", interfaces.MLKEM768).Return("handle-1", []byte("pub-1"), nil).Once()
	hsm.On("GenerateKeyPair", interfaces.MLDSA65).Return("handle-2", []byte("pub-2"), nil).Once()
	hsm.On("Decapsulate", "handle-1", []byte("ct")).Return([]byte("secret"), nil)
	hsm.On("Sign", "handle-2", []byte("digest")).Return([]byte("signature"), nil)

	mgr := NewHSMManager(hsm, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	v, err := mgr.GenerateKEMKeyPair(interfaces.MLKEM768)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyVersion(1), v)
	_, err = mgr.GenerateSigKeyPair(interfaces.MLDSA65)
	require.NoError(t, err)

	secret, err := mgr.Decapsulate(v, []byte("ct"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)

	sig, sigVersion, err := mgr.SignTranscript([]byte("digest"))
	require.NoError(t, err)
	assert.Equal(t, []byte("signature"), sig)
	assert.Equal(t, interfaces.KeyVersion(1), sigVersion)

	hsm.AssertExpectations(t)
}

func TestHSMManagerRotationRetainsGraceVersion(t *testing.T) {
	hsm := &MockHSM{}
	hsm.On("GenerateKeyPair", interfaces.MLKEM768).Return("handle-1", []byte("pub-1"), nil).Once()
	hsm.On("GenerateKeyPair", interfaces.MLKEM768).Return("handle-3", []byte("pub-3"), nil).Once()
	hsm.On("Decapsulate", "handle-1", mock.Anything).Return([]byte("old-secret"), nil)

	mgr := NewHSMManager(hsm, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	v1, err := mgr.GenerateKEMKeyPair(interfaces.MLKEM768)
	require.NoError(t, err)

	v2, err := mgr.RotateKEMKey("test")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// The rotated-out handle still serves decapsulation inside the grace
	// window.
	secret, err := mgr.Decapsulate(v1, []byte("ct"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old-secret"), secret)

	hsm.AssertExpectations(t)
}

func TestHSMManagerSigRotationRetainsGraceHandle(t *testing.T) {
	hsm := &MockHSM{}
	hsm.On("GenerateKeyPair", interfaces.MLDSA65).Return("sig-1", []byte("pub-1"), nil).Once()
	hsm.On("GenerateKeyPair", interfaces.MLDSA65).Return("sig-2", []byte("pub-2"), nil).Once()
	hsm.On("GenerateKeyPair", interfaces.MLDSA65).Return("sig-3", []byte("pub-3"), nil).Once()
	hsm.On("Sign", "sig-2", mock.Anything).Return([]byte("signature"), nil)
	// The first handle is only destroyed when the second rotation pushes it
	// out, not at the moment it stops being current.
	hsm.On("DestroyKey", "sig-1").Return(nil).Once()

	mgr := NewHSMManager(hsm, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := mgr.GenerateSigKeyPair(interfaces.MLDSA65)
	require.NoError(t, err)

	v2, err := mgr.RotateSigKey("test")
	require.NoError(t, err)
	hsm.AssertNotCalled(t, "DestroyKey", "sig-1")

	_, sigVersion, err := mgr.SignTranscript([]byte("digest"))
	require.NoError(t, err)
	assert.Equal(t, v2, sigVersion)

	_, err = mgr.RotateSigKey("test")
	require.NoError(t, err)

	hsm.AssertExpectations(t)
}

func TestHSMManagerRejectsExport(t *testing.T) {
	mgr := NewHSMManager(&MockHSM{}, time.Minute, nil)

	_, err := mgr.BackupKeys([]byte("P"))
	assert.ErrorIs(t, err, interfaces.ErrBackupUnsupported)
	assert.ErrorIs(t, mgr.RestoreKeys([]byte("P"), []byte("blob")), interfaces.ErrBackupUnsupported)
}
