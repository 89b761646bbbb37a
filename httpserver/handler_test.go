package httpserver

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/cryptoutils"
	"github.com/pqwire/pqsession-backend/handshake"
	"github.com/pqwire/pqsession-backend/interfaces"
	"github.com/pqwire/pqsession-backend/kms"
	"github.com/pqwire/pqsession-backend/sessionstore"
	"github.com/pqwire/pqsession-backend/storage"
)

type testServer struct {
	api     *httptest.Server
	manager *kms.Manager
	store   *sessionstore.LocalStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager := kms.NewManager(kms.Config{
		KEMAlgorithm: interfaces.MLKEM768,
		SigAlgorithm: interfaces.MLDSA65,
		Log:          log,
	})
	require.NoError(t, manager.Init())

	store := sessionstore.NewLocalStore(sessionstore.Config{Log: log})
	coord := handshake.NewCoordinator(manager, store, handshake.Config{
		ServerAddr: "test-server:4433",
		Log:        log,
	})

	archive, err := storage.NewFileArchive(t.TempDir(), log)
	require.NoError(t, err)

	srv, _, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		EnableAdmin:              true,
		Log:                      log,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	})
	require.NoError(t, err)
	srv.SetHandlers(
		NewHandler(coord, store, manager, nil, log),
		NewAdminHandler(manager, archive, nil, log),
	)

	api := httptest.NewServer(srv.getRouter())
	t.Cleanup(func() {
		api.Close()
		coord.Close()
		store.Close()
		manager.Close()
	})
	return &testServer{api: api, manager: manager, store: store}
}

func (ts *testServer) postJSON(t *testing.T, path string, payload, response any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.api.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	if response != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(response))
	}
	return resp
}

func (ts *testServer) getJSON(t *testing.T, path string, response any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if response != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(response))
	}
	return resp
}

// runHandshake drives a complete handshake over HTTP and returns the
// finished message.
func runHandshake(t *testing.T, ts *testServer) *interfaces.ServerFinished {
	t.Helper()
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	hello := &interfaces.ClientHello{
		OfferedKEMs: []interfaces.AlgorithmID{interfaces.MLKEM768},
		OfferedSigs: []interfaces.AlgorithmID{interfaces.MLDSA65},
		ClientNonce: nonce,
	}
	var reply interfaces.ServerHello
	resp := ts.postJSON(t, "/api/v1/handshake/hello", hello, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scheme, err := cryptoutils.KEMScheme(reply.Suite.KEM)
	require.NoError(t, err)
	pub, err := scheme.UnmarshalBinaryPublicKey(reply.KEMPublicKey)
	require.NoError(t, err)
	ciphertext, _, err := scheme.Encapsulate(pub)
	require.NoError(t, err)

	var finished interfaces.ServerFinished
	resp = ts.postJSON(t, "/api/v1/handshake/exchange", &interfaces.ClientKeyExchange{
		HandshakeID: reply.HandshakeID,
		Ciphertext:  ciphertext,
	}, &finished)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return &finished
}

func TestHandlePublicKeys(t *testing.T) {
	ts := newTestServer(t)

	var keySet interfaces.PublicKeySet
	resp := ts.getJSON(t, "/api/v1/keys", &keySet)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, interfaces.MLKEM768, keySet.KEM.Algorithm)
	assert.Equal(t, interfaces.MLDSA65, keySet.Signature.Algorithm)
	assert.NotEmpty(t, keySet.KEM.PublicKey)
	assert.Equal(t, interfaces.KeyVersion(1), keySet.KEM.Version)
}

func TestHandshakeOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	finished := runHandshake(t, ts)
	assert.NotEmpty(t, finished.SessionID)
	assert.NotEmpty(t, finished.Signature)
	assert.NotEmpty(t, finished.VerifyData)

	var verify verifyResponse
	resp := ts.getJSON(t, "/api/v1/session/"+string(finished.SessionID)+"/verify", &verify)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, verify.Valid)
	assert.Empty(t, verify.Reason)
}

func TestHandleHelloNegotiationFailure(t *testing.T) {
	ts := newTestServer(t)

	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	resp := ts.postJSON(t, "/api/v1/handshake/hello", &interfaces.ClientHello{
		OfferedKEMs: []interfaces.AlgorithmID{interfaces.MLKEM512},
		OfferedSigs: []interfaces.AlgorithmID{interfaces.MLDSA65},
		ClientNonce: nonce,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleHelloBadBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.api.URL+"/api/v1/handshake/hello", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleExchangeUnknownHandshake(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/v1/handshake/exchange", &interfaces.ClientKeyExchange{
		HandshakeID: "no-such-handshake",
		Ciphertext:  []byte{1, 2, 3},
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionInvalidateOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	finished := runHandshake(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.api.URL+"/api/v1/session/"+string(finished.SessionID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var verify verifyResponse
	ts.getJSON(t, "/api/v1/session/"+string(finished.SessionID)+"/verify", &verify)
	assert.False(t, verify.Valid)
	assert.Equal(t, string(interfaces.ReasonInvalidated), verify.Reason)
}

func TestSessionVerifyUnknown(t *testing.T) {
	ts := newTestServer(t)

	var verify verifyResponse
	resp := ts.getJSON(t, "/api/v1/session/never-existed/verify", &verify)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, verify.Valid)
	assert.Equal(t, string(interfaces.ReasonNotFound), verify.Reason)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var health healthResponse
	resp := ts.getJSON(t, "/healthz", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "local", health.Backend)
	assert.False(t, health.Degraded)
}

func TestReadyDrainLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.getJSON(t, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.getJSON(t, "/drain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.getJSON(t, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.getJSON(t, "/undrain", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.getJSON(t, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRotate(t *testing.T) {
	ts := newTestServer(t)

	var rotated rotateResponse
	resp := ts.postJSON(t, "/api/admin/v1/rotate/kem", rotateRequest{Cause: "drill"}, &rotated)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "kem", rotated.Kind)
	assert.Equal(t, interfaces.KeyVersion(2), rotated.Version)

	resp = ts.postJSON(t, "/api/admin/v1/rotate/rsa", rotateRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var audit []interfaces.RotationAuditEntry
	ts.getJSON(t, "/api/admin/v1/audit", &audit)
	require.NotEmpty(t, audit)
	last := audit[len(audit)-1]
	assert.Equal(t, interfaces.OpRotate, last.Op)
	assert.Equal(t, "drill", last.Cause)
}

func TestAdminBackupRestore(t *testing.T) {
	ts := newTestServer(t)

	var backup backupResponse
	resp := ts.postJSON(t, "/api/admin/v1/backup", backupRequest{Passphrase: "correct horse"}, &backup)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, backup.BackupID)

	// Wrong passphrase is rejected and does not disturb the key set.
	resp = ts.postJSON(t, "/api/admin/v1/restore", restoreRequest{
		Passphrase: "wrong",
		BackupID:   backup.BackupID,
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.postJSON(t, "/api/admin/v1/restore", restoreRequest{
		Passphrase: "correct horse",
		BackupID:   backup.BackupID,
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Handshakes still complete after a restore.
	finished := runHandshake(t, ts)
	assert.NotEmpty(t, finished.SessionID)
}

func TestAdminBackupRequiresPassphrase(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/admin/v1/backup", backupRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
