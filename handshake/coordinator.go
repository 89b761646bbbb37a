package handshake

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pqwire/pqsession-backend/cryptoutils"
	"github.com/pqwire/pqsession-backend/interfaces"
)

// Defaults for the configuration surface.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultSessionTTL    = 3600 * time.Second
	DefaultSweepInterval = 5 * time.Second

	nonceSize = 32
)

// fsm states. helloReceived is the entry state: a handshake only exists in
// the table once ClientHello succeeded.
type fsmState int

const (
	stateHelloReceived fsmState = iota
	stateKeyExchanged
	stateFinished
	stateFailed
)

// Config configures the handshake coordinator.
type Config struct {
	// Timeout bounds the lifetime of a HandshakeState. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// SessionTTL is the lifetime of a completed SessionRecord. Zero means
	// DefaultSessionTTL.
	SessionTTL time.Duration

	// SweepInterval is the reaper cadence. Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// SupportedKEMs and SupportedSigs restrict the server's supported sets.
	// Nil means everything cryptoutils supports.
	SupportedKEMs []interfaces.AlgorithmID
	SupportedSigs []interfaces.AlgorithmID

	// ServerAddr is recorded on completed SessionRecords.
	ServerAddr string

	// Now overrides the clock, for tests.
	Now func() time.Time

	Log *slog.Logger
}

type handshakeState struct {
	mu sync.Mutex

	id          interfaces.HandshakeID
	suite       interfaces.AlgorithmSuite
	clientNonce []byte
	serverNonce []byte
	kemVersion  interfaces.KeyVersion
	transcript  *cryptoutils.Transcript
	clientAddr  string
	deadline    time.Time
	state       fsmState
}

// Coordinator implements interfaces.Handshaker. It owns the table of
// in-flight handshake states and the timeout reaper that reclaims abandoned
// ones.
type Coordinator struct {
	mu    sync.Mutex
	table map[interfaces.HandshakeID]*handshakeState

	keys  interfaces.HandshakeKeys
	store interfaces.SessionStore
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator and starts its timeout reaper. Call
// Close on shutdown.
func NewCoordinator(keys interfaces.HandshakeKeys, store interfaces.SessionStore, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SupportedKEMs == nil {
		cfg.SupportedKEMs = cryptoutils.SupportedKEMs()
	}
	if cfg.SupportedSigs == nil {
		cfg.SupportedSigs = cryptoutils.SupportedSigs()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		table: make(map[interfaces.HandshakeID]*handshakeState),
		keys:  keys,
		store: store,
		cfg:   cfg,
		now:   now,
		log:   log,
		done:  make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// ClientHello negotiates the algorithm suite and opens a handshake.
func (c *Coordinator) ClientHello(hello *interfaces.ClientHello) (*interfaces.ServerHello, error) {
	if len(hello.ClientNonce) == 0 {
		return nil, fmt.Errorf("%w: missing client nonce", interfaces.ErrProtocolOrderViolation)
	}

	kemInfo, err := c.keys.CurrentKEMKey()
	if err != nil {
		return nil, err
	}

	// The KEM the server can actually serve is the one its long-lived key
	// implements; the configured supported set can only narrow it further.
	supportedKEMs := []interfaces.AlgorithmID{kemInfo.Algorithm}
	if !contains(c.cfg.SupportedKEMs, kemInfo.Algorithm) {
		supportedKEMs = nil
	}

	suite, err := cryptoutils.NegotiateSuite(hello.OfferedKEMs, hello.OfferedSigs, supportedKEMs, c.cfg.SupportedSigs)
	if err != nil {
		c.log.Info("Algorithm negotiation failed",
			"offeredKEMs", hello.OfferedKEMs,
			"offeredSigs", hello.OfferedSigs,
			"serverKEM", string(kemInfo.Algorithm))
		return nil, err
	}

	serverNonce := make([]byte, nonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("failed to generate server nonce: %w", err)
	}

	st := &handshakeState{
		id:          interfaces.HandshakeID(uuid.New().String()),
		suite:       suite,
		clientNonce: append([]byte(nil), hello.ClientNonce...),
		serverNonce: serverNonce,
		kemVersion:  kemInfo.Version,
		transcript:  cryptoutils.NewTranscript(),
		clientAddr:  hello.ClientAddr,
		deadline:    c.now().Add(c.cfg.Timeout),
		state:       stateHelloReceived,
	}

	reply := &interfaces.ServerHello{
		HandshakeID:  st.id,
		Suite:        suite,
		KEMPublicKey: kemInfo.PublicKey,
		KEMVersion:   kemInfo.Version,
		ServerNonce:  serverNonce,
	}

	st.transcript.Append(transcriptBytes(hello))
	st.transcript.Append(transcriptBytes(reply))

	c.mu.Lock()
	c.table[st.id] = st
	c.mu.Unlock()

	c.log.Debug("Handshake opened",
		"handshakeID", string(st.id),
		"kem", string(suite.KEM),
		"sig", string(suite.Signature),
		"kemVersion", uint64(kemInfo.Version))
	return reply, nil
}

// ClientKeyExchange completes the handshake: decapsulates the shared
// secret, derives session keys, signs the transcript, and persists the
// SessionRecord. The handshake state is consumed exactly once; a concurrent
// duplicate observes the transition and fails with
// ErrProtocolOrderViolation.
func (c *Coordinator) ClientKeyExchange(kx *interfaces.ClientKeyExchange) (*interfaces.ServerFinished, error) {
	c.mu.Lock()
	st, ok := c.table[kx.HandshakeID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrHandshakeNotFound, kx.HandshakeID)
	}

	// Consume the state under the per-handshake lock, then do all
	// cryptography without holding it.
	st.mu.Lock()
	if st.state != stateHelloReceived {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: handshake %s already %s", interfaces.ErrProtocolOrderViolation, kx.HandshakeID, stateName(st.state))
	}
	if c.now().After(st.deadline) {
		st.state = stateFailed
		st.mu.Unlock()
		c.remove(st.id)
		return nil, fmt.Errorf("%w: %s timed out", interfaces.ErrHandshakeNotFound, kx.HandshakeID)
	}
	st.state = stateKeyExchanged
	st.mu.Unlock()

	finished, err := c.completeExchange(st, kx)
	if err != nil {
		c.abort(st)
		return nil, err
	}

	st.mu.Lock()
	st.state = stateFinished
	st.mu.Unlock()
	c.remove(st.id)

	c.log.Info("Handshake finished",
		"handshakeID", string(st.id),
		"sessionID", string(finished.SessionID),
		"kem", string(st.suite.KEM))
	return finished, nil
}

func (c *Coordinator) completeExchange(st *handshakeState, kx *interfaces.ClientKeyExchange) (*interfaces.ServerFinished, error) {
	secret, err := c.keys.Decapsulate(st.kemVersion, kx.Ciphertext)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyVersionUnavailable) {
			return nil, fmt.Errorf("%w: key version %d rotated out", interfaces.ErrHandshakeNotFound, st.kemVersion)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTranscriptIntegrityFailure, err)
	}
	defer cryptoutils.WipeBytes(secret)

	st.transcript.Append(kx.Ciphertext)
	digest := st.transcript.Digest()

	keys, err := cryptoutils.DeriveSessionKeys(secret, st.clientNonce, st.serverNonce)
	if err != nil {
		return nil, err
	}

	// Mutual confirmation where the client supplied its transcript MAC: a
	// mismatch means tampering or downgrade, and no session may exist.
	if len(kx.VerifyData) > 0 {
		expected := cryptoutils.ClientVerifyData(keys.FinishedKey, digest)
		if !cryptoutils.VerifyDataEqual(kx.VerifyData, expected) {
			keys.Wipe()
			c.log.Warn("Transcript integrity failure", "handshakeID", string(st.id), "clientAddr", st.clientAddr)
			return nil, fmt.Errorf("%w: client verify-data mismatch", interfaces.ErrTranscriptIntegrityFailure)
		}
	}

	signature, sigVersion, err := c.keys.SignTranscript(digest)
	if err != nil {
		keys.Wipe()
		return nil, err
	}

	serverVerify := cryptoutils.ServerVerifyData(keys.FinishedKey, digest)
	cryptoutils.WipeBytes(keys.FinishedKey)

	now := c.now()
	record := &interfaces.SessionRecord{
		ID:             interfaces.SessionID(uuid.New().String()),
		Suite:          st.suite,
		ClientWriteKey: keys.ClientWriteKey,
		ServerWriteKey: keys.ServerWriteKey,
		ClientIV:       keys.ClientIV,
		ServerIV:       keys.ServerIV,
		VerifyData:     serverVerify,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.SessionTTL),
		ClientAddr:     st.clientAddr,
		ServerAddr:     c.cfg.ServerAddr,
		State:          interfaces.SessionActive,
	}

	// A failed write means no session exists; the keys are discarded with
	// the aborted handshake.
	if err := c.store.Put(context.Background(), record); err != nil {
		keys.Wipe()
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return &interfaces.ServerFinished{
		Signature:  signature,
		SigVersion: sigVersion,
		VerifyData: serverVerify,
		SessionID:  record.ID,
	}, nil
}

// PendingHandshakes reports the number of in-flight handshake states.
func (c *Coordinator) PendingHandshakes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Close stops the timeout reaper and drops all in-flight state.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.table = make(map[interfaces.HandshakeID]*handshakeState)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) abort(st *handshakeState) {
	st.mu.Lock()
	st.state = stateFailed
	st.mu.Unlock()
	c.remove(st.id)
}

func (c *Coordinator) remove(id interfaces.HandshakeID) {
	c.mu.Lock()
	delete(c.table, id)
	c.mu.Unlock()
}

// reapLoop purges expired handshake states on a fixed cadence. The table
// lock is held only to collect the batch, never while logging.
func (c *Coordinator) reapLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes every handshake state past its deadline and returns how
// many were reclaimed.
func (c *Coordinator) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var expired []interfaces.HandshakeID
	for id, st := range c.table {
		if now.After(st.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(c.table, id)
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		c.log.Debug("Reaped expired handshakes", "count", len(expired))
	}
	return len(expired)
}

// transcriptBytes produces the canonical byte encoding of a handshake
// message for the transcript hash.
func transcriptBytes(message any) []byte {
	b, err := json.Marshal(message)
	if err != nil {
		// Handshake messages are plain structs of slices and strings;
		// marshaling them cannot fail at runtime.
		panic(fmt.Sprintf("unmarshalable handshake message: %v", err))
	}
	return b
}

func stateName(s fsmState) string {
	switch s {
	case stateHelloReceived:
		return "HELLO_RECEIVED"
	case stateKeyExchanged:
		return "KEY_EXCHANGED"
	case stateFinished:
		return "FINISHED"
	case stateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func contains(set []interfaces.AlgorithmID, alg interfaces.AlgorithmID) bool {
	for _, a := range set {
		if a == alg {
			return true
		}
	}
	return false
}
