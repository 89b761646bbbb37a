package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

// Verify-data labels. Client and server MACs are domain-separated so one can
// never be replayed as the other.
const (
	labelClientFinished = "client finished"
	labelServerFinished = "server finished"
)

// Transcript accumulates a running hash over the ordered handshake messages.
// Each message is prefixed with its length so boundaries are unambiguous.
// Not safe for concurrent use; each handshake owns its own transcript.
type Transcript struct {
	h hash.Hash
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{h: sha256.New()}
}

// Append adds one handshake message to the transcript.
func (t *Transcript) Append(message []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(message)))
	t.h.Write(length[:])
	t.h.Write(message)
}

// Digest returns the current transcript hash without consuming the
// transcript.
func (t *Transcript) Digest() []byte {
	return t.h.Sum(nil)
}

// ClientVerifyData computes the client's transcript MAC under the finished
// key.
func ClientVerifyData(finishedKey, digest []byte) []byte {
	return verifyData(finishedKey, labelClientFinished, digest)
}

// ServerVerifyData computes the server's transcript MAC under the finished
// key.
func ServerVerifyData(finishedKey, digest []byte) []byte {
	return verifyData(finishedKey, labelServerFinished, digest)
}

// VerifyDataEqual compares two MACs in constant time.
func VerifyDataEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func verifyData(finishedKey []byte, label string, digest []byte) []byte {
	mac := hmac.New(sha256.New, finishedKey)
	mac.Write([]byte(label))
	mac.Write(digest)
	return mac.Sum(nil)
}
