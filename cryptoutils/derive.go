package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key and IV sizes for the derived session material.
const (
	WriteKeySize    = 32
	IVSize          = 12
	FinishedKeySize = 32
)

// Context labels for HKDF expansion. Each derived value gets its own label
// so no two outputs ever share key stream.
const (
	labelClientWriteKey = "pqsession v1 client write key"
	labelServerWriteKey = "pqsession v1 server write key"
	labelClientIV       = "pqsession v1 client iv"
	labelServerIV       = "pqsession v1 server iv"
	labelFinishedKey    = "pqsession v1 finished key"
)

// SessionKeys is the full set of symmetric material derived from one
// handshake.
type SessionKeys struct {
	ClientWriteKey []byte
	ServerWriteKey []byte
	ClientIV       []byte
	ServerIV       []byte
	FinishedKey    []byte
}

// Wipe zeroes all derived material. Called when a handshake fails after
// derivation so keys never outlive a discarded handshake.
func (k *SessionKeys) Wipe() {
	WipeBytes(k.ClientWriteKey)
	WipeBytes(k.ServerWriteKey)
	WipeBytes(k.ClientIV)
	WipeBytes(k.ServerIV)
	WipeBytes(k.FinishedKey)
}

// DeriveSessionKeys expands the encapsulated shared secret into directional
// write keys, IVs, and the finished MAC key. The salt binds both nonces so
// distinct handshakes derive distinct keys even if secrets collide.
func DeriveSessionKeys(sharedSecret, clientNonce, serverNonce []byte) (*SessionKeys, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	keys := &SessionKeys{}
	for _, out := range []struct {
		label string
		size  int
		dst   *[]byte
	}{
		{labelClientWriteKey, WriteKeySize, &keys.ClientWriteKey},
		{labelServerWriteKey, WriteKeySize, &keys.ServerWriteKey},
		{labelClientIV, IVSize, &keys.ClientIV},
		{labelServerIV, IVSize, &keys.ServerIV},
		{labelFinishedKey, FinishedKeySize, &keys.FinishedKey},
	} {
		buf := make([]byte, out.size)
		r := hkdf.New(sha256.New, sharedSecret, salt, []byte(out.label))
		if _, err := io.ReadFull(r, buf); err != nil {
			keys.Wipe()
			return nil, fmt.Errorf("key derivation failed for %q: %w", out.label, err)
		}
		*out.dst = buf
	}

	return keys, nil
}
