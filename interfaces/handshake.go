package interfaces

// ClientHello opens a handshake: the client offers algorithm sets and a
// fresh nonce.
type ClientHello struct {
	OfferedKEMs []AlgorithmID `json:"offered_kems"`
	OfferedSigs []AlgorithmID `json:"offered_sigs"`
	ClientNonce []byte        `json:"client_nonce"`
	ClientAddr  string        `json:"client_addr,omitempty"`
}

// ServerHello answers a ClientHello with the selected suite, the server's
// encapsulation key for this handshake, and a server nonce.
type ServerHello struct {
	HandshakeID  HandshakeID    `json:"handshake_id"`
	Suite        AlgorithmSuite `json:"suite"`
	KEMPublicKey []byte         `json:"kem_public_key"`
	KEMVersion   KeyVersion     `json:"kem_version"`
	ServerNonce  []byte         `json:"server_nonce"`
}

// ClientKeyExchange carries the client's encapsulation ciphertext.
// VerifyData is optional: when present it is the client's transcript MAC and
// the server checks it for mutual confirmation.
type ClientKeyExchange struct {
	HandshakeID HandshakeID `json:"handshake_id"`
	Ciphertext  []byte      `json:"ciphertext"`
	VerifyData  []byte      `json:"verify_data,omitempty"`
}

// ServerFinished completes the handshake: the server's signature over the
// transcript digest, its own verify-data MAC, and the allocated session ID.
type ServerFinished struct {
	Signature  []byte     `json:"signature"`
	SigVersion KeyVersion `json:"sig_version"`
	VerifyData []byte     `json:"verify_data"`
	SessionID  SessionID  `json:"session_id"`
}

// Handshaker drives the server side of the handshake protocol. Implemented
// by the handshake coordinator; consumed by the API surface.
type Handshaker interface {
	ClientHello(hello *ClientHello) (*ServerHello, error)
	ClientKeyExchange(kx *ClientKeyExchange) (*ServerFinished, error)
}
