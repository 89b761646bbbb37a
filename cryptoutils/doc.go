/*
Package cryptoutils wraps the post-quantum primitives and key-derivation
scheme used by the handshake.

The primitives themselves come from cloudflare/circl and are consumed through
its generic kem.Scheme and sign.Scheme interfaces: ML-KEM-512/768/1024 for
key encapsulation (FIPS 203) and ML-DSA-44/65/87 for signatures (FIPS 204).
This package never implements a primitive; it maps algorithm identifiers to
schemes, ranks them for negotiation, and derives session keys from the
encapsulated shared secret.

# Negotiation

Each algorithm carries a fixed security-level rank. Negotiation picks the
highest-ranked algorithm present in both the offered and supported sets,
independently for KEM and signature. Ties are broken by the server's fixed
preference order, never by offer order.

# Key Derivation

Session keys are derived with HKDF-SHA256 from the shared secret, salted
with both handshake nonces. Every derived value uses a distinct context
label, so the client write key, server write key, both IVs, and the finished
MAC key are cryptographically independent.

# Transcript

The transcript hash binds the ordered handshake messages into a single
SHA-256 digest. Each message is length-prefixed before hashing so message
boundaries cannot be shifted. Verify-data is an HMAC-SHA256 over the digest
under the derived finished key, with separate client and server labels.
*/
package cryptoutils
