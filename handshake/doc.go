/*
Package handshake drives the server side of the post-quantum session
handshake as a per-handshake finite state machine.

# Protocol

	ClientHello        -> negotiate suite, allocate handshake ID,
	                      reply ServerHello (KEM public key + server nonce)
	ClientKeyExchange  -> decapsulate, derive session keys, sign transcript,
	                      reply ServerFinished, persist SessionRecord

The state machine transitions HELLO_RECEIVED -> KEY_EXCHANGED -> FINISHED on
success, or to FAILED / TIMEOUT terminally. Any message for a handshake that
is not in the expected state fails with ErrProtocolOrderViolation and the
handshake is aborted. A handshake is consumed at most once: it either
becomes exactly one SessionRecord or is discarded.

# Rotation Safety

Each handshake snapshots the current KEM key version at ClientHello. The
ClientKeyExchange resolves decapsulation against that snapshot, so rotation
mid-handshake never breaks an in-flight exchange while the old version is
inside its grace period. A handshake completing after the grace period fails
cleanly with a key-version error.

# Concurrency

The coordinator is safe under arbitrary interleaving of handshake
operations. Per-handshake completion is mutually exclusive: of two
concurrent completions for the same ID, exactly one succeeds and the other
observes the transitioned state. No lock is held across decapsulation,
derivation, or signing.

# Timeout Reaper

A background sweep purges handshake states past their deadline. Messages for
a purged ID fail with ErrHandshakeNotFound, requiring the client to restart
from ClientHello.
*/
package handshake
