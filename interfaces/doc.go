/*
Package interfaces defines the core types, capability interfaces, and error
taxonomy shared by every component of the post-quantum session backend.

The package has no dependencies on other packages in this repository, so it
can be imported by all of them without cycles. It contains:

  - Algorithm identifiers and the negotiated AlgorithmSuite
  - Session and handshake identifier types and records
  - The KeyManager capability interface and its HSM delegation variant
  - The SessionStore contract shared by all session backends
  - The BackupArchive contract for content-addressed key-backup storage
  - Handshake message types exchanged between client and server
  - Sentinel errors for every failure kind a caller can branch on

# Capability Interfaces

Components interact exclusively through the interfaces defined here. The
handshake coordinator consumes a KeyManager for decapsulation and transcript
signing, and a SessionStore for persisting completed sessions. Neither side
knows the concrete implementation behind the interface: the KeyManager may be
the in-process software manager or an HSM delegate, and the SessionStore may
be the local in-memory backend, SQLite, or Vault.

# Error Handling

Protocol and cryptographic failures are plain sentinel errors wrapped with
fmt.Errorf("%w: ..."). Callers branch on failure kind with errors.Is; nothing
in this core retries automatically.
*/
package interfaces
