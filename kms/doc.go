/*
Package kms manages the long-lived post-quantum key material backing the
handshake: versioned ML-KEM and ML-DSA key pairs, rotation with a grace
period, encrypted passphrase backups, and an append-only rotation audit log.

It provides two implementations of interfaces.KeyManager:

# Manager

The software implementation. Key pairs are derived from random seeds held
only in process memory. Rotation publishes a new version atomically under a
single-writer lock while the previous version stays valid for a configurable
grace period, so handshakes that snapshotted the old version still resolve.
After the grace period the old seed is wiped.

# HSMManager

A delegation wrapper that forwards all private-key operations to an
interfaces.HSMDelegate. Private material never enters process memory; backup
and restore are rejected because HSM keys are not exportable. The contract
is otherwise identical to Manager, so the handshake coordinator cannot tell
the two apart.

# Backups

BackupKeys serializes every current and grace-period seed, encrypts the blob
with XChaCha20-Poly1305 under an argon2id passphrase-derived key, and returns
ciphertext only. A backup or restore that fails leaves all existing key state
untouched. The derived encryption key can additionally be split into Shamir
recovery shares (hashicorp/vault/shamir) so a lost passphrase does not mean
lost keys when a threshold of operators cooperate.

# Audit

Every generation, rotation, backup, and restore appends exactly one
RotationAuditEntry before the operation returns success. The log is
append-only and returned by copy.
*/
package kms
