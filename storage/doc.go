// Package storage provides backup archive backends for encrypted key-backup
// blobs.
//
// Blobs are content-addressed: the archive identifier is the SHA-256 hash of
// the encrypted blob, so replicas on different backends agree on the ID and
// identical backups deduplicate. The archive only ever handles ciphertext
// produced by the key manager's backup path.
//
// Backends are created from location URIs:
//
//	file:///var/lib/pqsession/backups/
//	s3://ACCESS_KEY:SECRET_KEY@bucket-name/backups/?region=us-west-2
//	ipfs://127.0.0.1:5001/
//
// The multi-archive replicates every Store to all reachable backends and
// serves Fetch from the first backend that has the blob, so a single
// unreachable replica does not block a restore.
package storage
