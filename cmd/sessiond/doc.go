// Package main (cmd/sessiond) implements the post-quantum session
// termination service.
//
// sessiond serves the handshake API for establishing encrypted sessions
// with ML-KEM key encapsulation and ML-DSA transcript signatures. It owns
// the server key pairs, rotates them on a schedule or on operator request,
// and keeps the table of established sessions in a pluggable backend.
//
// Session storage is selected by URI:
//
//   - local:                          in-memory table, lost on restart
//   - sqlite:///var/lib/sessiond.db  durable single-node table
//   - vault://host:8200/secret/pqsession?token=...  Vault KV v2
//
// When a durable backend is configured but unreachable at startup the
// service falls back to the in-memory table and reports itself degraded
// through /healthz until restarted against a healthy backend.
//
// Encrypted key backups can be replicated to one or more content-addressed
// archives (file://, s3://, ipfs://) passed via repeated --backup-archive
// flags. Backups are only readable with the operator passphrase.
//
// The server implements graceful shutdown on SIGINT/SIGTERM and exposes
// health, readiness, and drain endpoints together with a Prometheus
// metrics listener.
//
// Example usage:
//
//	sessiond --listen-addr=0.0.0.0:8080 \
//	    --metrics-addr=0.0.0.0:8090 \
//	    --session-backend=sqlite:///var/lib/sessiond/sessions.db \
//	    --backup-archive=file:///var/lib/sessiond/backups \
//	    --kem-algorithm=ML-KEM-768 \
//	    --sig-algorithm=ML-DSA-65 \
//	    --enable-admin
package main
