// Package main (cmd/keytool) implements the operator CLI for sessiond key
// lifecycle management.
//
// keytool talks to the admin API of a running sessiond instance. The admin
// surface must be enabled on the service (--enable-admin) and should only
// be reachable from operator networks.
//
// Commands:
//
//	rotate <kem|sig>  - rotate the KEM or signature key, recording a cause
//	backup            - encrypt the key set under a passphrase and push it
//	                    to the configured backup archive
//	restore           - fetch an archived backup by identifier and restore
//	                    the key set from it
//	audit             - print the key rotation audit log
//	keys              - print the current public keys and versions
//
// The backup passphrase can be passed via the PQSESSION_BACKUP_PASSPHRASE
// environment variable to keep it out of shell history. Backups are
// content addressed: the identifier printed by the backup command is the
// SHA-256 digest of the encrypted blob and is required for restore.
//
// Example workflow:
//
//	keytool --api=http://127.0.0.1:8080 rotate kem --cause="quarterly drill"
//	keytool backup
//	keytool restore --backup-id=9f2a...c41d
//	keytool audit
package main
