/*
Package sessionstore persists completed handshake sessions behind the
interfaces.SessionStore contract.

Three interchangeable backends share the contract:

  - LocalStore: in-process map guarded by a lock, swept by a periodic
    background reaper. The default, and the fallback when a durable backend
    is unreachable at startup.
  - SQLiteStore: durable single-node storage on modernc.org/sqlite.
  - VaultStore: durable shared storage on HashiCorp Vault KV v2, for
    multi-instance deployments.

Backend choice is a startup-time decision made from a location URI:

	local:
	sqlite:///var/lib/pqsession/sessions.db
	vault://vault.example.com:8200/secret/pqsession?token=...

NewWithFallback implements the degraded mode required at startup: when the
configured durable backend is unreachable it logs a warning and returns the
local backend with its stats flagged degraded, rather than refusing to
start.

Expiry is enforced lazily on every Get and Verify in all backends; the
local backend additionally sweeps eagerly so memory stays bounded without
active reads. Runtime failures of a durable backend surface as
ErrStorageBackendUnavailable and session writes fail closed.
*/
package sessionstore
