package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// VaultStore keeps session records in a Vault KV v2 mount so multiple
// terminator instances can share one session table.
type VaultStore struct {
	client *vaultapi.Client
	mount  string
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

// NewVaultStore connects to the Vault server at addr and stores records
// under mount/prefix/sessions/.
func NewVaultStore(addr, token, mount, prefix string, cfg Config) (*VaultStore, error) {
	cfg = cfg.withDefaults()

	vaultCfg := vaultapi.DefaultConfig()
	vaultCfg.Address = addr
	client, err := vaultapi.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	if prefix == "" {
		prefix = "pqsession"
	}
	return &VaultStore{
		client: client,
		mount:  mount,
		prefix: prefix,
		now:    cfg.Now,
		log:    cfg.Log,
	}, nil
}

func (s *VaultStore) dataPath(id interfaces.SessionID) string {
	return fmt.Sprintf("%s/data/%s/sessions/%s", s.mount, s.prefix, id)
}

func (s *VaultStore) metadataPath() string {
	return fmt.Sprintf("%s/metadata/%s/sessions", s.mount, s.prefix)
}

func (s *VaultStore) Put(ctx context.Context, record *interfaces.SessionRecord) error {
	if !record.ExpiresAt.After(record.CreatedAt) {
		return fmt.Errorf("session %s expires before it is created", record.ID)
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	_, err = s.client.Logical().WriteWithContext(ctx, s.dataPath(record.ID), map[string]interface{}{
		"data": map[string]interface{}{
			"record": string(encoded),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: vault write: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	return nil
}

func (s *VaultStore) Get(ctx context.Context, id interfaces.SessionID) (*interfaces.SessionRecord, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: vault read: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	encoded, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("session %s has no record field", id)
	}

	var record interfaces.SessionRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}

	if record.State == interfaces.SessionActive && record.Expired(s.now()) {
		record.State = interfaces.SessionExpired
		if err := s.Put(ctx, &record); err != nil {
			s.log.Warn("Could not persist lazy session expiry", "session", id, "err", err)
		}
	}
	return &record, nil
}

func (s *VaultStore) Verify(ctx context.Context, id interfaces.SessionID) (bool, interfaces.VerifyReason, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, interfaces.ReasonNotFound, nil
		}
		return false, interfaces.ReasonNotFound, err
	}

	switch record.State {
	case interfaces.SessionInvalidated:
		return false, interfaces.ReasonInvalidated, nil
	case interfaces.SessionExpired:
		return false, interfaces.ReasonExpired, nil
	default:
		return true, interfaces.ReasonValid, nil
	}
}

func (s *VaultStore) Invalidate(ctx context.Context, id interfaces.SessionID) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	record.State = interfaces.SessionInvalidated
	return s.Put(ctx, record)
}

func (s *VaultStore) Stats(ctx context.Context) (interfaces.SessionStats, error) {
	stats := interfaces.SessionStats{Backend: s.Name()}

	secret, err := s.client.Logical().ListWithContext(ctx, s.metadataPath())
	if err != nil {
		return interfaces.SessionStats{}, fmt.Errorf("%w: vault list: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return stats, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return stats, nil
	}

	now := s.now()
	for _, key := range keys {
		id, ok := key.(string)
		if !ok {
			continue
		}
		record, err := s.Get(ctx, interfaces.SessionID(id))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return interfaces.SessionStats{}, err
		}
		switch {
		case record.State == interfaces.SessionInvalidated:
			stats.Invalidated++
		case record.State == interfaces.SessionExpired || record.Expired(now):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	return stats, nil
}

func (s *VaultStore) Name() string { return "vault" }

func (s *VaultStore) Close() error { return nil }

// Available probes the Vault health endpoint. Used by the factory to decide
// whether to fall back to the local store.
func (s *VaultStore) Available(ctx context.Context) bool {
	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}
