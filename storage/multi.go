package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// MultiArchive replicates backups across several archive backends. Store
// writes to every reachable backend; Fetch returns the first hit. Content
// addressing guarantees every backend agrees on the backup ID.
type MultiArchive struct {
	backends []interfaces.BackupArchive
	log      *slog.Logger
}

// NewMultiArchive creates a replicating archive over the given backends.
func NewMultiArchive(backends []interfaces.BackupArchive, log *slog.Logger) *MultiArchive {
	if log == nil {
		log = slog.Default()
	}
	return &MultiArchive{backends: backends, log: log}
}

// Store replicates the blob to all available backends. It succeeds when at
// least one replica was written; partial replication is logged, not fatal.
func (m *MultiArchive) Store(ctx context.Context, blob []byte) (interfaces.BackupID, error) {
	start := time.Now()
	id := interfaces.ComputeBackupID(blob)
	var stored int
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Archive backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		storedID, err := backend.Store(ctx, blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store backup replica",
				slog.String("backend", backend.Name()),
				"err", err)
			continue
		}
		if !storedID.Equal(id) {
			// Cannot happen while both sides hash the same blob.
			m.log.Warn("Inconsistent backup ID from backend",
				slog.String("backend", backend.Name()),
				slog.String("expected", id.String()),
				slog.String("actual", storedID.String()))
		}
		stored++
	}

	if stored == 0 {
		return id, fmt.Errorf("all archive backends failed to store backup: %v", errs)
	}

	if stored < len(m.backends) {
		m.log.Warn("Backup stored with partial replication",
			slog.String("backupID", id.String()),
			slog.Int("replicas", stored),
			slog.Int("backends", len(m.backends)))
	} else {
		m.log.Info("Backup stored",
			slog.String("backupID", id.String()),
			slog.Int("replicas", stored),
			slog.Duration("duration", time.Since(start)))
	}
	return id, nil
}

// Fetch returns the blob from the first backend that has it.
func (m *MultiArchive) Fetch(ctx context.Context, id interfaces.BackupID) ([]byte, error) {
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Archive backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		blob, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched backup",
				slog.String("backend", backend.Name()),
				slog.String("backupID", id.String()))
			return blob, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	return nil, fmt.Errorf("%w: no backend has backup %s: %v", interfaces.ErrBackupNotFound, id, errs)
}

// Available reports whether any backend is reachable.
func (m *MultiArchive) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns a unique identifier for this archive backend.
func (m *MultiArchive) Name() string {
	return "multi-archive"
}
