package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pqwire/pqsession-backend/interfaces"
)

// FileArchive stores backup blobs as files named by their backup ID.
type FileArchive struct {
	baseDir string
	log     *slog.Logger
}

// NewFileArchive creates a file archive rooted at baseDir, creating the
// directory if needed.
func NewFileArchive(baseDir string, log *slog.Logger) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchive{baseDir: baseDir, log: log}, nil
}

// Store writes the blob under its content hash. Writes go through a temp
// file and rename so a crash never leaves a truncated backup.
func (a *FileArchive) Store(ctx context.Context, blob []byte) (interfaces.BackupID, error) {
	id := interfaces.ComputeBackupID(blob)
	finalPath := a.blobPath(id)

	tmp, err := os.CreateTemp(a.baseDir, ".backup-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return id, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return id, fmt.Errorf("failed to close backup file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return id, fmt.Errorf("failed to commit backup file: %w", err)
	}

	a.log.Debug("Stored backup in file archive",
		slog.String("path", finalPath),
		slog.String("backupID", id.String()))
	return id, nil
}

// Fetch reads a blob and checks it still matches its ID.
func (a *FileArchive) Fetch(ctx context.Context, id interfaces.BackupID) ([]byte, error) {
	blob, err := os.ReadFile(a.blobPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	if !interfaces.ComputeBackupID(blob).Equal(id) {
		return nil, fmt.Errorf("%w: archive blob %s fails content check", interfaces.ErrCorruptBackup, id)
	}

	a.log.Debug("Fetched backup from file archive",
		slog.String("backupID", id.String()),
		slog.Int("size", len(blob)))
	return blob, nil
}

// Available checks the archive directory still exists.
func (a *FileArchive) Available(ctx context.Context) bool {
	_, err := os.Stat(a.baseDir)
	if err != nil {
		a.log.Debug("File archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive backend.
func (a *FileArchive) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(a.baseDir))
}

func (a *FileArchive) blobPath(id interfaces.BackupID) string {
	return filepath.Join(a.baseDir, id.String())
}
