package sessionstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pqwire/pqsession-backend/interfaces"
	_ "modernc.org/sqlite"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		kem_algorithm TEXT NOT NULL,
		sig_algorithm TEXT NOT NULL,
		client_write_key TEXT NOT NULL,
		server_write_key TEXT NOT NULL,
		client_iv TEXT NOT NULL,
		server_iv TEXT NOT NULL,
		verify_data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		client_addr TEXT NOT NULL,
		server_addr TEXT NOT NULL,
		state TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
}

// SQLiteStore is the single-node durable session backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string, cfg Config) (*SQLiteStore, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc.org/sqlite misbehaves with concurrent writers on one file.
	db.SetMaxOpenConns(1)

	for i, migration := range sqliteMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	return &SQLiteStore{db: db, now: cfg.Now, log: cfg.Log}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, record *interfaces.SessionRecord) error {
	if !record.ExpiresAt.After(record.CreatedAt) {
		return fmt.Errorf("session %s expires before it is created", record.ID)
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, kem_algorithm, sig_algorithm, client_write_key, server_write_key,
		 client_iv, server_iv, verify_data, created_at, expires_at,
		 client_addr, server_addr, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.ID),
		string(record.Suite.KEM),
		string(record.Suite.Signature),
		hex.EncodeToString(record.ClientWriteKey),
		hex.EncodeToString(record.ServerWriteKey),
		hex.EncodeToString(record.ClientIV),
		hex.EncodeToString(record.ServerIV),
		hex.EncodeToString(record.VerifyData),
		record.CreatedAt.UTC().Format(time.RFC3339),
		record.ExpiresAt.UTC().Format(time.RFC3339),
		record.ClientAddr,
		record.ServerAddr,
		string(record.State),
	)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id interfaces.SessionID) (*interfaces.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kem_algorithm, sig_algorithm,
		client_write_key, server_write_key, client_iv, server_iv, verify_data,
		created_at, expires_at, client_addr, server_addr, state
		FROM sessions WHERE id = ?`, string(id))

	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query session: %v", interfaces.ErrStorageBackendUnavailable, err)
	}

	if record.State == interfaces.SessionActive && record.Expired(s.now()) {
		record.State = interfaces.SessionExpired
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`,
			string(interfaces.SessionExpired), string(id)); err != nil {
			s.log.Warn("Could not persist lazy session expiry", "session", id, "err", err)
		}
	}
	return record, nil
}

func (s *SQLiteStore) Verify(ctx context.Context, id interfaces.SessionID) (bool, interfaces.VerifyReason, error) {
	record, err := s.Get(ctx, id)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return false, interfaces.ReasonNotFound, nil
	}
	if err != nil {
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

func (s *SQLiteStore) Invalidate(ctx context.Context, id interfaces.SessionID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`,
		string(interfaces.SessionInvalidated), string(id))
	if err != nil {
		return fmt.Errorf("%w: invalidate session: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: invalidate session: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (interfaces.SessionStats, error) {
	stats := interfaces.SessionStats{Backend: s.Name()}
	now := s.now().UTC().Format(time.RFC3339)

	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE state = 'active' AND expires_at > ?),
		COUNT(*) FILTER (WHERE state = 'expired' OR (state = 'active' AND expires_at <= ?)),
		COUNT(*) FILTER (WHERE state = 'invalidated')
		FROM sessions`, now, now).
		Scan(&stats.Active, &stats.Expired, &stats.Invalidated)
	if err != nil {
		return interfaces.SessionStats{}, fmt.Errorf("%w: session stats: %v", interfaces.ErrStorageBackendUnavailable, err)
	}
	return stats, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*interfaces.SessionRecord, error) {
	var (
		record                 interfaces.SessionRecord
		id, kem, sig, state    string
		cwk, swk, civ, siv, vd string
		createdAt, expiresAt   string
	)
	err := row.Scan(&id, &kem, &sig, &cwk, &swk, &civ, &siv, &vd,
		&createdAt, &expiresAt, &record.ClientAddr, &record.ServerAddr, &state)
	if err != nil {
		return nil, err
	}

	record.ID = interfaces.SessionID(id)
	record.Suite = interfaces.AlgorithmSuite{
		KEM:       interfaces.AlgorithmID(kem),
		Signature: interfaces.AlgorithmID(sig),
	}
	record.State = interfaces.SessionState(state)

	for _, field := range []struct {
		dst *[]byte
		src string
	}{
		{&record.ClientWriteKey, cwk},
		{&record.ServerWriteKey, swk},
		{&record.ClientIV, civ},
		{&record.ServerIV, siv},
		{&record.VerifyData, vd},
	} {
		*field.dst, err = hex.DecodeString(field.src)
		if err != nil {
			return nil, fmt.Errorf("decode session field: %w", err)
		}
	}

	if record.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if record.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &record, nil
}
