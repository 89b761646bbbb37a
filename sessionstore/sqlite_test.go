package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/interfaces"
)

func testSQLiteStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), Config{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLitePutGetRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := testSQLiteStore(t, clock)
	ctx := context.Background()

	record := testRecord(clock, "sess-1", time.Hour)
	require.NoError(t, store.Put(ctx, record))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Suite, got.Suite)
	assert.Equal(t, record.ClientWriteKey, got.ClientWriteKey)
	assert.Equal(t, record.ServerWriteKey, got.ServerWriteKey)
	assert.Equal(t, record.VerifyData, got.VerifyData)
	assert.Equal(t, record.ClientAddr, got.ClientAddr)
	assert.Equal(t, interfaces.SessionActive, got.State)
	// Timestamps are stored at second precision.
	assert.WithinDuration(t, record.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestSQLiteGetUnknownSession(t *testing.T) {
	store := testSQLiteStore(t, newFakeClock())

	_, err := store.Get(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSQLiteVerifyReasons(t *testing.T) {
	clock := newFakeClock()
	store := testSQLiteStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "alive", time.Hour)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "shortlived", time.Minute)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "revoked", time.Hour)))
	require.NoError(t, store.Invalidate(ctx, "revoked"))

	clock.Advance(2 * time.Minute)

	valid, reason, err := store.Verify(ctx, "alive")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, interfaces.ReasonValid, reason)

	valid, reason, err = store.Verify(ctx, "shortlived")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, interfaces.ReasonExpired, reason)

	valid, reason, err = store.Verify(ctx, "revoked")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, interfaces.ReasonInvalidated, reason)

	valid, reason, err = store.Verify(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, interfaces.ReasonNotFound, reason)
}

func TestSQLiteInvalidateUnknownSession(t *testing.T) {
	store := testSQLiteStore(t, newFakeClock())

	err := store.Invalidate(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSQLiteLazyExpiryPersists(t *testing.T) {
	clock := newFakeClock()
	store := testSQLiteStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "sess-1", time.Minute)))
	clock.Advance(2 * time.Minute)

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionExpired, got.State)

	// The expiry was written back, a second read sees the stored state.
	again, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionExpired, again.State)
}

func TestSQLiteStats(t *testing.T) {
	clock := newFakeClock()
	store := testSQLiteStore(t, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "a", time.Hour)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "b", time.Hour)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "c", time.Minute)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "d", time.Hour)))
	require.NoError(t, store.Invalidate(ctx, "d"))

	clock.Advance(5 * time.Minute)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Invalidated)
	assert.Equal(t, "sqlite", stats.Backend)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, Config{Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testRecord(clock, "sess-1", time.Hour)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, Config{Now: clock.Now})
	require.NoError(t, err)
	defer reopened.Close()

	valid, reason, err := reopened.Verify(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, interfaces.ReasonValid, reason)
}
