package sessionstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pqwire/pqsession-backend/interfaces"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRecord(clock *fakeClock, id string, ttl time.Duration) *interfaces.SessionRecord {
	now := clock.Now()
	return &interfaces.SessionRecord{
		ID: interfaces.SessionID(id),
		Suite: interfaces.AlgorithmSuite{
			KEM:       interfaces.MLKEM768,
			Signature: interfaces.MLDSA65,
		},
		ClientWriteKey: []byte("client-write-key-0123456789abcd"),
		ServerWriteKey: []byte("server-write-key-0123456789abcd"),
		ClientIV:       []byte("client-iv-12"),
		ServerIV:       []byte("server-iv-12"),
		VerifyData:     []byte("verify-data-0123456789abcdef0123"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		ClientAddr:     "203.0.113.7:52011",
		ServerAddr:     "198.51.100.1:4433",
		State:          interfaces.SessionActive,
	}
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
	ctx := context.Background()

	record := testRecord(clock, "sess-1", time.Hour)
	require.NoError(t, store.Put(ctx, record))

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Suite, got.Suite)
	assert.Equal(t, record.ClientWriteKey, got.ClientWriteKey)
	assert.Equal(t, interfaces.SessionActive, got.State)

	// The store hands out copies, mutating one must not leak back.
	got.State = interfaces.SessionInvalidated
	again, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionActive, again.State)
}

func TestLocalGetUnknownSession(t *testing.T) {
	store := NewLocalStore(Config{Now: newFakeClock().Now})
	defer store.Close()

	_, err := store.Get(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestLocalVerifyReasons(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
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

func TestLocalInvalidateBeatsExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "sess-1", time.Minute)))
	require.NoError(t, store.Invalidate(ctx, "sess-1"))
	clock.Advance(time.Hour)

	// An invalidated session reports invalidated even after its expiry
	// passes.
	_, reason, err := store.Verify(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ReasonInvalidated, reason)
}

func TestLocalInvalidateUnknownSession(t *testing.T) {
	store := NewLocalStore(Config{Now: newFakeClock().Now})
	defer store.Close()

	err := store.Invalidate(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestLocalLazyExpiryOnGet(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "sess-1", time.Minute)))
	clock.Advance(2 * time.Minute)

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionExpired, got.State)
}

func TestLocalSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now, SweepInterval: time.Hour})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord(clock, "old-1", time.Minute)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "old-2", time.Minute)))
	require.NoError(t, store.Put(ctx, testRecord(clock, "fresh", time.Hour)))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 2, store.Sweep())

	_, err := store.Get(ctx, "old-1")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Expired)
}

func TestLocalStats(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
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
	assert.Equal(t, "local", stats.Backend)
	assert.False(t, stats.Degraded)
}

func TestLocalPutRejectsInvertedLifetime(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()

	record := testRecord(clock, "sess-1", time.Hour)
	record.ExpiresAt = record.CreatedAt.Add(-time.Second)
	assert.Error(t, store.Put(context.Background(), record))
}

func TestLocalConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	store := NewLocalStore(Config{Now: clock.Now})
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			record := testRecord(clock, id, time.Hour)
			assert.NoError(t, store.Put(ctx, record))
			_, _, err := store.Verify(ctx, record.ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, stats.Active)
}
