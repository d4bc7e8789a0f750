package ledger

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "ledger.db")

	l, err := Open(ctx, "sqlite://"+path, nil)
	require.NoError(t, err)
	defer l.Close(ctx)
	assert.IsType(t, &SQLiteStore{}, l)
	assert.NoError(t, l.Ping(ctx))

	tests := []struct {
		name string
		uri  string
	}{
		{"no scheme", "/var/lib/ledger.db"},
		{"unknown scheme", "redis://localhost:6379"},
		{"empty sqlite path", "sqlite://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(ctx, tt.uri, nil)
			assert.Error(t, err)
		})
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	hash := randomHash("")
	_, err = s.CreateAccount(ctx, hash, nil, "")
	require.NoError(t, err)
	_, err = s.FindAccountBySecretHash(ctx, hash)
	assert.NoError(t, err)
}

func TestSQLiteStore_IgnoresOtherKinds(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteForTest(t).(*SQLiteStore)

	hash := randomHash("")
	require.NoError(t, s.db.Exec(
		`INSERT INTO api_key (id, secret, type, comment) VALUES (?, ?, ?, '')`,
		"dashboard-key", hash, "DASHBOARD",
	).Error)

	_, err := s.FindAccountBySecretHash(ctx, hash)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	listed, err := s.ListAccounts(ctx, hash[:8], true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "DASHBOARD", listed[0].Kind)
}

func TestSQLiteStore_StatusUsesClock(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteForTest(t).(*SQLiteStore)

	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	hash := randomHash("")
	_, err := s.CreateAccount(ctx, hash, &expiry, "")
	require.NoError(t, err)

	s.now = func() time.Time { return expiry.Add(-time.Second) }
	acc, err := s.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, acc.Status)

	s.now = func() time.Time { return expiry }
	_, err = s.FindAccountBySecretHash(ctx, hash)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	listed, err := s.ListAccounts(ctx, hash, true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusExpired, listed[0].Status)
}

func TestSQLiteStore_DuplicateHash(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteForTest(t)
	hash := randomHash("")

	_, err := s.CreateAccount(ctx, hash, nil, "")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, hash, nil, "")
	assert.True(t, IsStorageError(err), "got %v", err)
}

func TestSQLiteStore_ClosedIsStorageError(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	_, err = s.FindAccountBySecretHash(ctx, randomHash(""))
	assert.True(t, IsStorageError(err), "got %v", err)

	err = s.RecordEvent(ctx, Event{CreatedAt: time.Now(), AccountID: "a", Product: "m/d/prompt", RequestID: "r"})
	assert.True(t, IsStorageError(err), "got %v", err)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "sqlite", se.Store)
	assert.Equal(t, "record event", se.Op)
}

func newCachedForTest(t *testing.T) (*CachedLedger, *SQLiteStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := openSQLiteForTest(t).(*SQLiteStore)

	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewCachedLedger(inner, rdb, time.Minute, log), inner, mr
}

func TestCachedLedger_CachesPositiveLookups(t *testing.T) {
	ctx := context.Background()
	c, inner, mr := newCachedForTest(t)

	hash := randomHash("")
	id, err := inner.CreateAccount(ctx, hash, nil, "cached")
	require.NoError(t, err)

	_, err = c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	assert.True(t, mr.Exists(accountKey(hash)))
	assert.True(t, mr.Exists(accountIDKey(id)))

	// Served from Redis even though the row is gone.
	require.NoError(t, inner.db.Exec(`DELETE FROM api_key`).Error)
	acc, err := c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "cached", acc.Comment)

	mr.FastForward(2 * time.Minute)
	_, err = c.FindAccountBySecretHash(ctx, hash)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCachedLedger_NegativeNotCached(t *testing.T) {
	ctx := context.Background()
	c, _, mr := newCachedForTest(t)

	hash := randomHash("")
	_, err := c.FindAccountBySecretHash(ctx, hash)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.False(t, mr.Exists(accountKey(hash)))
}

func TestCachedLedger_TTLBoundedByExpiry(t *testing.T) {
	ctx := context.Background()
	c, inner, mr := newCachedForTest(t)

	hash := randomHash("")
	expiry := time.Now().Add(10 * time.Second)
	_, err := inner.CreateAccount(ctx, hash, &expiry, "")
	require.NoError(t, err)

	_, err = c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	ttl := mr.TTL(accountKey(hash))
	assert.LessOrEqual(t, ttl, 10*time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestCachedLedger_ExpiredWhileCached(t *testing.T) {
	ctx := context.Background()
	c, inner, mr := newCachedForTest(t)

	hash := randomHash("")
	expiry := time.Now().Add(30 * time.Second)
	_, err := inner.CreateAccount(ctx, hash, &expiry, "")
	require.NoError(t, err)
	_, err = c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)

	c.now = func() time.Time { return expiry.Add(time.Second) }
	inner.now = c.now
	_, err = c.FindAccountBySecretHash(ctx, hash)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.False(t, mr.Exists(accountKey(hash)))
}

func TestCachedLedger_UpdateInvalidates(t *testing.T) {
	ctx := context.Background()
	c, inner, mr := newCachedForTest(t)

	hash := randomHash("")
	id, err := inner.CreateAccount(ctx, hash, nil, "v1")
	require.NoError(t, err)
	_, err = c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)

	require.NoError(t, c.UpdateAccount(ctx, id, AccountUpdate{Comment: ptr("v2")}))
	assert.False(t, mr.Exists(accountKey(hash)))

	acc, err := c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "v2", acc.Comment)
}

func TestCachedLedger_RedisDownFallsThrough(t *testing.T) {
	ctx := context.Background()
	c, inner, mr := newCachedForTest(t)

	hash := randomHash("")
	_, err := inner.CreateAccount(ctx, hash, nil, "")
	require.NoError(t, err)

	mr.Close()
	acc, err := c.FindAccountBySecretHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, hash, acc.SecretHash)
}
