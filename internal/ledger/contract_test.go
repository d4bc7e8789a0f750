package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomHash returns a distinct 64-char hex hash starting with prefix.
func randomHash(prefix string) string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	h := hex.EncodeToString(sum[:])
	return prefix + h[len(prefix):]
}

func ptr[T any](v T) *T { return &v }

// runContract checks the behaviour every Ledger implementation must share.
// Stores backed by a shared server may hold rows from earlier runs, so every
// case works on freshly generated hashes and request ids.
func runContract(t *testing.T, open func(t *testing.T) Ledger) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		l := open(t)
		hash := randomHash("")
		id, err := l.CreateAccount(ctx, hash, nil, "alice")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		acc, err := l.FindAccountBySecretHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, id, acc.ID)
		assert.Equal(t, hash, acc.SecretHash)
		assert.Equal(t, KindLLM, acc.Kind)
		assert.Equal(t, "alice", acc.Comment)
		assert.Equal(t, StatusActive, acc.Status)
		assert.Nil(t, acc.ExpiresAt)
	})

	t.Run("unknown hash", func(t *testing.T) {
		l := open(t)
		_, err := l.FindAccountBySecretHash(ctx, randomHash(""))
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.False(t, IsStorageError(err))
	})

	t.Run("prefix does not authenticate", func(t *testing.T) {
		l := open(t)
		hash := randomHash("")
		_, err := l.CreateAccount(ctx, hash, nil, "")
		require.NoError(t, err)

		_, err = l.FindAccountBySecretHash(ctx, hash[:12])
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("expired accounts", func(t *testing.T) {
		l := open(t)
		prefix := randomHash("")[:16]
		past := time.Now().Add(-time.Hour)
		future := time.Now().Add(time.Hour)

		expiredHash := randomHash(prefix)
		_, err := l.CreateAccount(ctx, expiredHash, &past, "old")
		require.NoError(t, err)
		liveHash := randomHash(prefix)
		_, err = l.CreateAccount(ctx, liveHash, &future, "new")
		require.NoError(t, err)

		_, err = l.FindAccountBySecretHash(ctx, expiredHash)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		acc, err := l.FindAccountBySecretHash(ctx, liveHash)
		require.NoError(t, err)
		require.NotNil(t, acc.ExpiresAt)
		assert.WithinDuration(t, future, *acc.ExpiresAt, time.Second)

		active, err := l.ListAccounts(ctx, prefix, false)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, liveHash, active[0].SecretHash)

		all, err := l.ListAccounts(ctx, prefix, true)
		require.NoError(t, err)
		require.Len(t, all, 2)
		statuses := map[string]Status{}
		for _, a := range all {
			statuses[a.SecretHash] = a.Status
		}
		assert.Equal(t, StatusExpired, statuses[expiredHash])
		assert.Equal(t, StatusActive, statuses[liveHash])
	})

	t.Run("list by prefix", func(t *testing.T) {
		l := open(t)
		prefix := randomHash("")[:20]
		for i := 0; i < 3; i++ {
			_, err := l.CreateAccount(ctx, randomHash(prefix), nil, fmt.Sprint(i))
			require.NoError(t, err)
		}
		_, err := l.CreateAccount(ctx, randomHash(""), nil, "other")
		require.NoError(t, err)

		accounts, err := l.ListAccounts(ctx, prefix, true)
		require.NoError(t, err)
		assert.Len(t, accounts, 3)
		for i := 1; i < len(accounts); i++ {
			assert.Less(t, accounts[i-1].SecretHash, accounts[i].SecretHash)
		}
	})

	t.Run("update", func(t *testing.T) {
		l := open(t)
		hash := randomHash("")
		id, err := l.CreateAccount(ctx, hash, nil, "before")
		require.NoError(t, err)

		require.NoError(t, l.UpdateAccount(ctx, id, AccountUpdate{Comment: ptr("after")}))
		acc, err := l.FindAccountBySecretHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, "after", acc.Comment)

		require.NoError(t, l.UpdateAccount(ctx, id, AccountUpdate{ExpiresAt: ptr(time.Now().Add(-time.Minute))}))
		_, err = l.FindAccountBySecretHash(ctx, hash)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		require.NoError(t, l.UpdateAccount(ctx, id, AccountUpdate{ClearExpiry: true}))
		acc, err = l.FindAccountBySecretHash(ctx, hash)
		require.NoError(t, err)
		assert.Nil(t, acc.ExpiresAt)
		assert.Equal(t, "after", acc.Comment)

		assert.ErrorIs(t, l.UpdateAccount(ctx, uuid.NewString(), AccountUpdate{Comment: ptr("x")}), ErrAccountNotFound)
		assert.ErrorIs(t, l.UpdateAccount(ctx, id, AccountUpdate{}), ErrNothingToUpdate)
	})

	t.Run("record and list events", func(t *testing.T) {
		l := open(t)
		accountID := uuid.NewString()
		requestID := uuid.NewString()
		created := time.Now().UTC()

		require.NoError(t, l.RecordEvent(ctx, Event{
			CreatedAt: created, AccountID: accountID, Product: "mymodel/cpu/prompt", Quantity: 1, RequestID: requestID,
		}))
		require.NoError(t, l.RecordEvent(ctx, Event{
			CreatedAt: created.Add(time.Millisecond), AccountID: accountID, Product: "mymodel/cpu/completion", Quantity: 2, RequestID: requestID,
		}))
		require.NoError(t, l.RecordEvent(ctx, Event{
			CreatedAt: created, AccountID: accountID, Product: "mymodel/cpu/embedding", Quantity: 7, RequestID: uuid.NewString(),
		}))

		events, err := l.ListEvents(ctx, EventFilter{RequestID: requestID})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "mymodel/cpu/prompt", events[0].Product)
		assert.EqualValues(t, 1, events[0].Quantity)
		assert.Equal(t, "mymodel/cpu/completion", events[1].Product)
		assert.EqualValues(t, 2, events[1].Quantity)
		assert.Equal(t, accountID, events[0].AccountID)
		assert.WithinDuration(t, created, events[0].CreatedAt, time.Millisecond)

		byAccount, err := l.ListEvents(ctx, EventFilter{AccountID: accountID})
		require.NoError(t, err)
		assert.Len(t, byAccount, 3)

		limited, err := l.ListEvents(ctx, EventFilter{AccountID: accountID, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})
}

func openSQLiteForTest(t *testing.T) Ledger {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runContract(t, openSQLiteForTest)
}

func TestPostgresStore_Contract(t *testing.T) {
	uri := os.Getenv("LLMPROXY_TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("LLMPROXY_TEST_POSTGRES_URI not set")
	}
	runContract(t, func(t *testing.T) Ledger {
		s, err := OpenPostgres(context.Background(), uri)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	})
}

func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("LLMPROXY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LLMPROXY_TEST_MONGO_URI not set")
	}
	runContract(t, func(t *testing.T) Ledger {
		s, err := OpenMongo(context.Background(), uri)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	})
}
