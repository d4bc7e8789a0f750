package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
)

type harness struct {
	cli    *cli
	store  ledger.Ledger
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := ledger.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	h := &harness{store: store, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	h.cli = newCLI(store, h.out, h.errOut)
	h.cli.now = func() time.Time { return time.Now().Add(-time.Minute) }
	return h
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	h.out.Reset()
	h.errOut.Reset()
	return h.cli.dispatch(context.Background(), args)
}

func TestUserCreate(t *testing.T) {
	h := newHarness(t)
	h.cli.rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, secretBytes))

	require.NoError(t, h.run(t, "user", "create", "-t", "ci runner", "-e", "2030-01-01T00:00:00Z"))

	fields := strings.Fields(h.out.String())
	require.Len(t, fields, 2)
	wantKey := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{0xab}, secretBytes))
	assert.Equal(t, wantKey, fields[1])
	assert.Equal(t, auth.HashKey(wantKey)[:hashShortLen], fields[0])
	assert.Contains(t, h.errOut.String(), "Comment: ci runner")

	acct, err := h.store.FindAccountBySecretHash(context.Background(), auth.HashKey(wantKey))
	require.NoError(t, err)
	assert.Equal(t, "ci runner", acct.Comment)
	require.NotNil(t, acct.ExpiresAt)
	assert.True(t, acct.ExpiresAt.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestUserCreateInvalidExpiry(t *testing.T) {
	h := newHarness(t)
	err := h.run(t, "user", "create", "-e", "tomorrow")
	assert.ErrorContains(t, err, "invalid time")

	accounts, err := h.store.ListAccounts(context.Background(), "", true)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestUserListIncludesExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	_, err := h.store.CreateAccount(ctx, auth.HashKey("a"), nil, "live")
	require.NoError(t, err)
	_, err = h.store.CreateAccount(ctx, auth.HashKey("b"), &past, "old")
	require.NoError(t, err)

	require.NoError(t, h.run(t, "user", "list"))
	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"Hash", "Expires", "Status", "Comment"}, strings.Fields(lines[0]))
	assert.Contains(t, h.out.String(), "expired")
	assert.Contains(t, h.out.String(), "active")

	require.NoError(t, h.run(t, "user", "list", auth.HashKey("a")[:8]))
	lines = strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], auth.HashKey("a")[:hashShortLen]))
	assert.Contains(t, lines[1], " - ")
}

func TestUserUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashA, hashB := auth.HashKey("a"), auth.HashKey("b")
	_, err := h.store.CreateAccount(ctx, hashA, nil, "first")
	require.NoError(t, err)
	_, err = h.store.CreateAccount(ctx, hashB, nil, "second")
	require.NoError(t, err)

	require.NoError(t, h.run(t, "user", "update", "-e", "now", "-t", "revoked", hashA[:10]))
	accounts, err := h.store.ListAccounts(ctx, hashA, true)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "revoked", accounts[0].Comment)
	assert.Equal(t, ledger.StatusExpired, accounts[0].Status)

	require.NoError(t, h.run(t, "user", "update", "-e", "", hashA[:10]))
	accounts, err = h.store.ListAccounts(ctx, hashA, true)
	require.NoError(t, err)
	assert.Nil(t, accounts[0].ExpiresAt)
	assert.Equal(t, "revoked", accounts[0].Comment)
}

func TestUserUpdateErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.CreateAccount(ctx, auth.HashKey("a"), nil, "")
	require.NoError(t, err)
	_, err = h.store.CreateAccount(ctx, auth.HashKey("b"), nil, "")
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no match", args: []string{"-t", "x", "zzzz"}, want: "User not found."},
		{name: "ambiguous", args: []string{"-t", "x", ""}, want: "More than one user found. Specify more of the hash prefix."},
		{name: "no fields", args: []string{auth.HashKey("a")}, want: "nothing to update"},
		{name: "no prefix", args: []string{"-t", "x"}, want: errUsage.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.run(t, append([]string{"user", "update"}, tt.args...)...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, product := range []string{"m/cpu/prompt", "m/cpu/completion"} {
		require.NoError(t, h.store.RecordEvent(ctx, ledger.Event{
			CreatedAt: time.Now(),
			AccountID: "acct-1",
			Product:   product,
			Quantity:  int64(i + 5),
			RequestID: "req-1",
		}))
	}
	require.NoError(t, h.store.RecordEvent(ctx, ledger.Event{
		CreatedAt: time.Now(), AccountID: "acct-2", Product: "m/cpu/embedding", Quantity: 9, RequestID: "req-2",
	}))

	require.NoError(t, h.run(t, "events", "--request", "req-1"))
	out := h.out.String()
	assert.Contains(t, out, "m/cpu/prompt")
	assert.Contains(t, out, "m/cpu/completion")
	assert.NotContains(t, out, "m/cpu/embedding")

	require.NoError(t, h.run(t, "events", "--account", "acct-2", "--limit", "1"))
	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "9")

	assert.ErrorContains(t, h.run(t, "events", "--since", "yesterday"), "invalid time")
}

func TestDispatchUsage(t *testing.T) {
	h := newHarness(t)
	for _, args := range [][]string{nil, {"user"}, {"user", "delete"}, {"bill"}} {
		assert.ErrorIs(t, h.run(t, args...), errUsage)
	}
}
