// Package auth authenticates callers by their bearer API key.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
)

var (
	ErrBadScheme  = errors.New("unsupported authorization scheme")
	ErrInvalidKey = errors.New("incorrect API key")
)

const bearerScheme = "Bearer"

// Finder looks accounts up by the SHA-256 hex digest of their secret.
type Finder interface {
	FindAccountBySecretHash(ctx context.Context, hash string) (*ledger.Account, error)
}

// HashKey returns the hex encoded SHA-256 digest stored in place of a key.
func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

type Authenticator struct {
	finder Finder
	now    func() time.Time
}

func NewAuthenticator(finder Finder) *Authenticator {
	return &Authenticator{finder: finder, now: time.Now}
}

// Check validates an Authorization header value. Any error other than
// ErrBadScheme and ErrInvalidKey comes from the ledger. The lookup ignores
// ctx cancellation: a caller hanging up mid-lookup is not a ledger failure.
func (a *Authenticator) Check(ctx context.Context, header string) (*ledger.Account, error) {
	scheme, key, _ := strings.Cut(header, " ")
	if scheme != bearerScheme {
		return nil, ErrBadScheme
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	acct, err := a.finder.FindAccountBySecretHash(context.WithoutCancel(ctx), HashKey(key))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if acct.Kind != ledger.KindLLM || !acct.ActiveAt(a.now()) {
		return nil, ErrInvalidKey
	}
	return acct, nil
}

// ErrorWriter answers a request that failed authentication.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type Middleware func(next http.Handler) http.Handler

// NewMiddleware assigns every request a correlation id, echoed in
// X-Request-ID, and lets it through only with a valid key.
func NewMiddleware(a *Authenticator, fail ErrorWriter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New().String()
			ctx := WithRequestID(r.Context(), requestID)
			w.Header().Set("X-Request-ID", requestID)

			acct, err := a.Check(ctx, r.Header.Get("Authorization"))
			if err != nil {
				fail(w, r.WithContext(ctx), err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(ctx, acct)))
		})
	}
}

type contextKey string

const (
	accountKey   contextKey = "account"
	requestIDKey contextKey = "request_id"
)

// Helpers to extract from context
func GetAccount(ctx context.Context) *ledger.Account {
	if acct, ok := ctx.Value(accountKey).(*ledger.Account); ok {
		return acct
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithAccount(ctx context.Context, acct *ledger.Account) context.Context {
	return context.WithValue(ctx, accountKey, acct)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
