package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedLedger keeps recently authenticated accounts in Redis so that hot
// keys skip the database. Only positive lookups are cached, never past the
// account's expiry. Redis failures fall through to the wrapped ledger.
type CachedLedger struct {
	Ledger
	cache *redis.Client
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewCachedLedger(inner Ledger, cache *redis.Client, ttl time.Duration, log logrus.FieldLogger) *CachedLedger {
	return &CachedLedger{
		Ledger: inner,
		cache:  cache,
		ttl:    ttl,
		log:    log.WithField("component", "account-cache"),
		now:    time.Now,
	}
}

func accountKey(hash string) string { return fmt.Sprintf("account:%s", hash) }
func accountIDKey(id string) string { return fmt.Sprintf("account-id:%s", id) }

func (c *CachedLedger) FindAccountBySecretHash(ctx context.Context, hash string) (*Account, error) {
	now := c.now()
	key := accountKey(hash)

	var cached Account
	err := c.cache.Get(ctx, key).Scan(&cached)
	switch {
	case err == nil:
		if cached.ActiveAt(now) {
			cached.Status = StatusActive
			return &cached, nil
		}
		c.forget(ctx, cached.ID, hash)
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Warn("redis get failed")
	}

	acc, err := c.Ledger.FindAccountBySecretHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if acc.ExpiresAt != nil {
		if left := acc.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		_, err := c.cache.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, acc, ttl)
			p.Set(ctx, accountIDKey(acc.ID), hash, ttl)
			return nil
		})
		if err != nil {
			c.log.WithError(err).Warn("redis set failed")
		}
	}
	return acc, nil
}

// UpdateAccount drops the cached copy so the new expiry or comment is seen on
// the next lookup.
func (c *CachedLedger) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) error {
	if err := c.Ledger.UpdateAccount(ctx, id, upd); err != nil {
		return err
	}

	hash, err := c.cache.Get(ctx, accountIDKey(id)).Result()
	switch {
	case err == nil:
		c.forget(ctx, id, hash)
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Warn("redis get failed")
	}
	return nil
}

func (c *CachedLedger) forget(ctx context.Context, id, hash string) {
	if err := c.cache.Del(ctx, accountKey(hash), accountIDKey(id)).Err(); err != nil {
		c.log.WithError(err).Warn("redis del failed")
	}
}

func (c *CachedLedger) Close(ctx context.Context) error {
	return errors.Join(c.Ledger.Close(ctx), c.cache.Close())
}
