package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultCacheTTL = 30 * time.Second

// CachedAuthorizer is a read-through Redis cache in front of the store.
// Entries expire after ttl and are deleted by Invalidate on membership
// changes. Redis errors fall back to the store and skip the fill.
type CachedAuthorizer struct {
	source MembershipSource
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCachedAuthorizer creates a cached authorizer.
func NewCachedAuthorizer(source MembershipSource, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedAuthorizer {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedAuthorizer{source: source, client: client, ttl: ttl, log: log}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// memberKey returns the cache key for a (chat, user) pair.
func memberKey(chatID uuid.UUID, userID string) string {
	return fmt.Sprintf("chatd:member:%s:%s", chatID, userID)
}

// genKey counts invalidations of a (chat, user) pair. A cache fill only
// lands if the counter has not moved since before the store read.
func genKey(chatID uuid.UUID, userID string) string {
	return fmt.Sprintf("chatd:member-gen:%s:%s", chatID, userID)
}

var errStaleFill = errors.New("membership changed during cache fill")

// IsMember consults the cache first, then the store.
func (a *CachedAuthorizer) IsMember(ctx context.Context, userID string, chatID uuid.UUID) (bool, error) {
	key := memberKey(chatID, userID)

	cached, err := a.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case errors.Is(err, redis.Nil):
	default:
		a.log.Warn().Err(err).Str("key", key).Msg("membership cache read failed")
	}

	gen, genErr := a.generation(ctx, a.client, chatID, userID)

	ok, err := a.source.MembershipExists(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	if genErr != nil {
		return ok, nil
	}

	value := "0"
	if ok {
		value = "1"
	}
	err = a.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := a.generation(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, a.ttl)
			return nil
		})
		return err
	}, genKey(chatID, userID))
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		a.log.Debug().Str("key", key).Msg("membership changed, cache fill skipped")
	default:
		a.log.Warn().Err(err).Str("key", key).Msg("membership cache write failed")
	}
	return ok, nil
}

func (a *CachedAuthorizer) generation(ctx context.Context, c redis.Cmdable, chatID uuid.UUID, userID string) (string, error) {
	gen, err := c.Get(ctx, genKey(chatID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

// Invalidate bumps the generation of (chat, user) and deletes the cached
// answer, so fills that started earlier are discarded.
func (a *CachedAuthorizer) Invalidate(ctx context.Context, chatID uuid.UUID, userID string) {
	key := memberKey(chatID, userID)
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(chatID, userID))
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("membership cache invalidation failed")
	}
}
