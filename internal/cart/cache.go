package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrStaleFill means the cart was invalidated after the version was read.
	ErrStaleFill = errors.New("cache fill is stale")
)

// Cache is a read-through cache of stored carts. Every Delete bumps a
// per-owner version; Set only writes when the version it was given is
// still current, so a fill racing an invalidation is dropped.
type Cache interface {
	Get(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error)
	Version(ctx context.Context, owner domain.OwnerKey) (int64, error)
	Set(ctx context.Context, owner domain.OwnerKey, cart *domain.Cart, version int64) error
	Delete(ctx context.Context, owner domain.OwnerKey) error
}

// versionTTL outlives any cached cart so an expired version never lets an
// old fill through.
const versionTTL = 24 * time.Hour

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	data, err := r.client.Get(ctx, cacheKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

func (r *RedisCache) Version(ctx context.Context, owner domain.OwnerKey) (int64, error) {
	v, err := r.client.Get(ctx, versionKey(owner)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get version failed: %w", err)
	}
	return v, nil
}

func (r *RedisCache) Set(ctx context.Context, owner domain.OwnerKey, cart *domain.Cart, version int64) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	// jitter spreads expiry of carts cached in the same burst
	jitter := time.Duration(rand.Intn(5)) * time.Minute
	vk := versionKey(owner)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return ErrStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(owner), data, r.baseTTL+jitter)
			return nil
		})
		return err
	}, vk)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleFill), errors.Is(err, redis.TxFailedErr):
		return ErrStaleFill
	default:
		return fmt.Errorf("redis set failed: %w", err)
	}
}

func (r *RedisCache) Delete(ctx context.Context, owner domain.OwnerKey) error {
	vk := versionKey(owner)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cacheKey(owner))
		pipe.Incr(ctx, vk)
		pipe.Expire(ctx, vk, versionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached cart after checkout consumed it.
func (r *RedisCache) Invalidate(ctx context.Context, owner domain.OwnerKey) error {
	return r.Delete(ctx, owner)
}

func cacheKey(owner domain.OwnerKey) string {
	return fmt.Sprintf("cart:%s", owner)
}

func versionKey(owner domain.OwnerKey) string {
	return fmt.Sprintf("cart:%s:version", owner)
}

// NopCache always misses. Used when no Redis is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, domain.OwnerKey) (*domain.Cart, error) { return nil, ErrCacheMiss }
func (NopCache) Version(context.Context, domain.OwnerKey) (int64, error) { return 0, nil }
func (NopCache) Set(context.Context, domain.OwnerKey, *domain.Cart, int64) error { return nil }
func (NopCache) Delete(context.Context, domain.OwnerKey) error { return nil }
func (NopCache) Invalidate(context.Context, domain.OwnerKey) error { return nil }
