package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tokostok/backend/internal/domain"
)

const (
	productListKey = "tokostok:products:v1"
	productGenKey  = "tokostok:products:gen"
)

type RedisProductCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger logrus.FieldLogger
	group  singleflight.Group
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisProductCache(client redis.UniversalClient, ttl time.Duration, logger logrus.FieldLogger) *RedisProductCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisProductCache{client: client, ttl: ttl, logger: logger.WithField("module", "cache")}
}

// listKey scopes the cached list to one invalidation generation. A fill that
// started before an Invalidate writes under a key no reader asks for again.
func listKey(gen int64) string {
	return productListKey + ":" + strconv.FormatInt(gen, 10)
}

func (c *RedisProductCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, productGenKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Products serves the list from Redis, filling it through load on a miss.
// Concurrent misses share one load. A broken Redis degrades to load.
func (c *RedisProductCache) Products(ctx context.Context, load ProductLoader) ([]domain.Product, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("product cache generation read failed")
		return load(ctx)
	}
	key := listKey(gen)

	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var products []domain.Product
		decodeErr := json.Unmarshal(val, &products)
		if decodeErr == nil {
			return products, nil
		}
		c.logger.WithError(decodeErr).Warn("discarding undecodable product cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).Warn("product cache read failed")
	}

	fillCtx := context.WithoutCancel(ctx)
	res := c.group.DoChan(key, func() (any, error) {
		products, err := load(fillCtx)
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(products); err == nil {
			if err := c.client.Set(fillCtx, key, payload, c.ttl).Err(); err != nil {
				c.logger.WithError(err).Warn("product cache write failed")
			}
		}
		return products, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]domain.Product), nil
	}
}

// Invalidate moves readers to a new generation. Lists filled under older
// generations are never read again and expire with their TTL.
func (c *RedisProductCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, productGenKey).Err()
}
