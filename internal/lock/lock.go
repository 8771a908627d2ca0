package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

// Locker serializes writers per key. Keys are taken in sorted order so two
// callers asking for overlapping sets cannot deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

func ProductKey(productID string) string {
	return "product:" + productID
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
	timeout time.Duration
}

func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry), timeout: timeout}
}

func (k *KeyedMutex) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}
	for _, key := range normalizeKeys(keys) {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (k *KeyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *KeyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.entries[key]
	if !ok {
		return
	}
	<-entry.ch
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
}

// RedisLocker holds keys in Redis so several server processes sharing one
// database serialize on the same products.
type RedisLocker struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, timeout time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), prefix: prefix, ttl: ttl, timeout: timeout}
}

func (r *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(context.Background())
		}
	}
	for _, key := range normalizeKeys(keys) {
		l, err := r.client.Obtain(obtainCtx, r.prefix+key, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
		})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
			}
			return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
		}
		held = append(held, l)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
