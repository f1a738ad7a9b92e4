// Package cache is a typed read-through cache over a kv.Store with two
// protections for the system of record: negative caching for ids that do not
// exist, and logical expiry with a single background rebuild for hot keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/seckill-service/internal/kv"
	"github.com/kjstillabower/seckill-service/internal/lock"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/workerpool"
)

// Key prefixes shared with the rest of the service.
const (
	ShopKeyPrefix   = "cache:shop:"
	ShopLockPrefix  = "lock:shop:"
	cacheKeyPrefix  = "cache:"
	lockKeyPrefix   = "lock:"
	DefaultNullTTL  = 2 * time.Minute
	DefaultLockTTL  = 10 * time.Second
	defaultRetryGap = 50 * time.Millisecond
)

// ErrNotFound means the id has no value, either because the cache holds a
// negative marker or because the loader reported it absent.
var ErrNotFound = errors.New("not found")

// Loader reads one record from the system of record. ok=false means the
// record does not exist; err is reserved for failures.
type Loader[T any, ID any] func(ctx context.Context, id ID) (value T, ok bool, err error)

// Submitter runs rebuild tasks in the background. *workerpool.Pool implements it.
type Submitter interface {
	Submit(task workerpool.Task) bool
}

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// NullTTL bounds how long a "not found" verdict is cached.
	NullTTL time.Duration
	// LockTTL is the rebuild lock expiry. It also bounds a coalesced load,
	// which runs detached from any single caller's context.
	LockTTL time.Duration
	// RetryInterval is the wait between lock attempts in QueryWithMutex.
	RetryInterval time.Duration
	// Coalesce shares one in-flight pass-through load among concurrent
	// callers in this process.
	Coalesce bool
	// Now replaces time.Now for logical expiry.
	Now func() time.Time
}

// Client wraps a Store with JSON encoding and the rebuild machinery.
type Client struct {
	store  kv.Store
	locker lock.Locker
	pool   Submitter
	logger *zap.Logger
	opts   Options
	group  singleflight.Group
}

// logicalEntry is the stored form of a logically-versioned value. It is
// written without a store TTL; ExpireTime alone decides staleness.
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// New builds a Client. pool may be nil if QueryWithLogicalExpire is never used.
func New(store kv.Store, locker lock.Locker, pool Submitter, logger *zap.Logger, opts Options) *Client {
	if opts.NullTTL <= 0 {
		opts.NullTTL = DefaultNullTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryGap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		store:  store,
		locker: locker,
		pool:   pool,
		logger: observability.OrNop(logger),
		opts:   opts,
	}
}

// Set stores value as JSON with a plain store TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, b, ttl)
}

// SetWithLogicalExpiry stores value with an embedded expiry of now+ttl and no
// store TTL, so the entry never disappears on its own.
func (c *Client) SetWithLogicalExpiry(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b, err := json.Marshal(logicalEntry{Data: data, ExpireTime: c.opts.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.store.Set(ctx, key, b, 0)
}

// Delete removes key. Used for write-through invalidation.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Key joins prefix and id the way every read path does.
func Key[ID any](prefix string, id ID) string {
	return prefix + fmt.Sprint(id)
}

// LockKey maps a cache key to its rebuild lock key, e.g. cache:shop:1 to lock:shop:1.
func LockKey(key string) string {
	return lockKeyPrefix + strings.TrimPrefix(key, cacheKeyPrefix)
}

type loaded[T any] struct {
	value T
	ok    bool
}

// QueryWithPassThrough serves prefix+id from the cache, loading and caching it
// on miss. Absent records are cached as an empty marker for NullTTL so repeated
// lookups do not reach the loader.
func QueryWithPassThrough[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[T, ID], ttl time.Duration) (T, error) {
	var zero T
	key := Key(prefix, id)

	b, found, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", key, err)
	}
	if found {
		if len(b) == 0 {
			observability.CacheLookupsTotal.WithLabelValues("pass_through", "negative_hit").Inc()
			return zero, ErrNotFound
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return zero, fmt.Errorf("decode %s: %w", key, err)
		}
		observability.CacheLookupsTotal.WithLabelValues("pass_through", "hit").Inc()
		return v, nil
	}
	observability.CacheLookupsTotal.WithLabelValues("pass_through", "miss").Inc()

	fill := func(ctx context.Context) (loaded[T], error) {
		v, ok, err := load(ctx, id)
		if err != nil {
			return loaded[T]{}, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			if err := c.store.Set(ctx, key, nil, c.opts.NullTTL); err != nil {
				c.logger.Warn("failed to cache null marker", zap.String("key", key), zap.Error(err))
			}
			return loaded[T]{}, nil
		}
		if err := c.Set(ctx, key, v, ttl); err != nil {
			c.logger.Warn("failed to cache value", zap.String("key", key), zap.Error(err))
		}
		return loaded[T]{value: v, ok: true}, nil
	}

	var res loaded[T]
	if c.opts.Coalesce {
		ch := c.group.DoChan(key, func() (interface{}, error) {
			// Callers that share this load may still be waiting after the
			// first one gives up.
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LockTTL)
			defer cancel()
			return fill(lctx)
		})
		select {
		case r := <-ch:
			if r.Err != nil {
				return zero, r.Err
			}
			res = r.Val.(loaded[T])
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	} else {
		res, err = fill(ctx)
		if err != nil {
			return zero, err
		}
	}
	if !res.ok {
		return zero, ErrNotFound
	}
	return res.value, nil
}

// QueryWithLogicalExpire serves a pre-warmed, logically-versioned entry. A
// missing key is ErrNotFound; this path never populates on miss. An expired
// entry is returned as is while at most one background task, guarded by the
// rebuild lock, reloads it. Callers never wait for the rebuild.
func QueryWithLogicalExpire[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[T, ID], ttl time.Duration) (T, error) {
	var zero T
	key := Key(prefix, id)

	v, expire, found, err := readLogical[T](ctx, c, key)
	if err != nil {
		return zero, err
	}
	if !found {
		observability.CacheLookupsTotal.WithLabelValues("logical", "not_found").Inc()
		return zero, ErrNotFound
	}
	if c.opts.Now().Before(expire) {
		observability.CacheLookupsTotal.WithLabelValues("logical", "hit").Inc()
		return v, nil
	}
	observability.CacheLookupsTotal.WithLabelValues("logical", "stale").Inc()

	h, ok, err := c.locker.TryAcquire(ctx, LockKey(key), c.opts.LockTTL)
	if err != nil {
		c.logger.Warn("rebuild lock failed, serving stale", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if !ok {
		return v, nil
	}

	// Another worker may have rebuilt and released between our read and our lock.
	fresh, expire, found, err := readLogical[T](ctx, c, key)
	if err == nil && found && c.opts.Now().Before(expire) {
		c.release(ctx, h)
		return fresh, nil
	}

	submitted := c.pool != nil && c.pool.Submit(func(taskCtx context.Context) {
		defer c.release(context.WithoutCancel(taskCtx), h)
		rebuild(taskCtx, c, key, id, load, ttl)
	})
	if !submitted {
		c.release(ctx, h)
		observability.CacheRebuildsTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("rebuild not submitted, serving stale", zap.String("key", key))
	}
	return v, nil
}

func (c *Client) release(ctx context.Context, h *lock.Handle) {
	if err := h.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		c.logger.Warn("rebuild lock release failed", zap.String("key", h.Key()), zap.Error(err))
	}
}

func rebuild[T any, ID any](ctx context.Context, c *Client, key string, id ID, load Loader[T, ID], ttl time.Duration) {
	v, ok, err := load(ctx, id)
	if err != nil {
		observability.CacheRebuildsTotal.WithLabelValues("error").Inc()
		c.logger.Error("cache rebuild failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !ok {
		observability.CacheRebuildsTotal.WithLabelValues("not_found").Inc()
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to drop vanished entry", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := c.SetWithLogicalExpiry(ctx, key, v, ttl); err != nil {
		observability.CacheRebuildsTotal.WithLabelValues("error").Inc()
		c.logger.Error("cache rebuild write failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheRebuildsTotal.WithLabelValues("success").Inc()
}

func readLogical[T any](ctx context.Context, c *Client, key string) (T, time.Time, bool, error) {
	var zero T
	b, found, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, time.Time{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	if !found || len(b) == 0 {
		return zero, time.Time{}, false, nil
	}
	var e logicalEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return zero, time.Time{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, time.Time{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, e.ExpireTime, true, nil
}

// QueryWithMutex serves prefix+id from the cache and, on miss, lets exactly one
// caller across all processes rebuild it under the rebuild lock. Others poll
// every RetryInterval until the value or a negative marker appears, or ctx ends.
func QueryWithMutex[T any, ID any](ctx context.Context, c *Client, prefix string, id ID, load Loader[T, ID], ttl time.Duration) (T, error) {
	var zero T
	key := Key(prefix, id)

	for {
		v, done, err := readPlain[T](ctx, c, key)
		if err != nil || done {
			return v, err
		}

		h, ok, err := c.locker.TryAcquire(ctx, LockKey(key), c.opts.LockTTL)
		if err != nil {
			return zero, err
		}
		if ok {
			return fillLocked(ctx, c, h, key, id, load, ttl)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

// readPlain reports done=true for a hit or a negative marker.
func readPlain[T any](ctx context.Context, c *Client, key string) (T, bool, error) {
	var zero T
	b, found, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, true, fmt.Errorf("get %s: %w", key, err)
	}
	if !found {
		return zero, false, nil
	}
	if len(b) == 0 {
		observability.CacheLookupsTotal.WithLabelValues("mutex", "negative_hit").Inc()
		return zero, true, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, true, fmt.Errorf("decode %s: %w", key, err)
	}
	observability.CacheLookupsTotal.WithLabelValues("mutex", "hit").Inc()
	return v, true, nil
}

func fillLocked[T any, ID any](ctx context.Context, c *Client, h *lock.Handle, key string, id ID, load Loader[T, ID], ttl time.Duration) (T, error) {
	defer c.release(context.WithoutCancel(ctx), h)
	var zero T

	if v, done, err := readPlain[T](ctx, c, key); err != nil || done {
		return v, err
	}
	observability.CacheLookupsTotal.WithLabelValues("mutex", "miss").Inc()

	v, ok, err := load(ctx, id)
	if err != nil {
		observability.CacheRebuildsTotal.WithLabelValues("error").Inc()
		return zero, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		observability.CacheRebuildsTotal.WithLabelValues("not_found").Inc()
		if err := c.store.Set(ctx, key, nil, c.opts.NullTTL); err != nil {
			c.logger.Warn("failed to cache null marker", zap.String("key", key), zap.Error(err))
		}
		return zero, ErrNotFound
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("failed to cache value", zap.String("key", key), zap.Error(err))
	}
	observability.CacheRebuildsTotal.WithLabelValues("success").Inc()
	return v, nil
}
