// Package lock implements a non-blocking distributed mutex on Redis with
// ownership-checked release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

// ErrNotHeld is returned by Release when the key no longer holds the caller's token,
// either because the TTL expired or another owner has since acquired it.
var ErrNotHeld = errors.New("lock not held by caller")

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// Locker acquires named locks. Acquisition never waits; callers that want to
// block must retry themselves.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error)
}

// Client implements Locker on Redis.
type Client struct {
	rdb    redisClient
	prefix string
	logger *zap.Logger
}

// redisClient is the subset of go-redis the lock needs: SETNX plus script execution.
type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// New returns a Client. Owner tokens are prefixed with a per-process id so that
// tokens from different processes never collide.
func New(rdb redisClient, logger *zap.Logger) *Client {
	return &Client{
		rdb:    rdb,
		prefix: fmt.Sprintf("%s-%d-", uuid.NewString(), os.Getpid()),
		logger: observability.OrNop(logger),
	}
}

// Handle is a held lock. It is valid until Release or TTL expiry, whichever comes first.
type Handle struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration
}

// Key returns the locked resource key.
func (h *Handle) Key() string { return h.key }

// TTL returns the expiry the lock was acquired with.
func (h *Handle) TTL() time.Duration { return h.ttl }

// TryAcquire sets key to a fresh owner token if it is absent. ok is false on
// contention; err is non-nil only when the store call itself failed.
func (c *Client) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	token := c.prefix + uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		observability.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		observability.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
		return nil, false, nil
	}
	observability.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	return &Handle{client: c, key: key, token: token, ttl: ttl}, true, nil
}

// Release deletes the lock only if it still carries this handle's token.
// Returns ErrNotHeld when another owner holds it or it has already expired.
func (h *Handle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.client.rdb, []string{h.key}, h.token).Int64()
	if err != nil {
		observability.LockReleasesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("release %s: %w", h.key, err)
	}
	if n == 0 {
		observability.LockReleasesTotal.WithLabelValues("not_held").Inc()
		h.client.logger.Debug("lock release skipped, not held", zap.String("key", h.key))
		return ErrNotHeld
	}
	observability.LockReleasesTotal.WithLabelValues("released").Inc()
	return nil
}
