package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExp is the largest expiration memcached treats as relative seconds;
// anything larger is interpreted as a unix timestamp.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedStore implements Store using memcached. It carries cache payloads
// only; locks, counters, and the order stream always live in Redis.
type MemcachedStore struct {
	client *memcache.Client
	now    func() time.Time
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Store.Get. Returns found=false on cache miss.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := s.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Store.Set. A zero ttl never expires.
func (s *MemcachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return s.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: s.expiration(ttl),
	})
}

// Delete implements Store.Delete. A missing key is not an error.
func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func (s *MemcachedStore) expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	sec := int64(ttl / time.Second)
	if sec == 0 {
		sec = 1
	}
	if sec > maxRelativeExp {
		return int32(s.now().Add(ttl).Unix())
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
