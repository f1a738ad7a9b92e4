// Package idgen hands out 64-bit ids made of a seconds timestamp in the high
// 32 bits and a per-day Redis counter in the low 32 bits.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

const (
	// DefaultEpoch is the origin timestamp (2023-08-06T01:07:06Z).
	DefaultEpoch int64 = 1691284026

	countBits = 32
	keyPrefix = "icr:"
	dayLayout = "2006:01:02"
)

// ErrCounterOverflow is returned when a business key has used up its 32-bit
// counter space for the day.
var ErrCounterOverflow = errors.New("daily id counter overflow")

// Generator produces ids that strictly increase for callers sharing one Redis.
type Generator struct {
	rdb   redis.Cmdable
	epoch int64
	now   func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithEpoch overrides the origin timestamp, in unix seconds.
func WithEpoch(epoch int64) Option {
	return func(g *Generator) { g.epoch = epoch }
}

// WithClock overrides time.Now. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New returns a Generator backed by rdb.
func New(rdb redis.Cmdable, opts ...Option) *Generator {
	g := &Generator{rdb: rdb, epoch: DefaultEpoch, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NextID returns the next id for businessKey. The first id of a new UTC day
// uses counter value 1.
func (g *Generator) NextID(ctx context.Context, businessKey string) (uint64, error) {
	now := g.now().UTC()
	elapsed := now.Unix() - g.epoch
	if elapsed < 0 {
		return 0, fmt.Errorf("clock %d before id epoch %d", now.Unix(), g.epoch)
	}

	key := CounterKey(businessKey, now)
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if n <= 0 || n >= 1<<countBits {
		return 0, fmt.Errorf("%s: %w", key, ErrCounterOverflow)
	}

	observability.IDsGeneratedTotal.WithLabelValues(businessKey).Inc()
	return uint64(elapsed)<<countBits | uint64(n), nil
}

// CounterKey returns the Redis key holding businessKey's counter for t's UTC day.
func CounterKey(businessKey string, t time.Time) string {
	return keyPrefix + businessKey + ":" + t.UTC().Format(dayLayout)
}
