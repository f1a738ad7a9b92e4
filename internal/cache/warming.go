package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

// Warmer pre-populates logically-versioned entries. QueryWithLogicalExpire
// never fills a missing key, so hot ids must be warmed before they are served.
type Warmer[T any, ID any] struct {
	client *Client
	prefix string
	load   Loader[T, ID]
	ttl    time.Duration
	logger *zap.Logger
}

// NewWarmer creates a Warmer that writes prefix+id entries with the given logical ttl.
func NewWarmer[T any, ID any](client *Client, prefix string, load Loader[T, ID], ttl time.Duration, logger *zap.Logger) *Warmer[T, ID] {
	return &Warmer[T, ID]{client: client, prefix: prefix, load: load, ttl: ttl, logger: observability.OrNop(logger)}
}

// Warm loads each id concurrently and stores it with logical expiry.
// Ids the loader reports absent are skipped. Returns an aggregated error if any id failed.
func (w *Warmer[T, ID]) Warm(ctx context.Context, ids []ID) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.String("prefix", w.prefix), zap.Int("ids", len(ids)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := Key(w.prefix, id)
			v, ok, err := w.load(ctx, id)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", key, err)
				return
			}
			if !ok {
				w.logger.Debug("warm skipped missing id", zap.String("key", key))
				return
			}
			if err := w.client.SetWithLogicalExpiry(ctx, key, v, w.ttl); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", key, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete", zap.Int("ids", len(ids)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer[T, ID]) WarmPeriodic(ctx context.Context, ids []ID, interval time.Duration) error {
	if err := w.Warm(ctx, ids); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, ids); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
