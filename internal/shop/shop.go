// Package shop serves shop records through the read-through cache and
// invalidates them on update.
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/cache"
	"github.com/kjstillabower/seckill-service/internal/circuitbreaker"
	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/repository"
)

// Strategy selects the cache read path.
type Strategy string

const (
	StrategyPassThrough Strategy = "pass_through"
	StrategyLogical     Strategy = "logical"
	StrategyMutex       Strategy = "mutex"
)

var (
	ErrNotFound  = errors.New("shop not found")
	ErrMissingID = errors.New("shop id is required")
)

// Store is the system-of-record view the service needs.
type Store interface {
	GetShop(ctx context.Context, id int64) (models.Shop, error)
	UpdateShop(ctx context.Context, s models.Shop) error
}

// Service reads shops through the cache and writes them through to the store.
type Service struct {
	store    Store
	cache    *cache.Client
	breaker  *circuitbreaker.Breaker
	strategy Strategy
	ttl      time.Duration
	logger   *zap.Logger
}

// NewService builds a Service. breaker may be nil.
func NewService(store Store, c *cache.Client, breaker *circuitbreaker.Breaker, strategy Strategy, ttl time.Duration, logger *zap.Logger) *Service {
	if strategy == "" {
		strategy = StrategyPassThrough
	}
	return &Service{
		store:    store,
		cache:    c,
		breaker:  breaker,
		strategy: strategy,
		ttl:      ttl,
		logger:   observability.OrNop(logger),
	}
}

// QueryByID returns the shop with id using the configured read path.
func (s *Service) QueryByID(ctx context.Context, id int64) (models.Shop, error) {
	var (
		shop models.Shop
		err  error
	)
	switch s.strategy {
	case StrategyLogical:
		shop, err = cache.QueryWithLogicalExpire[models.Shop, int64](ctx, s.cache, cache.ShopKeyPrefix, id, s.load, s.ttl)
	case StrategyMutex:
		shop, err = cache.QueryWithMutex[models.Shop, int64](ctx, s.cache, cache.ShopKeyPrefix, id, s.load, s.ttl)
	default:
		shop, err = cache.QueryWithPassThrough[models.Shop, int64](ctx, s.cache, cache.ShopKeyPrefix, id, s.load, s.ttl)
	}
	if errors.Is(err, cache.ErrNotFound) {
		return models.Shop{}, ErrNotFound
	}
	return shop, err
}

// Update writes shop to the store, then drops its cache entry so the next
// read reloads it.
func (s *Service) Update(ctx context.Context, shop models.Shop) error {
	if shop.ID <= 0 {
		return ErrMissingID
	}
	if err := s.store.UpdateShop(ctx, shop); err != nil {
		if repository.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update shop %d: %w", shop.ID, err)
	}
	key := cache.Key(cache.ShopKeyPrefix, shop.ID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	s.logger.Debug("shop updated, cache invalidated", zap.Int64("shop_id", shop.ID))
	return nil
}

// Warmer returns a warmer for the logical-expiry read path.
func (s *Service) Warmer() *cache.Warmer[models.Shop, int64] {
	return cache.NewWarmer[models.Shop, int64](s.cache, cache.ShopKeyPrefix, s.load, s.ttl, s.logger)
}

type lookup struct {
	shop models.Shop
	ok   bool
}

// load reads one shop for the cache. A missing row is ok=false, not an error,
// so it neither trips the breaker nor escapes as a failure.
func (s *Service) load(ctx context.Context, id int64) (models.Shop, bool, error) {
	get := func(ctx context.Context) (lookup, error) {
		shop, err := s.store.GetShop(ctx, id)
		if err != nil {
			if repository.IsNotFound(err) {
				return lookup{}, nil
			}
			return lookup{}, err
		}
		return lookup{shop: shop, ok: true}, nil
	}
	var (
		res lookup
		err error
	)
	if s.breaker != nil {
		res, err = circuitbreaker.Execute(ctx, s.breaker, get)
	} else {
		res, err = get(ctx)
	}
	if err != nil {
		return models.Shop{}, false, err
	}
	return res.shop, res.ok, nil
}
