package shop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/seckill-service/internal/cache"
	"github.com/kjstillabower/seckill-service/internal/circuitbreaker"
	"github.com/kjstillabower/seckill-service/internal/kv"
	"github.com/kjstillabower/seckill-service/internal/lock"
	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/repository"
	"github.com/kjstillabower/seckill-service/internal/testhelpers"
	"github.com/kjstillabower/seckill-service/internal/workerpool"
)

type fakeStore struct {
	mu    sync.Mutex
	shops map[int64]models.Shop
	gets  int
	err   error
}

func (f *fakeStore) GetShop(ctx context.Context, id int64) (models.Shop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return models.Shop{}, f.err
	}
	s, ok := f.shops[id]
	if !ok {
		return models.Shop{}, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) UpdateShop(ctx context.Context, s models.Shop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shops[s.ID]; !ok {
		return repository.ErrNotFound
	}
	f.shops[s.ID] = s
	return nil
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func newTestService(t *testing.T, strategy Strategy, store *fakeStore, breaker *circuitbreaker.Breaker) *Service {
	t.Helper()
	rdb, _ := testhelpers.NewRedis(t)
	pool := workerpool.New(2, nil)
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	c := cache.New(kv.NewRedisStore(rdb), lock.New(rdb, nil), pool, nil, cache.Options{})
	return NewService(store, c, breaker, strategy, 30*time.Minute, nil)
}

func TestQueryByID_Strategies(t *testing.T) {
	for _, strategy := range []Strategy{StrategyPassThrough, StrategyMutex} {
		t.Run(string(strategy), func(t *testing.T) {
			store := &fakeStore{shops: map[int64]models.Shop{1: {ID: 1, Name: "Tea House"}}}
			svc := newTestService(t, strategy, store, nil)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				got, err := svc.QueryByID(ctx, 1)
				if err != nil {
					t.Fatalf("QueryByID() error = %v", err)
				}
				if got.Name != "Tea House" {
					t.Errorf("QueryByID() = %+v", got)
				}
			}
			if n := store.getCount(); n != 1 {
				t.Errorf("store reads = %d, want 1", n)
			}
			if _, err := svc.QueryByID(ctx, 2); !errors.Is(err, ErrNotFound) {
				t.Errorf("QueryByID(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestQueryByID_LogicalNeedsWarm(t *testing.T) {
	store := &fakeStore{shops: map[int64]models.Shop{1: {ID: 1, Name: "Tea House"}}}
	svc := newTestService(t, StrategyLogical, store, nil)
	ctx := context.Background()

	if _, err := svc.QueryByID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("QueryByID() before warm error = %v, want ErrNotFound", err)
	}
	if err := svc.Warmer().Warm(ctx, []int64{1}); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	got, err := svc.QueryByID(ctx, 1)
	if err != nil || got.Name != "Tea House" {
		t.Errorf("QueryByID() after warm = %+v, %v", got, err)
	}
}

// TestUpdate_InvalidatesCache verifies the next read after an update sees the
// new row instead of the cached one.
func TestUpdate_InvalidatesCache(t *testing.T) {
	store := &fakeStore{shops: map[int64]models.Shop{1: {ID: 1, Name: "Old"}}}
	svc := newTestService(t, StrategyPassThrough, store, nil)
	ctx := context.Background()

	if _, err := svc.QueryByID(ctx, 1); err != nil {
		t.Fatalf("QueryByID() error = %v", err)
	}
	if err := svc.Update(ctx, models.Shop{ID: 1, Name: "New"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := svc.QueryByID(ctx, 1)
	if err != nil {
		t.Fatalf("QueryByID() error = %v", err)
	}
	if got.Name != "New" {
		t.Errorf("QueryByID() after Update = %q, want New", got.Name)
	}
}

func TestUpdate_Errors(t *testing.T) {
	store := &fakeStore{shops: map[int64]models.Shop{}}
	svc := newTestService(t, StrategyPassThrough, store, nil)
	ctx := context.Background()

	if err := svc.Update(ctx, models.Shop{Name: "x"}); !errors.Is(err, ErrMissingID) {
		t.Errorf("Update() without id error = %v, want ErrMissingID", err)
	}
	if err := svc.Update(ctx, models.Shop{ID: 9, Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() unknown id error = %v, want ErrNotFound", err)
	}
}

func TestQueryByID_BreakerOpens(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute})
	svc := newTestService(t, StrategyPassThrough, store, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.QueryByID(ctx, 1); err == nil {
			t.Fatal("QueryByID() error = nil, want store error")
		}
	}
	if _, err := svc.QueryByID(ctx, 1); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("QueryByID() error = %v, want ErrOpen", err)
	}
	if n := store.getCount(); n != 2 {
		t.Errorf("store reads = %d, want 2 (third short-circuited)", n)
	}
}

// TestQueryByID_MissingRowDoesNotTripBreaker verifies not-found lookups are
// not counted as store failures.
func TestQueryByID_MissingRowDoesNotTripBreaker(t *testing.T) {
	store := &fakeStore{shops: map[int64]models.Shop{}}
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1})
	svc := newTestService(t, StrategyPassThrough, store, breaker)

	for id := int64(1); id <= 3; id++ {
		if _, err := svc.QueryByID(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("QueryByID(%d) error = %v, want ErrNotFound", id, err)
		}
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", breaker.State())
	}
}
