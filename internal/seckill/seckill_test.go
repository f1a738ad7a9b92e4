package seckill

import (
	"context"
	"errors"
	"sync"

	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/repository"
)

type orderKey struct{ user, voucher int64 }

// memOrders mimics the repository's CommitSeckillOrder contract in memory.
type memOrders struct {
	mu       sync.Mutex
	stock    map[int64]int
	orders   map[orderKey]models.Order
	failures int
	failErr  error
	calls    int
}

func newMemOrders(stock map[int64]int) *memOrders {
	return &memOrders{stock: stock, orders: make(map[orderKey]models.Order)}
}

func (m *memOrders) CommitSeckillOrder(ctx context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		if m.failErr != nil {
			return m.failErr
		}
		return errors.New("connection reset")
	}
	k := orderKey{o.UserID, o.VoucherID}
	if _, ok := m.orders[k]; ok {
		return repository.ErrDuplicateOrder
	}
	if m.stock[o.VoucherID] <= 0 {
		return repository.ErrStockExhausted
	}
	m.stock[o.VoucherID]--
	m.orders[k] = o
	return nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memOrders) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type stubIDs struct {
	mu  sync.Mutex
	n   uint64
	err error
}

func (s *stubIDs) NextID(ctx context.Context, businessKey string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.n++
	return 1<<32 | s.n, nil
}
