//go:build integration
// +build integration

package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/repository"
	"github.com/kjstillabower/seckill-service/internal/testhelpers"
)

func TestShopRepository_Integration(t *testing.T) {
	pool := testhelpers.NewPostgres(t)
	repo := repository.NewShopRepository(pool, nil)
	ctx := context.Background()

	_, err := repo.GetShop(ctx, 1)
	assert.True(t, repository.IsNotFound(err), "GetShop() error = %v, want not found", err)

	created, err := repo.CreateShop(ctx, models.Shop{Name: "Tea House", Address: "1 Main St", AvgPrice: 80})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	created.Name = "Tea House 2"
	require.NoError(t, repo.UpdateShop(ctx, created))

	got, err := repo.GetShop(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tea House 2", got.Name)
	assert.Equal(t, int64(80), got.AvgPrice)

	err = repo.UpdateShop(ctx, models.Shop{ID: 9999, Name: "ghost"})
	assert.True(t, repository.IsNotFound(err), "UpdateShop() error = %v, want not found", err)
}

func newVoucher(t *testing.T, repo *repository.VoucherRepository, stock int) models.SeckillVoucher {
	t.Helper()
	v, err := repo.CreateSeckillVoucher(context.Background(), models.SeckillVoucher{
		ShopID:    1,
		Title:     "50 off",
		Stock:     stock,
		BeginTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return v
}

func TestCommitSeckillOrder_Integration(t *testing.T) {
	pool := testhelpers.NewPostgres(t)
	repo := repository.NewVoucherRepository(pool, nil)
	ctx := context.Background()
	v := newVoucher(t, repo, 1)

	require.NoError(t, repo.CommitSeckillOrder(ctx, models.Order{ID: 100, UserID: 7, VoucherID: v.VoucherID}))

	// Replay of the same intent is rejected as a duplicate and changes nothing.
	err := repo.CommitSeckillOrder(ctx, models.Order{ID: 100, UserID: 7, VoucherID: v.VoucherID})
	assert.True(t, repository.IsDuplicateOrder(err), "replay error = %v", err)

	err = repo.CommitSeckillOrder(ctx, models.Order{ID: 101, UserID: 8, VoucherID: v.VoucherID})
	assert.True(t, repository.IsStockExhausted(err), "second user error = %v", err)

	got, err := repo.GetSeckillVoucher(ctx, v.VoucherID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stock)

	orders, err := repo.ListOrders(ctx, v.VoucherID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(7), orders[0].UserID)
}

// TestCommitSeckillOrder_ConcurrentNoOversell commits more orders than stock
// from distinct users at once; stock must stop at zero.
func TestCommitSeckillOrder_ConcurrentNoOversell(t *testing.T) {
	pool := testhelpers.NewPostgres(t)
	repo := repository.NewVoucherRepository(pool, nil)
	ctx := context.Background()
	v := newVoucher(t, repo, 5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.CommitSeckillOrder(ctx, models.Order{ID: int64(1000 + i), UserID: int64(i), VoucherID: v.VoucherID})
		}(i)
	}
	wg.Wait()

	got, err := repo.GetSeckillVoucher(ctx, v.VoucherID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stock)
	orders, err := repo.ListOrders(ctx, v.VoucherID)
	require.NoError(t, err)
	assert.Len(t, orders, 5)
}
