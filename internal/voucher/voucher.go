// Package voucher creates seckill vouchers and publishes their stock to the
// admission store.
package voucher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/validation"
)

// Store persists vouchers in the system of record.
type Store interface {
	CreateSeckillVoucher(ctx context.Context, v models.SeckillVoucher) (models.SeckillVoucher, error)
}

// StockPublisher makes a voucher's stock available to admissions.
type StockPublisher interface {
	SetStock(ctx context.Context, voucherID int64, stock int) error
}

type Service struct {
	store  Store
	stock  StockPublisher
	logger *zap.Logger
}

func NewService(store Store, stock StockPublisher, logger *zap.Logger) *Service {
	return &Service{store: store, stock: stock, logger: observability.OrNop(logger)}
}

// AddSeckillVoucher validates v, inserts it, and publishes its stock. The
// returned voucher carries the assigned id. If publishing fails the row exists
// but admissions reject the voucher as sold out until stock is published.
func (s *Service) AddSeckillVoucher(ctx context.Context, v models.SeckillVoucher) (models.SeckillVoucher, error) {
	if err := validation.ValidateSeckillVoucher(v); err != nil {
		return models.SeckillVoucher{}, err
	}
	created, err := s.store.CreateSeckillVoucher(ctx, v)
	if err != nil {
		return models.SeckillVoucher{}, fmt.Errorf("create voucher: %w", err)
	}
	if err := s.stock.SetStock(ctx, created.VoucherID, created.Stock); err != nil {
		s.logger.Error("voucher created but stock not published",
			zap.Int64("voucher_id", created.VoucherID), zap.Error(err))
		return created, err
	}
	s.logger.Info("seckill voucher added",
		zap.Int64("voucher_id", created.VoucherID), zap.Int("stock", created.Stock))
	return created, nil
}
