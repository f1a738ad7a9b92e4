package repository

import (
	"context"
	"errors"

	cr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
)

// VoucherRepository owns tb_seckill_voucher and tb_voucher_order.
type VoucherRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewVoucherRepository(db *pgxpool.Pool, logger *zap.Logger) *VoucherRepository {
	return &VoucherRepository{db: db, logger: observability.OrNop(logger)}
}

// CreateSeckillVoucher inserts v and returns it with its assigned id.
func (r *VoucherRepository) CreateSeckillVoucher(ctx context.Context, v models.SeckillVoucher) (models.SeckillVoucher, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO tb_seckill_voucher (shop_id, title, stock, begin_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING voucher_id`,
		v.ShopID, v.Title, v.Stock, v.BeginTime, v.EndTime,
	).Scan(&v.VoucherID)
	if err != nil {
		return models.SeckillVoucher{}, cr.Wrap(err, "create seckill voucher")
	}
	return v, nil
}

// GetSeckillVoucher returns the voucher, or ErrNotFound.
func (r *VoucherRepository) GetSeckillVoucher(ctx context.Context, id int64) (models.SeckillVoucher, error) {
	var v models.SeckillVoucher
	err := r.db.QueryRow(ctx, `
		SELECT voucher_id, shop_id, title, stock, begin_time, end_time
		FROM tb_seckill_voucher WHERE voucher_id = $1`, id,
	).Scan(&v.VoucherID, &v.ShopID, &v.Title, &v.Stock, &v.BeginTime, &v.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SeckillVoucher{}, mark(err, ErrNotFound)
		}
		return models.SeckillVoucher{}, cr.Wrapf(err, "get seckill voucher %d", id)
	}
	return v, nil
}

// CommitSeckillOrder writes o in one transaction: it rejects an existing order
// for the same user and voucher with ErrDuplicateOrder, decrements stock only
// while it is positive (ErrStockExhausted otherwise), and inserts the order row.
// Replaying the same order is therefore a no-op reported as ErrDuplicateOrder.
func (r *VoucherRepository) CommitSeckillOrder(ctx context.Context, o models.Order) error {
	_, err := runInTx(ctx, r.db, r.logger, func(tx pgx.Tx) (struct{}, error) {
		var n int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM tb_voucher_order WHERE user_id = $1 AND voucher_id = $2`,
			o.UserID, o.VoucherID,
		).Scan(&n); err != nil {
			return struct{}{}, cr.Wrap(err, "check existing order")
		}
		if n > 0 {
			return struct{}{}, mark(nil, ErrDuplicateOrder)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE tb_seckill_voucher SET stock = stock - 1, update_time = NOW() WHERE voucher_id = $1 AND stock > 0`,
			o.VoucherID,
		)
		if err != nil {
			return struct{}{}, cr.Wrap(err, "decrement stock")
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, mark(nil, ErrStockExhausted)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO tb_voucher_order (id, user_id, voucher_id) VALUES ($1, $2, $3)`,
			o.ID, o.UserID, o.VoucherID,
		); err != nil {
			if isUniqueViolation(err) {
				return struct{}{}, mark(err, ErrDuplicateOrder)
			}
			return struct{}{}, cr.Wrap(err, "insert order")
		}
		return struct{}{}, nil
	})
	return err
}

// ListOrders returns the committed orders for a voucher, oldest first.
func (r *VoucherRepository) ListOrders(ctx context.Context, voucherID int64) ([]models.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, voucher_id, create_time FROM tb_voucher_order
		WHERE voucher_id = $1 ORDER BY create_time, id`, voucherID)
	if err != nil {
		return nil, cr.Wrapf(err, "list orders for voucher %d", voucherID)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Order, error) {
		var o models.Order
		err := row.Scan(&o.ID, &o.UserID, &o.VoucherID, &o.CreatedAt)
		return o, err
	})
}
