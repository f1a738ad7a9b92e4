// Package seckill admits flash-sale purchases against Redis stock and turns
// admitted intents into committed orders from a Redis stream.
package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

const (
	StockKeyPrefix     = "seckill:stock:"
	OrderSetKeyPrefix  = "seckill:order:"
	orderIDBusinessKey = "order"
)

// Admission statuses returned by the script.
const (
	statusAdmitted  = 0
	statusNoStock   = 1
	statusDuplicate = 2
)

var (
	ErrStockExhausted    = errors.New("stock exhausted")
	ErrDuplicatePurchase = errors.New("user already purchased this voucher")
	ErrUnknownStatus     = errors.New("unknown admission status")
)

// admitScript checks stock and prior purchase, then reserves stock, records the
// buyer, and appends the intent, all in one atomic step. A buyer already in the
// set gets status 2 even after stock runs out.
var admitScript = redis.NewScript(`
local stockKey = KEYS[1]
local orderKey = KEYS[2]
local streamKey = KEYS[3]
local voucherId = ARGV[1]
local userId = ARGV[2]
local orderId = ARGV[3]

local stock = tonumber(redis.call('get', stockKey) or '0') or 0
if stock <= 0 then
	if redis.call('sismember', orderKey, userId) == 1 then
		return 2
	end
	return 1
end
if redis.call('sismember', orderKey, userId) == 1 then
	return 2
end
redis.call('incrby', stockKey, -1)
redis.call('sadd', orderKey, userId)
redis.call('xadd', streamKey, '*', 'userId', userId, 'voucherId', voucherId, 'id', orderId)
return 0
`)

// IDGenerator hands out order ids.
type IDGenerator interface {
	NextID(ctx context.Context, businessKey string) (uint64, error)
}

// Admission runs the synchronous half of a purchase.
type Admission struct {
	rdb    redis.Cmdable
	ids    IDGenerator
	stream string
	logger *zap.Logger
}

// NewAdmission returns an Admission that appends intents to stream.
func NewAdmission(rdb redis.Cmdable, ids IDGenerator, stream string, logger *zap.Logger) *Admission {
	return &Admission{rdb: rdb, ids: ids, stream: stream, logger: observability.OrNop(logger)}
}

// StockKey is the Redis key holding a voucher's remaining admission stock.
func StockKey(voucherID int64) string {
	return StockKeyPrefix + strconv.FormatInt(voucherID, 10)
}

// OrderSetKey is the Redis set of users admitted for a voucher.
func OrderSetKey(voucherID int64) string {
	return OrderSetKeyPrefix + strconv.FormatInt(voucherID, 10)
}

// SetStock publishes a voucher's stock so admissions can run against it.
func (a *Admission) SetStock(ctx context.Context, voucherID int64, stock int) error {
	if err := a.rdb.Set(ctx, StockKey(voucherID), stock, 0).Err(); err != nil {
		return fmt.Errorf("set stock for voucher %d: %w", voucherID, err)
	}
	return nil
}

// SubmitSeckill admits userID for voucherID and returns the order id the
// intent was enqueued under. Rejections are ErrStockExhausted or
// ErrDuplicatePurchase; the order row is written later by the Worker.
func (a *Admission) SubmitSeckill(ctx context.Context, voucherID, userID int64) (int64, error) {
	id, err := a.ids.NextID(ctx, orderIDBusinessKey)
	if err != nil {
		observability.SeckillAdmissionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("generate order id: %w", err)
	}
	orderID := int64(id)

	status, err := admitScript.Run(ctx, a.rdb,
		[]string{StockKey(voucherID), OrderSetKey(voucherID), a.stream},
		voucherID, userID, orderID,
	).Int64()
	if err != nil {
		observability.SeckillAdmissionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("admit user %d for voucher %d: %w", userID, voucherID, err)
	}

	switch status {
	case statusAdmitted:
		observability.SeckillAdmissionsTotal.WithLabelValues("admitted").Inc()
		a.logger.Debug("seckill admitted",
			zap.Int64("order_id", orderID), zap.Int64("user_id", userID), zap.Int64("voucher_id", voucherID))
		return orderID, nil
	case statusNoStock:
		observability.SeckillAdmissionsTotal.WithLabelValues("stock_exhausted").Inc()
		return 0, ErrStockExhausted
	case statusDuplicate:
		observability.SeckillAdmissionsTotal.WithLabelValues("duplicate").Inc()
		return 0, ErrDuplicatePurchase
	default:
		observability.SeckillAdmissionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("status %d: %w", status, ErrUnknownStatus)
	}
}
