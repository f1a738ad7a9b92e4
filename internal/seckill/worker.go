package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kjstillabower/seckill-service/internal/lock"
	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/observability"
	"github.com/kjstillabower/seckill-service/internal/repository"
)

const orderLockPrefix = "lock:order:"

var (
	// ErrPoisonIntent marks a stream entry that cannot be decoded into an intent.
	ErrPoisonIntent = errors.New("undecodable order intent")

	errLockBusy = errors.New("order lock busy")
)

// OrderCommitter writes an order to the system of record. Implementations
// report an existing order with repository.ErrDuplicateOrder and a sold-out
// voucher with repository.ErrStockExhausted.
type OrderCommitter interface {
	CommitSeckillOrder(ctx context.Context, o models.Order) error
}

// WorkerConfig names the stream topology and recovery limits.
type WorkerConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	// Block bounds each wait for a new entry.
	Block time.Duration
	// OrderLockTTL is the per-user lock expiry during fulfillment.
	OrderLockTTL time.Duration
	// MaxDeliveries is how many failed attempts an entry gets before it is dead-lettered.
	MaxDeliveries int
	// RecoveryBackoff is the pause between failed pending-list reads.
	RecoveryBackoff time.Duration
	// LockBusyBackoff is the pause before retrying an entry whose user lock is
	// held elsewhere. Contention does not count toward MaxDeliveries.
	LockBusyBackoff time.Duration
}

// DefaultWorkerConfig matches the stream layout the admission script writes to.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Stream:           "stream.orders",
		Group:            "g1",
		Consumer:         "c1",
		DeadLetterStream: "stream.orders.dlq",
		Block:            2 * time.Second,
		OrderLockTTL:     30 * time.Second,
		MaxDeliveries:    5,
		RecoveryBackoff:  20 * time.Millisecond,
		LockBusyBackoff:  250 * time.Millisecond,
	}
}

// Worker is the single fulfillment consumer. It reads one intent at a time,
// commits it under a per-user lock, and acknowledges it. After any failure it
// replays its own pending list until that list is empty.
type Worker struct {
	rdb    redis.Cmdable
	orders OrderCommitter
	locker lock.Locker
	cfg    WorkerConfig
	logger *zap.Logger

	// failures counts failed attempts per entry id. Only the run goroutine touches it.
	failures map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a Worker. Zero fields in cfg fall back to DefaultWorkerConfig.
func NewWorker(rdb redis.Cmdable, orders OrderCommitter, locker lock.Locker, cfg WorkerConfig, logger *zap.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = def.Consumer
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ".dlq"
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.OrderLockTTL <= 0 {
		cfg.OrderLockTTL = def.OrderLockTTL
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = def.MaxDeliveries
	}
	if cfg.RecoveryBackoff <= 0 {
		cfg.RecoveryBackoff = def.RecoveryBackoff
	}
	if cfg.LockBusyBackoff <= 0 {
		cfg.LockBusyBackoff = def.LockBusyBackoff
	}
	return &Worker{
		rdb:      rdb,
		orders:   orders,
		locker:   locker,
		cfg:      cfg,
		logger:   observability.OrNop(logger).With(zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer)),
		failures: make(map[string]int),
	}
}

// EnsureGroup creates the consumer group, and the stream if needed. An existing group is fine.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", w.cfg.Group, w.cfg.Stream, err)
	}
	return nil
}

// Start creates the group and launches the consumer loop. The loop first
// drains entries left pending by a previous run.
func (w *Worker) Start(ctx context.Context) error {
	if w.done != nil {
		return errors.New("worker already started")
	}
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
	w.logger.Info("fulfillment worker started")
	return nil
}

// Stop cancels the loop and waits for the in-flight entry to finish or for ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	if w.done == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		w.logger.Info("fulfillment worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop fulfillment worker: %w", ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context) {
	w.drainPending(ctx)
	for ctx.Err() == nil {
		if err := w.processNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errLockBusy) {
				w.logger.Debug("order lock busy, leaving entry pending", zap.Error(err))
			} else {
				w.logger.Error("order stream processing failed, replaying pending list", zap.Error(err))
			}
			w.drainPending(ctx)
		}
	}
}

// processNext reads and handles at most one new entry.
func (w *Worker) processNext(ctx context.Context) error {
	streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Streams:  []string{w.cfg.Stream, ">"},
		Count:    1,
		Block:    w.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read %s: %w", w.cfg.Stream, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			if err := w.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainPending replays this consumer's delivered-but-unacknowledged entries,
// oldest first, until none remain or ctx ends.
func (w *Worker) drainPending(ctx context.Context) {
	for ctx.Err() == nil {
		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, "0"},
			Count:    1,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			w.logger.Error("pending list read failed", zap.Error(err))
			w.sleep(ctx, w.cfg.RecoveryBackoff)
			continue
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return
		}
		msg := streams[0].Messages[0]
		observability.SeckillPendingReplaysTotal.Inc()
		if err := w.handle(ctx, msg); err != nil {
			if errors.Is(err, errLockBusy) {
				w.logger.Debug("order lock busy, retrying pending entry", zap.String("entry_id", msg.ID))
				w.sleep(ctx, w.cfg.LockBusyBackoff)
				continue
			}
			w.logger.Error("pending entry replay failed", zap.String("entry_id", msg.ID), zap.Error(err))
			w.sleep(ctx, w.cfg.RecoveryBackoff)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle fulfills one entry and acknowledges it unless the failure is
// retryable. A nil return means the entry is settled.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) error {
	intent, err := decodeIntent(msg.Values)
	if err != nil {
		return w.deadLetter(ctx, msg, "decode", err)
	}
	log := w.logger.With(zap.String("entry_id", msg.ID), zap.Int64("order_id", intent.OrderID),
		zap.Int64("user_id", intent.UserID), zap.Int64("voucher_id", intent.VoucherID))

	err = w.fulfill(ctx, intent)
	switch {
	case err == nil:
		observability.SeckillFulfillmentsTotal.WithLabelValues("committed").Inc()
		log.Debug("order committed")
		return w.ack(ctx, msg.ID)
	case repository.IsDuplicateOrder(err):
		observability.SeckillFulfillmentsTotal.WithLabelValues("duplicate").Inc()
		log.Warn("order already exists, acknowledging")
		return w.ack(ctx, msg.ID)
	case repository.IsStockExhausted(err):
		observability.SeckillFulfillmentsTotal.WithLabelValues("no_stock").Inc()
		log.Error("stock exhausted at commit, acknowledging")
		return w.ack(ctx, msg.ID)
	}

	if errors.Is(err, errLockBusy) {
		// The lock expires within OrderLockTTL, so waiting it out always ends.
		observability.SeckillFulfillmentsTotal.WithLabelValues("lock_busy").Inc()
		return fmt.Errorf("fulfill entry %s: %w", msg.ID, err)
	}
	observability.SeckillFulfillmentsTotal.WithLabelValues("error").Inc()
	w.failures[msg.ID]++
	if n := w.failures[msg.ID]; n >= w.cfg.MaxDeliveries {
		log.Error("order fulfillment attempts exhausted", zap.Int("attempts", n), zap.Error(err))
		return w.deadLetter(ctx, msg, "max_deliveries", err)
	}
	return fmt.Errorf("fulfill entry %s: %w", msg.ID, err)
}

func (w *Worker) fulfill(ctx context.Context, intent models.OrderIntent) error {
	key := orderLockPrefix + strconv.FormatInt(intent.UserID, 10)
	h, ok, err := w.locker.TryAcquire(ctx, key, w.cfg.OrderLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errLockBusy
	}
	defer func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			w.logger.Warn("order lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	return w.orders.CommitSeckillOrder(ctx, models.Order{
		ID:        intent.OrderID,
		UserID:    intent.UserID,
		VoucherID: intent.VoucherID,
	})
}

func (w *Worker) ack(ctx context.Context, id string) error {
	if err := w.rdb.XAck(context.WithoutCancel(ctx), w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	delete(w.failures, id)
	return nil
}

// deadLetter copies the entry to the dead-letter stream with the failure
// reason and acknowledges the original.
func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, reason string, cause error) error {
	values := make(map[string]interface{}, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["entryId"] = msg.ID
	values["reason"] = reason
	values["error"] = cause.Error()

	if err := w.rdb.XAdd(context.WithoutCancel(ctx), &redis.XAddArgs{
		Stream: w.cfg.DeadLetterStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	observability.SeckillDeadLettersTotal.WithLabelValues(reason).Inc()
	w.logger.Error("order intent dead-lettered",
		zap.String("entry_id", msg.ID), zap.String("reason", reason), zap.Error(cause))
	return w.ack(ctx, msg.ID)
}

func decodeIntent(values map[string]interface{}) (models.OrderIntent, error) {
	var in models.OrderIntent
	var err error
	if in.OrderID, err = intField(values, "id"); err != nil {
		return in, err
	}
	if in.UserID, err = intField(values, "userId"); err != nil {
		return in, err
	}
	if in.VoucherID, err = intField(values, "voucherId"); err != nil {
		return in, err
	}
	return in, nil
}

func intField(values map[string]interface{}, name string) (int64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("field %q missing: %w", name, ErrPoisonIntent)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("field %q has type %T: %w", name, raw, ErrPoisonIntent)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %v: %w", name, err, ErrPoisonIntent)
	}
	return n, nil
}
