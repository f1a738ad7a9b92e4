package seckill

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/seckill-service/internal/lock"
	"github.com/kjstillabower/seckill-service/internal/models"
	"github.com/kjstillabower/seckill-service/internal/testhelpers"
)

func testWorkerConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.Block = 20 * time.Millisecond
	cfg.RecoveryBackoff = 2 * time.Millisecond
	cfg.MaxDeliveries = 3
	return cfg
}

type pipeline struct {
	rdb       *redis.Client
	admission *Admission
	orders    *memOrders
	locker    *lock.Client
}

func newPipeline(t *testing.T, stock map[int64]int) *pipeline {
	t.Helper()
	rdb, _ := testhelpers.NewRedis(t)
	p := &pipeline{
		rdb:       rdb,
		admission: NewAdmission(rdb, &stubIDs{}, testStream, nil),
		orders:    newMemOrders(stock),
		locker:    lock.New(rdb, nil),
	}
	for id, n := range stock {
		require.NoError(t, p.admission.SetStock(context.Background(), id, n))
	}
	return p
}

func (p *pipeline) startWorker(t *testing.T, cfg WorkerConfig) *Worker {
	t.Helper()
	w := NewWorker(p.rdb, p.orders, p.locker, cfg, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	return w
}

func pendingCount(t *testing.T, rdb *redis.Client, cfg WorkerConfig) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), cfg.Stream, cfg.Group).Result()
	if err != nil {
		t.Logf("XPENDING: %v", err)
		return -1
	}
	return p.Count
}

func deadLetters(t *testing.T, rdb *redis.Client, cfg WorkerConfig) []redis.XMessage {
	t.Helper()
	msgs, err := rdb.XRange(context.Background(), cfg.DeadLetterStream, "-", "+").Result()
	if err != nil {
		t.Logf("XRANGE: %v", err)
		return nil
	}
	return msgs
}

// TestWorker_EndToEnd admits a purchase, lets the worker commit it, and checks
// a repeat purchase is rejected both before and after fulfillment.
func TestWorker_EndToEnd(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()

	orderID, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)
	_, err = p.admission.SubmitSeckill(ctx, 5, 42)
	require.ErrorIs(t, err, ErrDuplicatePurchase)

	p.startWorker(t, cfg)
	require.Eventually(t, func() bool { return p.orders.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	p.orders.mu.Lock()
	got := p.orders.orders[orderKey{42, 5}]
	p.orders.mu.Unlock()
	assert.Equal(t, models.Order{ID: orderID, UserID: 42, VoucherID: 5}, got)

	_, err = p.admission.SubmitSeckill(ctx, 5, 42)
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorker_ManyIntents(t *testing.T) {
	p := newPipeline(t, map[int64]int{1: 20})
	ctx := context.Background()
	p.startWorker(t, testWorkerConfig())

	for u := int64(1); u <= 20; u++ {
		_, err := p.admission.SubmitSeckill(ctx, 1, u)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return p.orders.count() == 20 }, 3*time.Second, 5*time.Millisecond)
}

// TestWorker_RestartReplaysPending simulates a consumer that read an intent
// and died before acknowledging it. A new worker with the same identity must
// pick it up from the pending list.
func TestWorker_RestartReplaysPending(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()

	require.NoError(t, NewWorker(p.rdb, p.orders, p.locker, cfg, nil).EnsureGroup(ctx))
	_, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)

	read, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: cfg.Group, Consumer: cfg.Consumer, Streams: []string{cfg.Stream, ">"}, Count: 1, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read[0].Messages, 1)
	require.Equal(t, int64(1), pendingCount(t, p.rdb, cfg))

	p.startWorker(t, cfg)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.orders.count())
	assert.Equal(t, 1, p.orders.callCount())
}

// TestWorker_ReplayAfterCommitIsIdempotent covers a crash between commit and
// ack: the replay sees the existing order, creates nothing, and acknowledges.
func TestWorker_ReplayAfterCommitIsIdempotent(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()

	require.NoError(t, NewWorker(p.rdb, p.orders, p.locker, cfg, nil).EnsureGroup(ctx))
	orderID, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)
	_, err = p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: cfg.Group, Consumer: cfg.Consumer, Streams: []string{cfg.Stream, ">"}, Count: 1, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.NoError(t, p.orders.CommitSeckillOrder(ctx, models.Order{ID: orderID, UserID: 42, VoucherID: 5}))

	p.startWorker(t, cfg)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.orders.count())
	assert.Empty(t, deadLetters(t, p.rdb, cfg))
}

func TestWorker_TransientFailureRecovers(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	p.orders.failures = 2
	ctx := context.Background()
	cfg := testWorkerConfig()
	w := p.startWorker(t, cfg)

	_, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.orders.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.orders.callCount())
	assert.Empty(t, deadLetters(t, p.rdb, cfg))

	require.NoError(t, w.Stop(ctx))
	assert.Empty(t, w.failures)
}

// TestWorker_PoisonIntentDeadLettered verifies an intent that never commits is
// tried MaxDeliveries times, moved to the dead-letter stream, and acknowledged
// so later intents still flow.
func TestWorker_PoisonIntentDeadLettered(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 10})
	p.orders.failures = -1
	ctx := context.Background()
	cfg := testWorkerConfig()
	p.startWorker(t, cfg)

	_, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(deadLetters(t, p.rdb, cfg)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg.MaxDeliveries, p.orders.callCount())

	dl := deadLetters(t, p.rdb, cfg)[0]
	assert.Equal(t, "max_deliveries", dl.Values["reason"])
	assert.Equal(t, "42", dl.Values["userId"])
	assert.NotEmpty(t, dl.Values["entryId"])

	// The consumer is not stuck: the next intent commits once the store heals.
	p.orders.mu.Lock()
	p.orders.failures = 0
	p.orders.mu.Unlock()
	_, err = p.admission.SubmitSeckill(ctx, 5, 43)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.orders.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_UndecodableIntentDeadLettered(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	cfg := testWorkerConfig()
	p.startWorker(t, cfg)

	require.NoError(t, p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.Stream,
		Values: map[string]interface{}{"id": "not-a-number", "userId": "1", "voucherId": "1"},
	}).Err())

	require.Eventually(t, func() bool { return len(deadLetters(t, p.rdb, cfg)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "decode", deadLetters(t, p.rdb, cfg)[0].Values["reason"])
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.orders.callCount())
}

// TestWorker_LockBusyKeepsIntentPending verifies a held per-user lock leaves
// the intent unacknowledged for as long as the lock is held, without using up
// its delivery attempts, and it commits once the lock frees up.
func TestWorker_LockBusyKeepsIntentPending(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()
	cfg.LockBusyBackoff = 5 * time.Millisecond

	h, ok, err := p.locker.TryAcquire(ctx, "lock:order:42", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p.startWorker(t, cfg)
	_, err = p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)

	// Many times MaxDeliveries worth of lock-busy retries.
	time.Sleep(time.Duration(cfg.MaxDeliveries*20) * cfg.LockBusyBackoff)
	assert.Zero(t, p.orders.count())
	assert.Zero(t, p.orders.callCount())
	assert.Empty(t, deadLetters(t, p.rdb, cfg))
	assert.Equal(t, int64(1), pendingCount(t, p.rdb, cfg))

	require.NoError(t, h.Release(ctx))
	require.Eventually(t, func() bool { return p.orders.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, deadLetters(t, p.rdb, cfg))
}

// TestWorker_LockBusyThenPoisonStillDeadLetters verifies contention retries do
// not reset or inflate the attempt count of an entry that later fails for real.
func TestWorker_LockBusyThenPoisonStillDeadLetters(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()
	cfg.LockBusyBackoff = 5 * time.Millisecond
	p.orders.failures = -1

	h, ok, err := p.locker.TryAcquire(ctx, "lock:order:42", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p.startWorker(t, cfg)
	_, err = p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)

	time.Sleep(time.Duration(cfg.MaxDeliveries*20) * cfg.LockBusyBackoff)
	assert.Empty(t, deadLetters(t, p.rdb, cfg))

	require.NoError(t, h.Release(ctx))
	require.Eventually(t, func() bool { return len(deadLetters(t, p.rdb, cfg)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg.MaxDeliveries, p.orders.callCount())
}

func TestWorker_StockExhaustedAtCommitIsAcked(t *testing.T) {
	p := newPipeline(t, map[int64]int{5: 1})
	ctx := context.Background()
	cfg := testWorkerConfig()

	_, err := p.admission.SubmitSeckill(ctx, 5, 42)
	require.NoError(t, err)
	p.orders.mu.Lock()
	p.orders.stock[5] = 0
	p.orders.mu.Unlock()

	p.startWorker(t, cfg)
	require.Eventually(t, func() bool { return p.orders.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, p.rdb, cfg) == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.orders.count())
}

func TestWorker_StartStop(t *testing.T) {
	p := newPipeline(t, nil)
	w := NewWorker(p.rdb, p.orders, p.locker, testWorkerConfig(), nil)
	ctx := context.Background()

	require.NoError(t, w.Stop(ctx), "Stop before Start")
	require.NoError(t, w.Start(ctx))
	require.Error(t, w.Start(ctx), "second Start")
	require.NoError(t, w.Stop(ctx))
	// EnsureGroup is safe to repeat.
	require.NoError(t, w.EnsureGroup(ctx))
}

func TestDecodeIntent(t *testing.T) {
	got, err := decodeIntent(map[string]interface{}{"id": "9", "userId": "2", "voucherId": "3"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderIntent{OrderID: 9, UserID: 2, VoucherID: 3}, got)

	for _, values := range []map[string]interface{}{
		{"userId": "2", "voucherId": "3"},
		{"id": "x", "userId": "2", "voucherId": "3"},
		{"id": 9, "userId": "2", "voucherId": "3"},
	} {
		_, err := decodeIntent(values)
		assert.ErrorIs(t, err, ErrPoisonIntent, "values %v", values)
	}
}
