// Package workerpool runs background tasks on a bounded set of goroutines with
// an explicit start and stop.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/seckill-service/internal/observability"
)

// Task is a unit of work. The context is derived from the one passed to Start
// and is cancelled only when Stop gives up waiting.
type Task func(ctx context.Context)

// Pool runs at most size tasks concurrently. Submissions beyond that are rejected
// rather than queued, so a burst of rebuilds cannot pile up.
type Pool struct {
	size   int
	logger *zap.Logger

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New creates a pool. Call Start before Submit.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, logger: observability.OrNop(logger)}
}

// Start prepares the pool. Tasks receive a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group = &errgroup.Group{}
	p.group.SetLimit(p.size)
	p.started = true
}

// Submit runs task if a slot is free. Returns false when the pool is full, not
// started, or stopped.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		observability.WorkerPoolRejectedTotal.Inc()
		return false
	}
	ctx := p.ctx
	ok := p.group.TryGo(func() error {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker task panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()
		task(ctx)
		return nil
	})
	if !ok {
		observability.WorkerPoolRejectedTotal.Inc()
	}
	return ok
}

// Stop rejects new tasks and waits for running ones to finish. Running tasks
// keep a live context while Stop waits; if ctx is done first their context is
// cancelled and Stop returns ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	group, cancel := p.group, p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		p.logger.Warn("worker pool stop deadline reached, cancelling running tasks")
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}
