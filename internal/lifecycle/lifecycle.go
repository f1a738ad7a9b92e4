package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Stopper is a background component with an explicit stop, such as the
// fulfillment worker or the rebuild pool.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Component pairs a Stopper with the name used in shutdown logs.
type Component struct {
	Name string
	Stop Stopper
}

// StopAll stops components in order, continuing past failures, and returns
// the joined errors. Order matters: stop producers before what they feed.
func StopAll(ctx context.Context, logger *zap.Logger, components ...Component) error {
	var errs []error
	for _, c := range components {
		if c.Stop == nil {
			continue
		}
		if err := c.Stop.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name, err))
			if logger != nil {
				logger.Error("component stop failed", zap.String("component", c.Name), zap.Error(err))
			}
			continue
		}
		if logger != nil {
			logger.Info("component stopped", zap.String("component", c.Name))
		}
	}
	return errors.Join(errs...)
}
