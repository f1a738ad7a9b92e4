package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSetShuttingDown_True(t *testing.T) {
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

func TestSetShuttingDown_False(t *testing.T) {
	SetShuttingDown(true)
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after SetShuttingDown(false), want false")
	}
}

type stopFunc func(ctx context.Context) error

func (f stopFunc) Stop(ctx context.Context) error { return f(ctx) }

func TestStopAll_OrderAndErrors(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	rec := func(name string, err error) Component {
		return Component{Name: name, Stop: stopFunc(func(ctx context.Context) error {
			order = append(order, name)
			return err
		})}
	}

	err := StopAll(context.Background(), zap.NewNop(),
		rec("worker", nil),
		rec("pool", boom),
		Component{Name: "nil"},
		rec("redis", nil),
	)
	if !errors.Is(err, boom) {
		t.Errorf("StopAll() error = %v, want it to wrap boom", err)
	}
	if got := strings.Join(order, ","); got != "worker,pool,redis" {
		t.Errorf("stop order = %s, want worker,pool,redis", got)
	}
}

func TestStopAll_NoComponents(t *testing.T) {
	if err := StopAll(context.Background(), nil); err != nil {
		t.Errorf("StopAll() error = %v, want nil", err)
	}
}
