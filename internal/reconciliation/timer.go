package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer runs Check on a fixed interval until stopped.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool
	failures int // consecutive failed checks, owned by the loop goroutine
}

// NewTimer creates a reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{service: service, interval: interval, logger: logger, quit: make(chan struct{})}
}

// Running reports whether Start is executing.
func (t *Timer) Running() bool { return t.running.Load() }

// Start blocks, checking once per interval, until ctx ends or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			t.safeRun(ctx)
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		}
	}
}

// Stop ends the loop. Calling it more than once is harmless.
func (t *Timer) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
}

// safeRun performs one check; a panic in a store is logged, not propagated.
func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation panicked", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.service.Check(ctx)
	if err != nil {
		t.failures++
		t.logger.Warn("reconciliation check failed", "error", err, "consecutive_failures", t.failures)
		return
	}
	t.failures = 0

	if res.Match {
		t.logger.Debug("custody balanced", "locked", res.LockedTotal, "frozen", res.FrozenTotal)
		return
	}
	t.logger.Error("custody balance does not match held funds",
		"custodian_balance", res.CustodianBalance,
		"locked_total", res.LockedTotal,
		"frozen_total", res.FrozenTotal,
		"surplus", res.Surplus,
		"shortfall", res.Shortfall,
	)
}
