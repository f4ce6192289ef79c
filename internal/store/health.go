package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultPingTimeout = 2 * time.Second

// HealthChecker reports backend health.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// PingChecker checks health by pinging a backend.
type PingChecker struct {
	Backend Backend
	Timeout time.Duration
}

// IsHealthy pings the backend under the configured timeout.
func (p PingChecker) IsHealthy(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Backend.Ping(ctx) == nil
}

// HealthMonitor tracks the health of one backend with periodic checks.
type HealthMonitor struct {
	name          string
	checker       HealthChecker
	healthy       atomic.Bool
	lastCheck     atomic.Value // time.Time
	checkInterval time.Duration
	mu            sync.RWMutex
	callbacks     []func(bool)
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *zap.Logger
}

// NewHealthMonitor creates a monitor and runs one check immediately.
func NewHealthMonitor(ctx context.Context, name string, checker HealthChecker, checkInterval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	hm := &HealthMonitor{
		name:          name,
		checker:       checker,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
	}

	healthy := checker.IsHealthy(ctx)
	hm.healthy.Store(healthy)
	hm.lastCheck.Store(time.Now())
	setHealth(name, healthy)

	return hm
}

// Start begins periodic checks until Stop.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.runPeriodicCheck()
}

func (hm *HealthMonitor) runPeriodicCheck() {
	defer hm.wg.Done()
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.Check()
		}
	}
}

// Check runs a health check now and returns the result.
func (hm *HealthMonitor) Check() bool {
	healthy := hm.checker.IsHealthy(hm.ctx)
	hm.update(healthy)
	return healthy
}

// MarkUnhealthy records a failure observed outside of a check.
func (hm *HealthMonitor) MarkUnhealthy() {
	hm.update(false)
}

func (hm *HealthMonitor) update(healthy bool) {
	old := hm.healthy.Swap(healthy)
	hm.lastCheck.Store(time.Now())
	setHealth(hm.name, healthy)

	if old != healthy {
		hm.logger.Info("backend health changed",
			zap.String("backend", hm.name),
			zap.Bool("healthy", healthy),
			zap.Bool("previous", old))
		hm.notify(healthy)
	}
}

// IsHealthy returns the current health status.
func (hm *HealthMonitor) IsHealthy() bool {
	return hm.healthy.Load()
}

// LastCheck returns the time of the last health update.
func (hm *HealthMonitor) LastCheck() time.Time {
	v := hm.lastCheck.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// RegisterCallback adds a callback invoked on every health change.
func (hm *HealthMonitor) RegisterCallback(cb func(bool)) error {
	if cb == nil {
		return fmt.Errorf("health: callback cannot be nil")
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.callbacks = append(hm.callbacks, cb)
	return nil
}

// notify runs callbacks synchronously, in registration order.
func (hm *HealthMonitor) notify(healthy bool) {
	hm.mu.RLock()
	callbacks := make([]func(bool), len(hm.callbacks))
	copy(callbacks, hm.callbacks)
	hm.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					hm.logger.Error("health callback panic", zap.Any("panic", r), zap.Stack("stack"))
				}
			}()
			cb(healthy)
		}()
	}
}

// Stop ends periodic checks and waits for the checker goroutine.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}
