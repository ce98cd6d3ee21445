package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaymesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name     string
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
}

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Healthy reports whether every check passed.
func (s HealthStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

// HealthChecker runs dependency checks on demand and in the background.
type HealthChecker struct {
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	checks  []healthCheck
	healthy map[string]bool
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		logger:  logger,
		healthy: make(map[string]bool),
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, check: check, interval: interval, timeout: timeout})
	h.healthy[name] = true
}

// AddRegistryCheck verifies the stream registry answers snapshot reads. A
// listener stuck inside Put or Remove holds the registry lock and fails it.
func (h *HealthChecker) AddRegistryCheck(registry ports.StreamRegistry, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			registry.Snapshot()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("registry snapshot timed out: %w", ctx.Err())
		}
	}, interval, timeout)
}

// AddRedisCheck pings the redis server used for the event mirror.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// CheckAll runs every check concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check healthCheck) {
			defer wg.Done()
			results[i] = h.run(ctx, check)
		}(i, check)
	}
	wg.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		status.Checks[check.name] = results[i]
		if results[i].Status != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, check healthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.timeout)
	defer cancel()

	start := time.Now()
	err := check.check(checkCtx)
	result := CheckResult{Status: StatusHealthy, Latency: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	h.record(check.name, result)
	return result
}

// record logs transitions between healthy and unhealthy.
func (h *HealthChecker) record(name string, result CheckResult) {
	healthy := result.Status == StatusHealthy

	h.mu.Lock()
	was := h.healthy[name]
	h.healthy[name] = healthy
	h.mu.Unlock()

	switch {
	case was && !healthy:
		h.logger.Warnw("health check failing", "check", name, "error", result.Error)
	case !was && healthy:
		h.logger.Infow("health check recovered", "check", name, "latency", result.Latency)
	}
}

// StartBackgroundChecks runs every check on its interval until ctx ends.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check healthCheck) {
	ticker := time.NewTicker(check.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}
