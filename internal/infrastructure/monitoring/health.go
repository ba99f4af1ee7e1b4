package monitoring

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// A probe reports whether one dependency of the gateway is usable.
// Probes run on demand from the health endpoints; each gets its own
// timeout so a stuck dependency cannot hang the whole report.
type probe struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// HealthChecker aggregates dependency probes for the health and
// readiness endpoints.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []probe
}

// HealthStatus is the JSON body served by the health endpoint.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a named probe. fn returns nil when the dependency
// is usable.
func (h *HealthChecker) AddCheck(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	h.mu.Lock()
	h.probes = append(h.probes, probe{name: name, timeout: timeout, run: fn})
	h.mu.Unlock()
}

// AddRedisCheck probes the Redis connection backing auth and the event
// stream.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", timeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// AddRecordingDirCheck verifies the recording directory still exists.
// Recording failures degrade to dropped frames, so a vanished
// directory should surface here rather than as silent data loss.
func (h *HealthChecker) AddRecordingDirCheck(dir string, timeout time.Duration) {
	h.AddCheck("recording_dir", timeout, func(ctx context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	})
}

// CheckAll runs every probe and reports per-probe outcomes. Any
// failing probe makes the aggregate unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(probes)),
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.run(pctx)
		cancel()
		if err != nil {
			status.Status = statusUnhealthy
			status.Checks[p.name] = err.Error()
			continue
		}
		status.Checks[p.name] = statusHealthy
	}
	return status
}

// IsReady reports whether every dependency probe passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}
