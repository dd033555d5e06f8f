package monitoring

import (
	"context"
	"errors"
	"time"

	"camwatch/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errTooManySessions = errors.New("session limit reached")

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck verifies the session registry answers and, with a
// positive limit, that it is below maxSessions.
func (h *HealthChecker) AddRegistryCheck(registry ports.SessionRegistry, maxSessions int, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		sessions, err := registry.List(ctx)
		if err != nil {
			return false, err
		}
		if maxSessions > 0 && len(sessions) >= maxSessions {
			return false, errTooManySessions
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
