package monitoring

import (
	"context"
	"fmt"
	"time"

	"vcam/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// Pinger is anything that can prove a peer is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateSource reports the current extension lifecycle state.
type StateSource interface {
	State() domain.ExtensionState
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddProxyCheck pings the other process through the proxy.
func (h *HealthChecker) AddProxyCheck(p Pinger, interval, timeout time.Duration) {
	h.AddCheck("proxy", func(ctx context.Context) (bool, error) {
		if err := p.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddExtensionCheck fails unless the extension is installed and usable.
func (h *HealthChecker) AddExtensionCheck(src StateSource, interval, timeout time.Duration) {
	h.AddCheck("extension", func(ctx context.Context) (bool, error) {
		state := src.State()
		switch state.Kind {
		case domain.StateInstalled:
			return true, nil
		case domain.StateError:
			return false, fmt.Errorf("extension failed: %v", state.Cause)
		default:
			return false, fmt.Errorf("extension is %s", state.Kind)
		}
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
