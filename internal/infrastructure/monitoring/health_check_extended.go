package monitoring

import (
	"context"
	"time"

	"sinklisten/internal/core/ports"
)

// AddRepositoryCheck adds a stats repository health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.StatsRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// Try to list snapshots as a health check
		_, err := repo.List(ctx)
		if err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPingCheck adds a named check backed by a ping function, for example
// the repository factory's Redis health check.
func (h *HealthChecker) AddPingCheck(name string, ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
