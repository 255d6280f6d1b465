package checks

import (
	"context"
	"time"

	"github.com/charlesng35/unlockd/internal/monitoring"
)

const defaultPingTimeout = 2 * time.Second

// Pinger is satisfied by every key-value store and by the rate stores that
// hold a connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a readiness probe that pings a dependency.
func Ping(name string, target Pinger, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck(name, func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if target == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  name + " not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultPingTimeout))
		defer cancel()

		if err := target.Ping(probeCtx); err != nil {
			return monitoring.ResultFromError(name, err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
