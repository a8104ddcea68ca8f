package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based). With
// jitter enabled the delay is scaled into [0.5, 1.5) and never exceeds
// MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	base := cfg.InitialDelay
	if base <= 0 {
		return 0
	}
	growth := math.Max(cfg.Multiplier, 1.0)
	steps := max(attempt-1, 0)
	limit := math.Inf(1)
	if cfg.MaxDelay > 0 {
		limit = float64(cfg.MaxDelay)
	}

	delay := math.Min(float64(base)*math.Pow(growth, float64(steps)), limit)
	if cfg.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay = math.Min(delay*scale, limit)
	}
	return time.Duration(delay)
}

// SleepBackoff waits out the delay for attempt or returns ctx.Err().
func SleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
