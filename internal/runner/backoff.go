package runner

import (
	"context"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second
)

// CalculateBackoff returns base * 2^retry, capped at max.
func CalculateBackoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if retry < 0 {
		return base
	}
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
