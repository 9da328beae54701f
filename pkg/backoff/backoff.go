package backoff

import (
	"math"
	"time"
)

// Config holds exponential backoff parameters.
type Config struct {
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap; 0 means uncapped
	MaxAttempts int           // retries allowed before giving up
}

// Delay returns the wait before retry attempt k (1-based):
// BaseDelay * 2^(k-1), capped at MaxDelay when set.
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt k exceeds the configured budget.
func Exhausted(cfg Config, attempts int) bool {
	return attempts >= cfg.MaxAttempts
}
