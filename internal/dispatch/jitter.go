package dispatch

import (
	"math/rand"
	"time"
)

// Jitter spreads base by up to pct percent in either direction.
func Jitter(base time.Duration, pct int) time.Duration {
	return jitter(base, pct, rand.Float64())
}

// jitter maps r in [0,1) onto [base-pct%, base+pct%).
func jitter(base time.Duration, pct int, r float64) time.Duration {
	if base <= 0 || pct <= 0 {
		return base
	}
	pct = min(pct, 100)
	spread := float64(base) * float64(pct) / 100
	return base + time.Duration(spread*(2*r-1))
}
