package backoff

import (
	"math"
	"time"
)

func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := min(time.Duration(float64(base)*mul), max)

	// simple jitter: +/- 20%
	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(time.Now().UnixNano()%int64(2*j))
}

// Linear returns step*attempt, attempt counted from 1.
func Linear(step time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	return step * time.Duration(attempt)
}
