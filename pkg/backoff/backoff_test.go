package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := ExponentialJitter(base, max, attempt)
		expected := min(time.Duration(float64(base)*float64(int(1)<<(attempt-1))), max)
		low := expected - expected/5
		high := expected + expected/5
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt)
		assert.LessOrEqual(t, d, high, "attempt %d", attempt)
	}
}

func TestExponentialJitterZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, time.Second, 3))
}

func TestLinear(t *testing.T) {
	assert.Equal(t, 2*time.Second, Linear(time.Second, 2))
	assert.Equal(t, 6*time.Second, Linear(2*time.Second, 3))
	assert.Equal(t, time.Second, Linear(time.Second, 0))
}
