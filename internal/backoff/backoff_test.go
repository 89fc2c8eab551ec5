package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syphar/crates.io/internal/backoff"
)

func TestExponential_Doubles(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second}

	assert.Equal(t, 1*time.Second, e.Delay(1))
	assert.Equal(t, 2*time.Second, e.Delay(2))
	assert.Equal(t, 4*time.Second, e.Delay(3))
	assert.Equal(t, 8*time.Second, e.Delay(4))
}

func TestExponential_StrictlyIncreasingBelowCap(t *testing.T) {
	e := backoff.Exponential{Initial: time.Minute, Max: 24 * time.Hour}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 11; attempt++ {
		d := e.Delay(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestDefaultJobStrategy_FlatAfterEleventhAttempt(t *testing.T) {
	d := backoff.DefaultJobStrategy()

	assert.Less(t, d.Delay(11), 24*time.Hour)
	assert.Equal(t, 24*time.Hour, d.Delay(12))
	assert.Equal(t, d.Delay(12), d.Delay(13))
}

func TestExponential_Capped(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 5 * time.Second}

	assert.Equal(t, 4*time.Second, e.Delay(3))
	assert.Equal(t, 5*time.Second, e.Delay(4))
	assert.Equal(t, 5*time.Second, e.Delay(60))
}

func TestExponential_NonPositiveAttempt(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second}
	assert.Equal(t, time.Second, e.Delay(0))
}

func TestConstant(t *testing.T) {
	c := backoff.Constant{Interval: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, c.Delay(1))
	assert.Equal(t, 250*time.Millisecond, c.Delay(9))
}
