package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonic_NeverDecreases(t *testing.T) {
	c := NewMonotonic()
	prev := c.Now()
	for range 100 {
		now := c.Now()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
	assert.GreaterOrEqual(t, prev, time.Duration(0))
}

func TestManual(t *testing.T) {
	c := NewManual(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Now())

	c.Advance(10 * time.Second)
	assert.Equal(t, 15*time.Second, c.Now())

	c.Advance(-time.Hour)
	assert.Equal(t, 15*time.Second, c.Now())

	c.Set(time.Second)
	assert.Equal(t, 15*time.Second, c.Now(), "Set must not move backwards")

	c.Set(time.Minute)
	assert.Equal(t, time.Minute, c.Now())
}
