package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eldtechnologies/ridewire/internal/clock"
)

func TestWindowLimiter(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := newWindowLimiter(clk, 3, time.Second)

	assert.True(t, l.Allow())
	clk.Advance(400 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "fourth event inside the window")

	// The first event leaves the window after one second.
	clk.Advance(600 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clk.Advance(400 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestWindowLimiterDisabled(t *testing.T) {
	l := newWindowLimiter(clock.Real(), 0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
}
