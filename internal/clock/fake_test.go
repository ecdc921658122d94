package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc_FiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)

	c.Advance(time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeAfterFunc_StopPreventsFiring(t *testing.T) {
	c := Fake(epoch)
	fired := false

	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeAfterFunc_CallbackSeesDeadline(t *testing.T) {
	c := Fake(epoch)
	var seen time.Time
	c.AfterFunc(5*time.Second, func() { seen = c.Now() })

	c.Advance(time.Minute)
	assert.Equal(t, epoch.Add(5*time.Second), seen)
	assert.Equal(t, epoch.Add(time.Minute), c.Now())
}

func TestFakeAfterFunc_CallbackMayScheduleMore(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var again func()
	again = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, again)
		}
	}
	c.AfterFunc(time.Second, again)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case ts := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), ts)
	default:
		t.Fatal("expected a tick")
	}

	select {
	case <-ticker.C:
		t.Fatal("unexpected extra tick")
	default:
	}
}
