package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc_FiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	var firedAt time.Time
	c.AfterFunc(5*time.Second, func() { firedAt = c.Now() })

	c.Advance(4 * time.Second)
	assert.True(t, firedAt.IsZero(), "fired before deadline")

	c.Advance(time.Second)
	assert.Equal(t, epoch.Add(5*time.Second), firedAt)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeAfterFunc_StopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop must report inactive")

	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFakeAfterFunc_DeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeAfterFunc_CallbackCanArm(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var arm func()
	arm = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, arm)
		}
	}
	c.AfterFunc(time.Second, arm)

	c.Advance(5 * time.Second)
	assert.Equal(t, 3, count)
}

func TestFakeTicker_DropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(3 * time.Second)
	select {
	case got := <-ticker.C:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-ticker.C:
		t.Fatal("expected extra ticks to be dropped")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() {})
		close(done)
	}()
	c.WaitForTimers(1)
	<-done
	assert.Equal(t, 1, c.Pending())
}
