package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerExpiryOrder(t *testing.T) {
	var l TimerList
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	t1 := &Timer{ExpiresAt: base.Add(1 * time.Second), Data: "a"}
	t2 := &Timer{ExpiresAt: base.Add(2 * time.Second), Data: "b"}
	t3 := &Timer{ExpiresAt: base.Add(3 * time.Second), Data: "c"}
	l.Add(t1)
	l.Add(t2)
	l.Add(t3)

	var fired []string
	l.ExpireBefore(base.Add(2*time.Second), func(timer *Timer) {
		fired = append(fired, timer.Data.(string))
	})

	// Head-first, inclusive of timers expiring exactly at now.
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.False(t, l.Empty())

	l.ExpireBefore(base.Add(time.Minute), func(timer *Timer) {
		fired = append(fired, timer.Data.(string))
	})
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.True(t, l.Empty())
}

func TestTimerRemove(t *testing.T) {
	var l TimerList
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	timers := make([]*Timer, 4)
	for i := range timers {
		timers[i] = &Timer{ExpiresAt: base.Add(time.Duration(i) * time.Second)}
		l.Add(timers[i])
	}

	// Unlink from the middle, the head, and the tail.
	l.Remove(timers[2])
	l.Remove(timers[0])
	l.Remove(timers[3])

	// Double remove is a no-op.
	l.Remove(timers[2])

	var count int
	l.ExpireBefore(base.Add(time.Minute), func(timer *Timer) {
		count++
		assert.Same(t, timers[1], timer)
	})
	assert.Equal(t, 1, count)
	assert.True(t, l.Empty())
}

// Re-arming a timer moves it to the tail, preserving the FIFO discipline for
// monotone expiration times.
func TestTimerRearm(t *testing.T) {
	var l TimerList
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	t1 := &Timer{ExpiresAt: base.Add(1 * time.Second), Data: "a"}
	t2 := &Timer{ExpiresAt: base.Add(2 * time.Second), Data: "b"}
	l.Add(t1)
	l.Add(t2)

	l.Remove(t1)
	t1.ExpiresAt = base.Add(3 * time.Second)
	l.Add(t1)

	var fired []string
	l.ExpireBefore(base.Add(time.Minute), func(timer *Timer) {
		fired = append(fired, timer.Data.(string))
	})
	assert.Equal(t, []string{"b", "a"}, fired)
}
