package canopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimerWheelFiresInDeadlineOrder(t *testing.T) {
	tw := NewTimerWheel()
	var order []string

	tw.Register(300, func(Timestamp) (Timestamp, bool) { order = append(order, "c"); return 0, false })
	tw.Register(100, func(Timestamp) (Timestamp, bool) { order = append(order, "a"); return 0, false })
	tw.Register(200, func(Timestamp) (Timestamp, bool) { order = append(order, "b"); return 0, false })

	tw.SetTime(50)
	assert.Empty(t, order)

	tw.SetTime(250)
	assert.Equal(t, []string{"a", "b"}, order)

	tw.SetTime(300)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTimerWheelEqualDeadlineFiresInRegistrationOrder(t *testing.T) {
	tw := NewTimerWheel()
	var order []string

	tw.Register(100, func(Timestamp) (Timestamp, bool) { order = append(order, "first"); return 0, false })
	tw.Register(100, func(Timestamp) (Timestamp, bool) { order = append(order, "second"); return 0, false })

	tw.SetTime(100)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestTimerWheelCancelBeforeFireIsNoop(t *testing.T) {
	tw := NewTimerWheel()
	fired := false

	id := tw.Register(100, func(Timestamp) (Timestamp, bool) { fired = true; return 0, false })
	tw.Cancel(id)
	tw.SetTime(200)

	assert.False(t, fired)
}

func TestTimerWheelCancelAfterFireIsNoop(t *testing.T) {
	tw := NewTimerWheel()
	calls := 0

	id := tw.Register(100, func(Timestamp) (Timestamp, bool) { calls++; return 0, false })
	tw.SetTime(100)
	assert.Equal(t, 1, calls)

	// Already fired and not re-armed; canceling a stale id must not panic
	// or affect anything else on the wheel.
	tw.Cancel(id)
	tw.SetTime(200)
	assert.Equal(t, 1, calls)
}

func TestTimerWheelCallbackRearmsForNextDeadline(t *testing.T) {
	tw := NewTimerWheel()
	fireCount := 0

	var callback TimerCallback
	callback = func(now Timestamp) (Timestamp, bool) {
		fireCount++
		if fireCount >= 3 {
			return 0, false
		}
		return now + 100, true
	}
	tw.Register(100, callback)

	tw.SetTime(100)
	assert.Equal(t, 1, fireCount)

	tw.SetTime(200)
	assert.Equal(t, 2, fireCount)

	tw.SetTime(300)
	assert.Equal(t, 3, fireCount)

	// Callback returned ok=false on its third firing: no more re-arm.
	tw.SetTime(400)
	assert.Equal(t, 3, fireCount)
}

// TestTimerWheelRearmIntoSameTickDoesNotLoop guards against a misbehaving
// callback re-arming at or before the current tick: SetTime must still
// return, deferring the repeat firing to the next call instead of spinning.
func TestTimerWheelRearmIntoSameTickDoesNotLoop(t *testing.T) {
	tw := NewTimerWheel()
	fireCount := 0

	var callback TimerCallback
	callback = func(now Timestamp) (Timestamp, bool) {
		fireCount++
		return now, true // re-arm at the same instant, every time
	}
	tw.Register(100, callback)

	tw.SetTime(100)
	assert.Equal(t, 1, fireCount)

	tw.SetTime(100)
	assert.Equal(t, 2, fireCount)
}

func TestBusManagerProcessAdvancesTimers(t *testing.T) {
	bm := NewBusManager(&noopBus{})
	fired := false
	bm.Timers().Register(1500, func(Timestamp) (Timestamp, bool) { fired = true; return 0, false })

	assert.Nil(t, bm.Process(1000))
	assert.False(t, fired)

	assert.Nil(t, bm.Process(1000))
	assert.True(t, fired)
}

type noopBus struct{}

func (b *noopBus) Connect(...any) error         { return nil }
func (b *noopBus) Disconnect() error            { return nil }
func (b *noopBus) Subscribe(FrameListener) error { return nil }
func (b *noopBus) Send(Frame) error              { return nil }
