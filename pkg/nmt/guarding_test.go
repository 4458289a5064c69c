package nmt

import (
	"sync"
	"testing"
	"time"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/stretchr/testify/assert"
)

// fakeGuardingBus is a minimal [canopen.Bus] that just records sent frames,
// used to test guarding logic without a running virtual CAN server.
type fakeGuardingBus struct {
	mu   sync.Mutex
	sent []canopen.Frame
}

func (b *fakeGuardingBus) Connect(...any) error                  { return nil }
func (b *fakeGuardingBus) Disconnect() error                     { return nil }
func (b *fakeGuardingBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *fakeGuardingBus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeGuardingBus) last() (canopen.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return canopen.Frame{}, false
	}
	return b.sent[len(b.sent)-1], true
}

func TestGuardingProducerConsumerRoundTrip(t *testing.T) {
	bus := &fakeGuardingBus{}
	bm := canopen.NewBusManager(bus)

	producer, err := NewGuardingProducer(bm, nil, 3, func() uint8 { return StateOperational })
	assert.Nil(t, err)
	assert.Nil(t, producer.Start())
	defer producer.Stop()

	consumer, err := NewNodeGuardingConsumer(bm, nil, nil)
	assert.Nil(t, err)

	var mu sync.Mutex
	var lastNodeId, lastState uint8
	consumer.OnEvent(func(nodeId uint8, state uint8) {
		mu.Lock()
		defer mu.Unlock()
		lastNodeId, lastState = nodeId, state
	})

	assert.Nil(t, consumer.Monitor(3, 20*time.Millisecond, 3))
	defer consumer.Unmonitor(3)

	// Advance the shared TimerWheel past the 20ms guard time so the consumer
	// sends its first RTR request
	bm.Timers().SetTime(bm.Timers().Now() + canopen.Timestamp((20*time.Millisecond).Microseconds()))
	assert.Eventually(t, func() bool {
		_, ok := bus.last()
		return ok
	}, 200*time.Millisecond, 5*time.Millisecond)

	rtrFrame, ok := bus.last()
	assert.True(t, ok)
	assert.EqualValues(t, uint32(GuardServiceId)+3, rtrFrame.ID&^canopen.CanRtrFlag)

	// Deliver the request to the producer and its response back to the consumer,
	// simulating bus loopback
	bm.Handle(rtrFrame)
	responseFrame, ok := bus.last()
	assert.True(t, ok)
	assert.NotEqual(t, rtrFrame, responseFrame)
	bm.Handle(responseFrame)

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 3, lastNodeId)
	assert.EqualValues(t, GuardActive, lastState)
}
