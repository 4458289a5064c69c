package heartbeat

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/nmt"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// fakeHBBus is a minimal [canopen.Bus] that just records sent frames, used to
// drive the consumer directly without a running virtual CAN server.
type fakeHBBus struct {
	mu   sync.Mutex
	sent []canopen.Frame
}

func (b *fakeHBBus) Connect(...any) error                  { return nil }
func (b *fakeHBBus) Disconnect() error                     { return nil }
func (b *fakeHBBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *fakeHBBus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}

// entry1016 builds a Consumer heartbeat time array monitoring a single node.
func entry1016(nodeId uint8, periodMs uint16) *od.Entry {
	list := od.NewArray(2)
	list.AddSubObject(0, "Number of entries", od.UNSIGNED8, od.AttributeSdoR, "0x1")
	value := uint32(nodeId)<<16 | uint32(periodMs)
	list.AddSubObject(1, "Consumer heartbeat time", od.UNSIGNED32, od.AttributeSdoRw, fmt.Sprintf("0x%x", value))
	dict := od.NewObjectDictionary(nil)
	return dict.AddVariableList(od.EntryConsumerHeartbeatTime, "Consumer heartbeat time", list)
}

func heartbeatFrame(nodeId uint8, state uint8) canopen.Frame {
	return canopen.Frame{ID: uint32(ServiceId) + uint32(nodeId), DLC: 1, Data: [8]byte{state}}
}

func TestHBConsumerDetectsBoot(t *testing.T) {
	bus := &fakeHBBus{}
	bm := canopen.NewBusManager(bus)
	logger := slog.Default()
	emcy := emergency.NewEMCYForLogging(logger)

	entry := entry1016(0x10, 20)
	consumer, err := NewHBConsumer(bm, logger, emcy, entry)
	assert.Nil(t, err)
	consumer.Start()
	defer consumer.Stop()

	var mu sync.Mutex
	var firstEvent, lastEvent, lastState uint8
	consumer.OnEvent(func(event uint8, index uint8, nodeId uint8, nmtState uint8) {
		mu.Lock()
		defer mu.Unlock()
		if firstEvent == EventNone {
			firstEvent = event
		}
		lastEvent = event
		lastState = nmtState
	})

	bm.Handle(heartbeatFrame(0x10, nmt.StateOperational))

	// The first heartbeat signals EventStarted, then EventChanged with the
	// node's reported state.
	mu.Lock()
	assert.EqualValues(t, EventStarted, firstEvent)
	assert.EqualValues(t, EventChanged, lastEvent)
	assert.EqualValues(t, nmt.StateOperational, lastState)
	mu.Unlock()

	consumer.mu.Lock()
	state := consumer.entries[0].hbState
	consumer.mu.Unlock()
	assert.EqualValues(t, HeartbeatActive, state)
}

func TestHBConsumerRejectsDuplicateNodeId(t *testing.T) {
	bus := &fakeHBBus{}
	bm := canopen.NewBusManager(bus)
	logger := slog.Default()
	emcy := emergency.NewEMCYForLogging(logger)

	list := od.NewArray(3)
	list.AddSubObject(0, "Number of entries", od.UNSIGNED8, od.AttributeSdoR, "0x2")
	list.AddSubObject(1, "Consumer heartbeat time", od.UNSIGNED32, od.AttributeSdoRw, "0x100014")
	list.AddSubObject(2, "Consumer heartbeat time", od.UNSIGNED32, od.AttributeSdoRw, "0x100014")
	dict := od.NewObjectDictionary(nil)
	entry := dict.AddVariableList(od.EntryConsumerHeartbeatTime, "Consumer heartbeat time", list)

	_, err := NewHBConsumer(bm, logger, emcy, entry)
	assert.NotNil(t, err)
}

// TestHBConsumerTimeout drives the shared TimerWheel by hand instead of
// waiting on the real clock: the consumer's timeout timer only fires once
// SetTime crosses its deadline, so the test controls exactly when that
// happens and needs no retry/sleep loop.
func TestHBConsumerTimeout(t *testing.T) {
	bus := &fakeHBBus{}
	bm := canopen.NewBusManager(bus)
	logger := slog.Default()
	emcy := emergency.NewEMCYForLogging(logger)

	entry := entry1016(0x22, 10)
	consumer, err := NewHBConsumer(bm, logger, emcy, entry)
	assert.Nil(t, err)
	consumer.Start()
	defer consumer.Stop()

	bm.Handle(heartbeatFrame(0x22, nmt.StateOperational))

	consumer.mu.Lock()
	state := consumer.entries[0].hbState
	consumer.mu.Unlock()
	assert.EqualValues(t, HeartbeatActive, state)

	// 10ms period expressed in the wheel's microsecond units, crossed in one step.
	bm.Timers().SetTime(bm.Timers().Now() + canopen.Timestamp(10*time.Millisecond.Microseconds()+1))

	consumer.mu.Lock()
	state = consumer.entries[0].hbState
	consumer.mu.Unlock()
	assert.EqualValues(t, HeartbeatTimeout, state)
}
