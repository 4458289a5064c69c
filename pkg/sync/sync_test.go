package sync

import (
	"sync"
	"testing"

	canopen "github.com/halvorsen/gocanopen"
	can "github.com/halvorsen/gocanopen/pkg/can"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// fakeSyncBus is a minimal [canopen.Bus] that just records sent frames.
type fakeSyncBus struct {
	mu   sync.Mutex
	sent []can.Frame
}

func (b *fakeSyncBus) Connect(...any) error                  { return nil }
func (b *fakeSyncBus) Disconnect() error                     { return nil }
func (b *fakeSyncBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *fakeSyncBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeSyncBus) last() (can.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return can.Frame{}, false
	}
	return b.sent[len(b.sent)-1], true
}

func newTestOD() *od.ObjectDictionary {
	dict := od.NewObjectDictionary(nil)
	dict.AddSYNC()
	return dict
}

func TestNewSYNCProducer(t *testing.T) {
	bus := &fakeSyncBus{}
	bm := canopen.NewBusManager(bus)
	dict := newTestOD()

	// Enable production with a 1s cycle period, no window check.
	dict.Index(0x1005).PutUint32(0, 0x40000080, true)
	dict.Index(0x1006).PutUint32(0, 1_000_000, true)

	sync, err := NewSYNC(bm, nil, emergency.NewEMCYForLogging(nil),
		dict.Index(0x1005), dict.Index(0x1006), dict.Index(0x1007), dict.Index(0x1019))
	assert.Nil(t, err)
	assert.True(t, sync.isProducer)

	status := sync.Process(true, 1_000_000, nil)
	assert.EqualValues(t, EventRxOrTx, status)

	frame, ok := bus.last()
	assert.True(t, ok)
	assert.EqualValues(t, sync.cobId, frame.ID)
}

func TestSYNCConsumerReceive(t *testing.T) {
	bus := &fakeSyncBus{}
	bm := canopen.NewBusManager(bus)
	dict := newTestOD()

	// Consumer only: producer bit clear.
	dict.Index(0x1005).PutUint32(0, 0x80, true)
	dict.Index(0x1006).PutUint32(0, 1_000_000, true)

	sync, err := NewSYNC(bm, nil, emergency.NewEMCYForLogging(nil),
		dict.Index(0x1005), dict.Index(0x1006), dict.Index(0x1007), dict.Index(0x1019))
	assert.Nil(t, err)
	assert.False(t, sync.isProducer)

	sync.Handle(can.NewFrame(sync.cobId, 0, 0))
	assert.True(t, sync.RxToggle())

	status := sync.Process(true, 10, nil)
	assert.EqualValues(t, EventNone, status)
	assert.EqualValues(t, uint32(0), sync.timer)
}

func TestSYNCSubscribeBroadcast(t *testing.T) {
	bus := &fakeSyncBus{}
	bm := canopen.NewBusManager(bus)
	dict := newTestOD()
	dict.Index(0x1005).PutUint32(0, 0x40000080, true)
	dict.Index(0x1006).PutUint32(0, 1_000_000, true)

	s, err := NewSYNC(bm, nil, emergency.NewEMCYForLogging(nil),
		dict.Index(0x1005), dict.Index(0x1006), dict.Index(0x1007), dict.Index(0x1019))
	assert.Nil(t, err)

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Process(true, 1_000_000, nil)

	select {
	case counter := <-ch:
		assert.EqualValues(t, 1, counter)
	default:
		t.Fatal("expected a SYNC counter on the subscriber channel")
	}
}
