package pdo

import (
	"testing"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/can/virtual"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// newEventTPDO builds an event-driven (non-SYNC) TPDO mapping a single
// UNSIGNED32 object. inhibitTime100Us and eventTimeMs are raw communication
// parameter values (sub-indices 3 and 5) applied before construction, since
// NewTPDO caches them into tpdo.inhibitTimeUs/eventTimeUs at startup rather
// than re-reading the OD on every tick.
func newEventTPDO(t *testing.T, bm *canopen.BusManager, inhibitTime100Us, eventTimeMs uint16) *TPDO {
	t.Helper()
	dict := od.NewObjectDictionary(nil)
	_, err := dict.AddVariableType(0x2000, "source", od.UNSIGNED32, od.AttributeSdoRw|od.AttributeTpdo, "0x12345678")
	assert.Nil(t, err)
	assert.Nil(t, dict.AddTPDO(1))

	comm := dict.Index(0x1800)
	mapping := dict.Index(0x1A00)
	assert.Nil(t, comm.PutUint32(od.SubPdoCobId, 0x200, true))
	assert.Nil(t, comm.PutUint8(od.SubPdoTransmissionType, TransmissionTypeSyncEventLo, true))
	assert.Nil(t, comm.PutUint16(od.SubPdoInhibitTime, inhibitTime100Us, true))
	assert.Nil(t, comm.PutUint16(od.SubPdoEventTimer, eventTimeMs, true))
	assert.Nil(t, mapping.PutUint8(0, 1, true))
	assert.Nil(t, mapping.PutUint32(1, (uint32(0x2000)<<16)|(0<<8)|32, true))

	tpdo, err := NewTPDO(bm, nil, dict, &emergency.EMCY{}, nil, comm, mapping, 0)
	assert.Nil(t, err)
	assert.True(t, tpdo.pdo.Valid)
	return tpdo
}

// TestTPDOEventTimerFires drives the shared TimerWheel by hand to confirm the
// event timer re-arms itself and triggers a send each time it elapses,
// without any goroutine or time.Timer of its own.
func TestTPDOEventTimerFires(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	tpdo := newEventTPDO(t, bm, 0, 2) // no inhibit, 2ms event timer -> 2000us

	tpdo.SetOperational(true)
	assert.Len(t, bus.sent, 0)

	bm.Timers().SetTime(bm.Timers().Now() + 2000)
	assert.Len(t, bus.sent, 1)

	bm.Timers().SetTime(bm.Timers().Now() + 2000)
	assert.Len(t, bus.sent, 2)
}

// TestTPDOInhibitTimeDelaysResend confirms a send requested while the
// inhibit timer is still running is deferred until the timer fires, rather
// than dropped or sent immediately.
func TestTPDOInhibitTimeDelaysResend(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	tpdo := newEventTPDO(t, bm, 500, 0) // 500 -> 50000us inhibit, no event timer

	tpdo.SetOperational(true)

	tpdo.SendAsync()
	assert.Len(t, bus.sent, 1)

	// Requested again while still inhibited: queued, not sent.
	tpdo.SendAsync()
	assert.Len(t, bus.sent, 1)

	bm.Timers().SetTime(bm.Timers().Now() + 50000)
	assert.Len(t, bus.sent, 2)
}

func BenchmarkXxx(b *testing.B) {
	b.StopTimer()
	bus, err := virtual.NewVirtualCanBus("localhost:18888")
	assert.Nil(b, err)
	bus.Connect()
	bm := canopen.NewBusManager(bus)

	dict := od.NewObjectDictionary(nil)
	assert.Nil(b, dict.AddTPDO(1))

	tpdo, err := NewTPDO(
		bm,
		nil,
		dict,
		&emergency.EMCY{},
		nil,
		dict.Index(0x1800),
		dict.Index(0x1A00),
		0,
	)
	assert.Nil(b, err)
	b.StartTimer()
	for n := 0; n < b.N; n++ {
		err := tpdo.send()
		assert.Nil(b, err)
	}
}
