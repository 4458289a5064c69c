package pdo

import (
	"encoding/binary"
	"log/slog"
	"testing"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/nmt"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// newAsyncRPDO builds a non-synchronous RPDO mapping a single UNSIGNED32
// object at cobId 0x201. eventTimeMs is the raw event (timeout) timer
// communication-parameter value (sub-index 5), applied before construction
// since NewRPDO caches it into rpdo.timeoutRx at startup rather than
// re-reading the OD on every tick.
func newAsyncRPDO(t *testing.T, bm *canopen.BusManager, eventTimeMs uint16) *RPDO {
	t.Helper()
	dict := od.NewObjectDictionary(nil)
	_, err := dict.AddVariableType(0x2100, "destination", od.UNSIGNED32, od.AttributeSdoRw|od.AttributeRpdo, "0x0")
	assert.Nil(t, err)
	assert.Nil(t, dict.AddRPDO(1))

	comm := dict.Index(0x1400)
	mapping := dict.Index(0x1600)
	assert.Nil(t, comm.PutUint32(od.SubPdoCobId, 0x201, true))
	assert.Nil(t, comm.PutUint8(od.SubPdoTransmissionType, TransmissionTypeSyncEventHi, true))
	assert.Nil(t, comm.PutUint16(od.SubPdoEventTimer, eventTimeMs, true))
	assert.Nil(t, mapping.PutUint8(0, 1, true))
	assert.Nil(t, mapping.PutUint32(1, (uint32(0x2100)<<16)|(0<<8)|32, true))

	rpdo, err := NewRPDO(bm, nil, dict, emergency.NewEMCYForLogging(slog.Default()), nil, comm, mapping, 0)
	assert.Nil(t, err)
	assert.True(t, rpdo.pdo.Valid)
	assert.False(t, rpdo.synchronous)
	rpdo.OnStateChange(nmt.StateOperational)
	return rpdo
}

func rpdoFrame(cobId uint32, value uint32) canopen.Frame {
	f := canopen.NewFrame(cobId, 0, 4)
	binary.LittleEndian.PutUint32(f.Data[:4], value)
	return f
}

func TestRPDOAsyncWritesODImmediately(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	rpdo := newAsyncRPDO(t, bm, 0)
	defer rpdo.Stop()

	bm.Handle(rpdoFrame(0x201, 0xCAFEBABE))

	value, err := rpdo.pdo.od.Index(0x2100).Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xCAFEBABE, value)
}

// TestRPDOTimeoutFiresOnTimerWheel confirms the event-timeout timer is
// driven entirely off the shared TimerWheel: no frame within the timeout
// window raises an RPDO timeout EMCY once the wheel crosses the deadline.
func TestRPDOTimeoutFiresOnTimerWheel(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	rpdo := newAsyncRPDO(t, bm, 5) // 5ms -> 5000us
	defer rpdo.Stop()

	bm.Handle(rpdoFrame(0x201, 1))
	assert.False(t, rpdo.inTimeout)

	bm.Timers().SetTime(bm.Timers().Now() + 5000)
	rpdo.mu.Lock()
	inTimeout := rpdo.inTimeout
	rpdo.mu.Unlock()
	assert.True(t, inTimeout)
}
