package pdo

import (
	"testing"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// fakeBus is a minimal [canopen.Bus] that just records sent frames, used to
// test MPDO logic without a running virtual CAN server.
type fakeBus struct {
	sent []canopen.Frame
}

func (b *fakeBus) Connect(...any) error                  { return nil }
func (b *fakeBus) Disconnect() error                     { return nil }
func (b *fakeBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *fakeBus) Send(frame canopen.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func TestSAMMPDOToDAMMPDORoundTrip(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	dict := od.NewObjectDictionary(nil)

	_, err := dict.AddVariableType(0x2000, "source", od.UNSIGNED32, od.AttributeSdoRw, "0x12345678")
	assert.Nil(t, err)
	_, err = dict.AddVariableType(0x2001, "destination", od.UNSIGNED32, od.AttributeSdoRw, "0x0")
	assert.Nil(t, err)

	assert.Nil(t, dict.AddSAMMPDO(1))
	samEntry := dict.Index(od.EntrySAMMPDOStart)
	assert.NotNil(t, samEntry)
	assert.Nil(t, samEntry.PutUint32(1, 0x380, false))
	assert.Nil(t, samEntry.PutUint32(2, (uint32(0x2000)<<16)|(0<<8)|32, false))

	assert.Nil(t, dict.AddDAMMPDO(1))
	damEntry := dict.Index(od.EntryDAMMPDOStart)
	assert.NotNil(t, damEntry)
	assert.Nil(t, damEntry.PutUint32(1, 0x380, false))
	assert.Nil(t, damEntry.PutUint32(2, (uint32(0x2001)<<16)|(0<<8)|32, false))

	mgr, err := NewMPDOManager(bm, nil, dict, &emergency.EMCY{}, 5)
	assert.Nil(t, err)
	assert.Nil(t, mgr.Start())
	defer mgr.Stop()

	assert.Nil(t, mgr.SendSAMMPDO())
	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, 0x380, bus.sent[0].ID)
	assert.EqualValues(t, 0, bus.sent[0].Data[0])       // sub-index of mapped source object
	assert.EqualValues(t, 5, bus.sent[0].Data[3]&0x7F)  // producing node id

	// Simulate reception of the frame this manager just produced, as if a
	// remote node had echoed it back.
	bm.Handle(bus.sent[0])

	value, err := dict.Index(0x2001).Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x12345678, value)
}
