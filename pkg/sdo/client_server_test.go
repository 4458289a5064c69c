package sdo

import (
	"encoding/binary"
	"testing"
	"time"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// loopbackBus wires a BusManager directly to a peer's Handle, so a client and
// a server can exchange frames without a virtual CAN network.
type loopbackBus struct {
	peer *canopen.BusManager
}

func (b *loopbackBus) Connect(...any) error                  { return nil }
func (b *loopbackBus) Disconnect() error                     { return nil }
func (b *loopbackBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *loopbackBus) Send(frame canopen.Frame) error {
	b.peer.Handle(frame)
	return nil
}

func newLoopbackPair() (serverBM *canopen.BusManager, clientBM *canopen.BusManager) {
	serverBus := &loopbackBus{}
	clientBus := &loopbackBus{}
	serverBM = canopen.NewBusManager(serverBus)
	clientBM = canopen.NewBusManager(clientBus)
	serverBus.peer = clientBM
	clientBus.peer = serverBM
	return serverBM, clientBM
}

// driveServer stands in for a node's main tick, stepping the server state
// machine forward until stop is closed. Process itself never blocks; only
// this test driver loop does.
func driveServer(server *SDOServer, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			server.Process(true, 1000)
		}
	}
}

func TestSDOExpeditedReadWriteRoundTrip(t *testing.T) {
	serverBM, clientBM := newLoopbackPair()

	serverDict := od.NewObjectDictionary(nil)
	assert.Nil(t, serverDict.AddSDOServer(0))
	_, err := serverDict.AddVariableType(0x2000, "test var", od.UNSIGNED32, od.AttributeSdoRw, "0x12345678")
	assert.Nil(t, err)

	server, err := NewSDOServer(serverBM, nil, serverDict, 0x10, 1000, serverDict.Index(0x1200))
	assert.Nil(t, err)

	stop := make(chan struct{})
	go driveServer(server, stop)
	defer close(stop)

	client, err := NewSDOClient(clientBM, nil, nil, 0x20, 1000, nil)
	assert.Nil(t, err)

	buf := make([]byte, 4)
	n, err := client.ReadRaw(0x10, 0x2000, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 0x12345678, binary.LittleEndian.Uint32(buf))

	err = client.WriteRaw(0x10, 0x2000, 0, uint32(0xAABBCCDD), false)
	assert.Nil(t, err)

	n, err = client.ReadRaw(0x10, 0x2000, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 0xAABBCCDD, binary.LittleEndian.Uint32(buf))
}

func TestSDOReadAccessViolationAborts(t *testing.T) {
	serverBM, clientBM := newLoopbackPair()

	serverDict := od.NewObjectDictionary(nil)
	assert.Nil(t, serverDict.AddSDOServer(0))
	_, err := serverDict.AddVariableType(0x2001, "write only var", od.UNSIGNED8, od.AttributeSdoW, "0x1")
	assert.Nil(t, err)

	server, err := NewSDOServer(serverBM, nil, serverDict, 0x10, 1000, serverDict.Index(0x1200))
	assert.Nil(t, err)

	stop := make(chan struct{})
	go driveServer(server, stop)
	defer close(stop)

	client, err := NewSDOClient(clientBM, nil, nil, 0x20, 1000, nil)
	assert.Nil(t, err)

	buf := make([]byte, 1)
	_, err = client.ReadRaw(0x10, 0x2001, 0, buf)
	assert.NotNil(t, err)
}

func TestSDOSegmentedReadWrite(t *testing.T) {
	serverBM, clientBM := newLoopbackPair()

	serverDict := od.NewObjectDictionary(nil)
	assert.Nil(t, serverDict.AddSDOServer(0))
	// VISIBLE_STRING longer than 4 bytes forces segmented transfer.
	_, err := serverDict.AddVariableType(0x2002, "long var", od.VISIBLE_STRING, od.AttributeSdoRw, "hello world")
	assert.Nil(t, err)

	server, err := NewSDOServer(serverBM, nil, serverDict, 0x10, 1000, serverDict.Index(0x1200))
	assert.Nil(t, err)

	stop := make(chan struct{})
	go driveServer(server, stop)
	defer close(stop)

	client, err := NewSDOClient(clientBM, nil, nil, 0x20, 1000, nil)
	assert.Nil(t, err)

	data, err := client.ReadAll(0x10, 0x2002, 0)
	assert.Nil(t, err)
	assert.Equal(t, "hello world", string(data))
}
