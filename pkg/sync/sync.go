package sync

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	s "sync"

	canopen "github.com/halvorsen/gocanopen"
	can "github.com/halvorsen/gocanopen/pkg/can"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
)

type SYNC struct {
	*canopen.BusManager
	logger                      *slog.Logger
	mu                          s.Mutex
	emcy                        *emergency.EMCY
	rxNew                       bool
	receiveError                uint8
	rxToggle                    bool
	timeoutError                uint8
	counterOverflow             uint8
	counter                     uint8
	syncIsOutsideWindow         bool
	timer                       uint32
	rawCommunicationCyclePeriod []byte
	rawSynchronousWindowLength  []byte
	isProducer                  bool
	cobId                       uint32
	txBuffer                    can.Frame
	subscribers                 map[uint64]chan uint8
	funcSubscribers             map[uint64]func(counter uint8)
	subscriberNextId            uint64
}

// Subscribe returns a channel that receives the SYNC counter every time a
// SYNC object is produced or received on the bus. Consumers (e.g. TPDOs with
// a synchronous transmission type) use this instead of polling.
func (sync *SYNC) Subscribe() <-chan uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	if sync.subscribers == nil {
		sync.subscribers = make(map[uint64]chan uint8)
	}
	ch := make(chan uint8, 1)
	sync.subscriberNextId++
	sync.subscribers[sync.subscriberNextId] = ch
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe
func (sync *SYNC) Unsubscribe(ch <-chan uint8) {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	for id, subscriber := range sync.subscribers {
		if subscriber == ch {
			close(subscriber)
			delete(sync.subscribers, id)
			return
		}
	}
}

// SubscribeFunc registers callback to be invoked synchronously with the
// SYNC counter every time a SYNC object is produced or received, on the
// same goroutine that drove the production/reception. Unlike Subscribe, no
// goroutine is spawned to drain it; TPDOs and RPDOs with a synchronous
// transmission type use this so their sync-driven send/receive logic has no
// background goroutine of its own. The returned cancel func removes the
// registration.
func (sync *SYNC) SubscribeFunc(callback func(counter uint8)) (cancel func()) {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	if sync.funcSubscribers == nil {
		sync.funcSubscribers = make(map[uint64]func(uint8))
	}
	sync.subscriberNextId++
	id := sync.subscriberNextId
	sync.funcSubscribers[id] = callback

	return func() {
		sync.mu.Lock()
		defer sync.mu.Unlock()
		delete(sync.funcSubscribers, id)
	}
}

// broadcast fans the current counter out to every subscriber. Callbacks run
// with sync.mu released, since a callback (e.g. a TPDO reading back
// sync.Counter()) may need to call back into SYNC itself.
func (sync *SYNC) broadcast() {
	sync.mu.Lock()
	counter := sync.counter
	for _, ch := range sync.subscribers {
		select {
		case ch <- counter:
		default:
			// Subscriber hasn't caught up, drop this tick
		}
	}
	callbacks := make([]func(uint8), 0, len(sync.funcSubscribers))
	for _, callback := range sync.funcSubscribers {
		callbacks = append(callbacks, callback)
	}
	sync.mu.Unlock()

	for _, callback := range callbacks {
		callback(counter)
	}
}

const (
	EventNone         uint8 = 0 // No SYNC event in last cycle
	EventRxOrTx       uint8 = 1 // SYNC message was received or transmitted in last cycle
	EventPassedWindow uint8 = 2 // Time has just passed SYNC window in last cycle (0x1007)
)

func (sync *SYNC) Handle(frame can.Frame) {
	sync.mu.Lock()

	syncReceived := false
	if sync.counterOverflow == 0 {
		if frame.DLC == 0 {
			syncReceived = true
		} else {
			sync.receiveError = frame.DLC | 0x40
		}
	} else {
		if frame.DLC == 1 {
			sync.counter = frame.Data[0]
			syncReceived = true
		} else {
			sync.receiveError = frame.DLC | 0x80
		}
	}
	if syncReceived {
		sync.rxToggle = !sync.rxToggle
		sync.rxNew = true
	}
	sync.mu.Unlock()

	// broadcast takes sync.mu itself; a funcSubscriber callback may call
	// back into SYNC (e.g. Counter), so it must run lock-free here.
	if syncReceived {
		sync.broadcast()
	}
}

func (sync *SYNC) send() {
	sync.counter += 1
	if sync.counter > sync.counterOverflow {
		sync.counter = 1
	}
	sync.timer = 0
	sync.rxToggle = !sync.rxToggle
	sync.txBuffer.Data[0] = sync.counter
	_ = sync.Send(sync.txBuffer)
	sync.broadcast()
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	return sync.counter
}

func (sync *SYNC) RxToggle() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	return sync.rxToggle
}

func (sync *SYNC) CounterOverflow() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	return sync.counterOverflow
}

func (sync *SYNC) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	status := EventNone
	if !nmtIsPreOrOperational {
		sync.rxNew = false
		sync.receiveError = 0
		sync.counter = 0
		sync.timer = 0
		return EventNone
	}

	timerNew := sync.timer + timeDifferenceUs
	if timerNew > sync.timer {
		sync.timer = timerNew
	}
	if sync.rxNew {
		sync.timer = 0
		sync.rxNew = false
	}
	communicationCyclePeriod := binary.LittleEndian.Uint32(sync.rawCommunicationCyclePeriod)
	if communicationCyclePeriod > 0 {
		if sync.isProducer {
			if sync.timer >= communicationCyclePeriod {
				status = EventRxOrTx
				sync.mu.Unlock()
				sync.send()
				sync.mu.Lock()
			}
			if timerNextUs != nil {
				diff := communicationCyclePeriod - sync.timer
				if *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		} else if sync.timeoutError == 1 {
			periodTimeout := communicationCyclePeriod + communicationCyclePeriod>>1
			if periodTimeout < communicationCyclePeriod {
				periodTimeout = 0xFFFFFFFF
			}
			if sync.timer > periodTimeout {
				sync.emcy.Error(true, emergency.EmSyncTimeOut, emergency.ErrCommunication, sync.timer)
				sync.logger.Warn("time out error", "timer", sync.timer)
				sync.timeoutError = 2
			} else if timerNextUs != nil {
				diff := periodTimeout - sync.timer
				if *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		}
	}
	synchronousWindowLength := binary.LittleEndian.Uint32(sync.rawSynchronousWindowLength)
	if synchronousWindowLength > 0 && sync.timer > synchronousWindowLength {
		if !sync.syncIsOutsideWindow {
			status = EventPassedWindow
		}
		sync.syncIsOutsideWindow = true
	} else {
		sync.syncIsOutsideWindow = false
	}

	// Check reception errors in handler
	if sync.receiveError != 0 {
		sync.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, sync.timer)
		sync.logger.Warn("receive error", "receiveError", sync.receiveError)
		sync.receiveError = 0
	}
	if status == EventRxOrTx {
		if sync.timeoutError == 2 {
			sync.emcy.Error(false, emergency.EmSyncTimeOut, 0, 0)
			sync.logger.Warn("reset error")
		}
		sync.timeoutError = 1
	}
	return status
}

func NewSYNC(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emergency *emergency.EMCY,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {

	if logger == nil {
		logger = slog.Default()
	}
	sync := &SYNC{BusManager: bm, logger: logger.With("service", "[SYNC]")}
	if entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Error("read error", "index", fmt.Sprintf("x%x", entry1005.Index), "name", entry1005.Name)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	if entry1006 == nil {
		sync.logger.Error("COMM CYCLE PERIOD not found")
		return nil, canopen.ErrOdParameters
	} else if entry1007 == nil {
		sync.logger.Error("SYNCHRONOUS WINDOW LENGTH not found")
		return nil, canopen.ErrOdParameters
	}

	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)
	sync.rawCommunicationCyclePeriod, err = entry1006.GetRawData(0, 4)
	if err != nil {
		sync.logger.Error("read error", "index", fmt.Sprintf("x%x", entry1006.Index), "name", entry1006.Name)
		return nil, canopen.ErrOdParameters
	}
	sync.logger.Info("communication cycle period", "index", fmt.Sprintf("x%x", entry1006.Index), "name", entry1006.Name, "value", binary.LittleEndian.Uint32(sync.rawCommunicationCyclePeriod))

	entry1007.AddExtension(sync, od.ReadEntryDefault, writeEntry1007)
	sync.rawSynchronousWindowLength, err = entry1007.GetRawData(0, 4)
	if err != nil {
		sync.logger.Error("read error", "index", fmt.Sprintf("x%x", entry1007.Index), "name", entry1007.Name)
		return nil, canopen.ErrOdParameters
	}
	sync.logger.Info("synchronous window length", "index", fmt.Sprintf("x%x", entry1007.Index), "name", entry1007.Name, "value", binary.LittleEndian.Uint32(sync.rawSynchronousWindowLength))

	// This one is not mandatory
	var syncCounterOverflow uint8 = 0
	if entry1019 != nil {
		syncCounterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			sync.logger.Error("read error", "index", fmt.Sprintf("x%x", entry1019.Index), "name", entry1019.Name)
			return nil, canopen.ErrOdParameters
		}
		if syncCounterOverflow == 1 {
			syncCounterOverflow = 2
		} else if syncCounterOverflow > 240 {
			syncCounterOverflow = 240
		}
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
		sync.logger.Info("counter overflow", "index", fmt.Sprintf("x%x", entry1019.Index), "name", entry1019.Name, "value", syncCounterOverflow)
	}
	sync.counterOverflow = syncCounterOverflow
	sync.emcy = emergency
	sync.isProducer = (cobIdSync & 0x40000000) != 0
	sync.cobId = cobIdSync & 0x7FF

	err = sync.Subscribe(sync.cobId, 0x7FF, false, sync)
	if err != nil {
		return nil, err
	}
	var frameSize uint8 = 0
	if syncCounterOverflow != 0 {
		frameSize = 1
	}
	sync.txBuffer = can.NewFrame(sync.cobId, 0, frameSize)
	sync.logger.Info("initialisation finished")
	return sync, nil
}
