package canopen

import (
	"log/slog"
	"sync"
)

type subscriber struct {
	id       uint64
	ident    uint32
	mask     uint32
	rtr      bool
	callback FrameListener
}

// matches reports whether frame is accepted by this subscription, using the
// standard CAN acceptance-filter rule: (frame.ID & mask) == (ident & mask).
func (s subscriber) matches(frame Frame) bool {
	frameIsRtr := frame.ID&CanRtrFlag != 0
	if frameIsRtr != s.rtr {
		return false
	}
	id := frame.ID &^ CanRtrFlag
	return id&s.mask == s.ident&s.mask
}

// BusManager sits between the CAN [Bus] and the CANopen services. It
// dispatches every received frame to whichever services subscribed to it,
// using real CAN-ID/mask acceptance filtering rather than exact-ID lookup,
// since some subscribers (emergency consumers in particular) listen on a
// whole range of node IDs with a single subscription.
type BusManager struct {
	logger *slog.Logger
	mu     sync.Mutex
	bus    Bus

	// listeners is replaced wholesale (copy on write) on Subscribe/cancel so
	// that Handle can take a reference to the current slice without holding
	// the lock while running callbacks. A callback unsubscribing itself
	// mid-dispatch therefore never deadlocks and never skips a sibling.
	listeners []subscriber
	nextSubId uint64
	canError  uint16

	// timers is the single ordered queue every timed service in the stack
	// (SDO timeouts, PDO inhibit/event timers, heartbeat production and
	// consumption, node guarding) registers its callbacks with instead of
	// spawning its own time.Timer/time.AfterFunc goroutine.
	timers *TimerWheel
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:    bus,
		logger: slog.Default(),
		timers: NewTimerWheel(),
	}
}

// Timers returns the [TimerWheel] shared by every service attached to this
// bus. Callers register their own callbacks on it; BusManager only owns the
// queue, it does not know what any timer is for.
func (bm *BusManager) Timers() *TimerWheel {
	return bm.timers
}

// SetBus swaps the underlying transport, e.g. after reconnecting.
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Handle implements [FrameListener]. It is registered once with the
// underlying [Bus] and fans received frames out to every matching
// subscriber. A subscriber cancelled by an earlier callback of the same
// dispatch is skipped.
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := bm.listeners
	bm.mu.Unlock()

	for _, sub := range listeners {
		if !sub.matches(frame) {
			continue
		}
		bm.mu.Lock()
		active := false
		for _, current := range bm.listeners {
			if current.id == sub.id {
				active = true
				break
			}
		}
		bm.mu.Unlock()
		if active {
			sub.callback.Handle(frame)
		}
	}
}

// Send transmits frame on the underlying bus.
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil {
		return ErrInvalidState
	}
	err := bus.Send(frame)
	if err != nil {
		bm.logger.Warn("error sending frame", "id", frame.ID, "err", err)
	}
	return err
}

// Process is called cyclically by the node's main loop to refresh the
// reported bus error state and to advance every timer registered on
// [BusManager.Timers] by timeDifferenceUs.
func (bm *BusManager) Process(timeDifferenceUs uint32) error {
	bm.mu.Lock()
	bm.canError = 0
	bm.mu.Unlock()
	bm.timers.SetTime(bm.timers.Now() + Timestamp(timeDifferenceUs))
	return nil
}

// Subscribe registers callback for every frame matching (ident, mask, rtr).
// mask bits set to 1 must match; bits set to 0 are don't-care, so a service
// can listen on a whole block of node-specific COB-IDs with one call. The
// returned cancel func removes the subscription; it is safe to call from
// inside callback.Handle.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nextSubId++
	subId := bm.nextSubId
	next := make([]subscriber, len(bm.listeners), len(bm.listeners)+1)
	copy(next, bm.listeners)
	next = append(next, subscriber{id: subId, ident: ident, mask: mask, rtr: rtr, callback: callback})
	bm.listeners = next

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		next := make([]subscriber, 0, len(bm.listeners))
		for _, sub := range bm.listeners {
			if sub.id != subId {
				next = append(next, sub)
			}
		}
		bm.listeners = next
	}
	return cancel, nil
}

// Error returns the last polled CAN bus error bitmask, see CanError* consts.
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}
