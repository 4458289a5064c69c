package nmt

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
)

// GuardServiceId is the base COB-ID used by both node guarding requests and
// responses, shared with the heartbeat protocol (0x700 + node-id). A node
// runs either heartbeat or node/life guarding, never both.
const GuardServiceId uint16 = 0x700

// Toggle bit set in a guarding response, alternated by the producer on every
// reply so the consumer can detect a duplicate or a lost request.
const guardToggleBit uint8 = 0x80

// Consumer-side liveness states for a single guarded node, mirroring
// [heartbeat.HeartbeatUnconfigured]/[heartbeat.HeartbeatActive]/... since
// the two mechanisms report the same kind of liveness information.
const (
	GuardUnconfigured uint8 = 0x00
	GuardUnknown      uint8 = 0x01
	GuardActive       uint8 = 0x02
	GuardTimeout      uint8 = 0x03
)

// GuardEventCallback is invoked on every guarding consumer state transition.
type GuardEventCallback func(nodeId uint8, state uint8)

// GuardingProducer answers RTR node-guarding requests for this node with its
// current NMT state, alternating the toggle bit on every response. It is an
// alternative to the heartbeat producer built into [NMT], not run alongside
// it: both transmit on the same COB-ID.
type GuardingProducer struct {
	bm         *canopen.BusManager
	logger     *slog.Logger
	nodeId     uint8
	mu         sync.Mutex
	toggle     uint8
	nmtStateFn func() uint8
	txBuffer   canopen.Frame
	rxCancel   func()
}

// NewGuardingProducer creates a guarding producer for nodeId. nmtStateFn is
// called on every request to fill in the current NMT state, typically
// (*NMT).GetInternalState.
func NewGuardingProducer(
	bm *canopen.BusManager,
	logger *slog.Logger,
	nodeId uint8,
	nmtStateFn func() uint8,
) (*GuardingProducer, error) {
	if bm == nil || nmtStateFn == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardingProducer{
		bm:         bm,
		logger:     logger.With("service", "[GUARD]", "id", nodeId),
		nodeId:     nodeId,
		nmtStateFn: nmtStateFn,
		txBuffer:   canopen.NewFrame(uint32(GuardServiceId)+uint32(nodeId), 0, 1),
	}, nil
}

// Handle implements [canopen.FrameListener], responding to the RTR request.
func (producer *GuardingProducer) Handle(frame canopen.Frame) {
	producer.mu.Lock()
	defer producer.mu.Unlock()

	producer.txBuffer.Data[0] = (producer.nmtStateFn() & 0x7F) | producer.toggle
	producer.toggle ^= guardToggleBit
	if err := producer.bm.Send(producer.txBuffer); err != nil {
		producer.logger.Error("failed to send guarding response", "error", err)
	}
}

// Start subscribes to RTR guarding requests on this node's COB-ID.
func (producer *GuardingProducer) Start() error {
	producer.mu.Lock()
	defer producer.mu.Unlock()

	cancel, err := producer.bm.Subscribe(uint32(GuardServiceId)+uint32(producer.nodeId), 0x7FF, true, producer)
	if err != nil {
		return err
	}
	producer.rxCancel = cancel
	return nil
}

// Stop cancels the RTR subscription.
func (producer *GuardingProducer) Stop() {
	producer.mu.Lock()
	defer producer.mu.Unlock()

	if producer.rxCancel != nil {
		producer.rxCancel()
		producer.rxCancel = nil
	}
}

// guardConsumerEntry tracks one remote node's liveness, polled with periodic
// RTR requests rather than waiting on spontaneous heartbeat frames.
type guardConsumerEntry struct {
	mu             sync.Mutex
	parent         *NodeGuardingConsumer
	nodeId         uint8
	cobId          uint32
	rtrBuffer      canopen.Frame
	guardTime      time.Duration
	lifeTimeFactor uint8
	misses         uint8
	state          uint8
	toggleKnown    bool
	expectedToggle uint8
	timerId        uint64
	rxCancel       func()
}

// Handle implements [canopen.FrameListener] for a guarding response.
func (entry *guardConsumerEntry) Handle(frame canopen.Frame) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if frame.DLC != 1 {
		return
	}
	toggle := frame.Data[0] & guardToggleBit

	// A producer restart is visible as the toggle bit no longer alternating
	// as expected; this is reported the same way as a missed reply.
	unexpectedToggle := entry.toggleKnown && toggle != entry.expectedToggle
	entry.toggleKnown = true
	entry.expectedToggle = toggle ^ guardToggleBit

	entry.misses = 0
	wasActive := entry.state == GuardActive
	entry.state = GuardActive

	if unexpectedToggle {
		entry.parent.reportEvent(entry, emergency.ErrHeartbeat)
	}
	if !wasActive {
		entry.parent.notify(entry.nodeId, entry.state)
	}
}

// poll sends the next RTR request and re-arms itself on the shared
// [canopen.TimerWheel] by returning the next deadline. If lifeTimeFactor
// consecutive requests go unanswered, the node is declared dead.
func (entry *guardConsumerEntry) poll(now canopen.Timestamp) (next canopen.Timestamp, ok bool) {
	entry.mu.Lock()
	if entry.guardTime == 0 {
		entry.timerId = 0
		entry.mu.Unlock()
		return 0, false
	}

	entry.misses++
	if entry.misses >= entry.lifeTimeFactor && entry.state != GuardTimeout {
		entry.state = GuardTimeout
		parent := entry.parent
		entry.mu.Unlock()
		parent.reportEvent(entry, emergency.ErrHeartbeat)
		parent.notify(entry.nodeId, GuardTimeout)
		entry.mu.Lock()
	}

	entry.misses++
	_ = entry.parent.bm.Send(entry.rtrBuffer)
	next = now + canopen.Timestamp(entry.guardTime.Microseconds())
	entry.mu.Unlock()
	return next, true
}

func (entry *guardConsumerEntry) rescheduleLocked() {
	wheel := entry.parent.bm.Timers()
	if entry.timerId != 0 {
		wheel.Cancel(entry.timerId)
	}
	deadline := wheel.Now() + canopen.Timestamp(entry.guardTime.Microseconds())
	entry.timerId = wheel.Register(deadline, entry.poll)
}

// NodeGuardingConsumer monitors the liveness of one or more remote nodes
// using the legacy RTR node/life-guarding mechanism instead of the
// heartbeat consumer.
type NodeGuardingConsumer struct {
	bm            *canopen.BusManager
	logger        *slog.Logger
	emcy          *emergency.EMCY
	mu            sync.Mutex
	entries       map[uint8]*guardConsumerEntry
	eventCallback GuardEventCallback
}

// NewNodeGuardingConsumer creates an empty consumer; nodes are added with
// Monitor.
func NewNodeGuardingConsumer(bm *canopen.BusManager, logger *slog.Logger, emcy *emergency.EMCY) (*NodeGuardingConsumer, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeGuardingConsumer{
		bm:      bm,
		logger:  logger.With("service", "[GUARD]"),
		emcy:    emcy,
		entries: make(map[uint8]*guardConsumerEntry),
	}, nil
}

// OnEvent registers a callback for guarding state transitions.
func (consumer *NodeGuardingConsumer) OnEvent(callback GuardEventCallback) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	consumer.eventCallback = callback
}

// Monitor starts guarding nodeId, sending an RTR request every guardTime and
// declaring it dead after lifeTimeFactor consecutive unanswered requests.
// guardTime and lifeTimeFactor are normally read from the remote node's own
// 0x100C/0x100D objects.
func (consumer *NodeGuardingConsumer) Monitor(nodeId uint8, guardTime time.Duration, lifeTimeFactor uint8) error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	if existing, ok := consumer.entries[nodeId]; ok {
		existing.Stop()
		delete(consumer.entries, nodeId)
	}
	if guardTime == 0 || lifeTimeFactor == 0 {
		return nil
	}

	cobId := uint32(GuardServiceId) + uint32(nodeId)
	entry := &guardConsumerEntry{
		parent:         consumer,
		nodeId:         nodeId,
		cobId:          cobId,
		rtrBuffer:      canopen.NewFrame(cobId|canopen.CanRtrFlag, 0, 0),
		guardTime:      guardTime,
		lifeTimeFactor: lifeTimeFactor,
		state:          GuardUnknown,
	}
	cancel, err := consumer.bm.Subscribe(cobId, 0x7FF, false, entry)
	if err != nil {
		return err
	}
	entry.rxCancel = cancel
	consumer.entries[nodeId] = entry

	entry.mu.Lock()
	entry.rescheduleLocked()
	entry.mu.Unlock()

	return nil
}

// Stop stops guarding nodeId.
func (entry *guardConsumerEntry) Stop() {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.timerId != 0 {
		entry.parent.bm.Timers().Cancel(entry.timerId)
		entry.timerId = 0
	}
	if entry.rxCancel != nil {
		entry.rxCancel()
	}
	entry.guardTime = 0
}

// Unmonitor stops guarding nodeId.
func (consumer *NodeGuardingConsumer) Unmonitor(nodeId uint8) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	if entry, ok := consumer.entries[nodeId]; ok {
		entry.Stop()
		delete(consumer.entries, nodeId)
	}
}

func (consumer *NodeGuardingConsumer) reportEvent(entry *guardConsumerEntry, errorCode uint16) {
	if consumer.emcy != nil {
		consumer.emcy.ErrorReport(emergency.EmHeartbeatConsumer, errorCode, uint32(entry.nodeId))
	}
}

func (consumer *NodeGuardingConsumer) notify(nodeId uint8, state uint8) {
	consumer.mu.Lock()
	callback := consumer.eventCallback
	consumer.mu.Unlock()
	if callback != nil {
		callback(nodeId, state)
	}
}
