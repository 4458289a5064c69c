package canopen

import "container/heap"

// Timestamp is a monotonic microsecond clock value, as maintained by
// whatever drives the node's main loop (a real clock, a SYNC-derived
// counter, or a test harness advancing time manually).
type Timestamp uint32

// TimerCallback is invoked when its deadline is reached. It returns the next
// deadline to re-arm at, or ok == false to cancel the timer.
type TimerCallback func(now Timestamp) (next Timestamp, ok bool)

type timerEntry struct {
	deadline Timestamp
	sequence uint64
	id       uint64
	callback TimerCallback
	canceled bool
}

// timerHeap orders entries by (deadline, sequence) so that timers with an
// equal deadline fire in registration order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].sequence < h[j].sequence
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// TimerWheel replaces the per-service *time.Timer/time.AfterFunc fields the
// reference implementation uses with a single, synchronous ordered queue:
// every timed behaviour in the stack (SDO timeouts, PDO inhibit/event
// timers, heartbeat production, node-guarding) registers a callback here
// instead of spawning a goroutine. SetTime is the only way time advances.
type TimerWheel struct {
	heap    timerHeap
	byId    map[uint64]*timerEntry
	nextId  uint64
	nextSeq uint64
	now     Timestamp
}

func NewTimerWheel() *TimerWheel {
	return &TimerWheel{
		byId: make(map[uint64]*timerEntry),
	}
}

// Register arms callback to fire at deadline. The returned id can be passed
// to Cancel. A callback may re-arm itself by returning a new deadline from
// its own invocation instead of calling Register again.
func (tw *TimerWheel) Register(deadline Timestamp, callback TimerCallback) (id uint64) {
	tw.nextId++
	id = tw.nextId
	tw.nextSeq++
	entry := &timerEntry{deadline: deadline, sequence: tw.nextSeq, id: id, callback: callback}
	tw.byId[id] = entry
	heap.Push(&tw.heap, entry)
	return id
}

// Cancel removes a pending timer. Canceling an id that already fired or was
// never registered is a no-op.
func (tw *TimerWheel) Cancel(id uint64) {
	entry, ok := tw.byId[id]
	if !ok {
		return
	}
	entry.canceled = true
	delete(tw.byId, id)
}

// Now returns the wheel's current time, as of the last SetTime call.
func (tw *TimerWheel) Now() Timestamp {
	return tw.now
}

// SetTime advances the wheel's clock to t and fires every timer whose
// deadline is <= t, in (deadline, sequence) order. A callback that re-arms
// with a deadline <= t is re-queued but guarded against firing again within
// this same call: once a timer id has fired during this tick it is skipped
// until the next SetTime, which prevents a misbehaving callback from
// looping the wheel indefinitely.
func (tw *TimerWheel) SetTime(t Timestamp) {
	tw.now = t
	tick := make(map[uint64]bool)
	// Entries that re-armed into this same tick are held out of the heap
	// until the loop below drains, rather than pushed straight back in:
	// pushing them back immediately would put them right back at the top
	// of the heap (same deadline, only one entry on the wheel) and loop
	// forever instead of deferring to the next SetTime call.
	var deferred []*timerEntry

	for tw.heap.Len() > 0 {
		entry := tw.heap[0]
		if entry.deadline > t {
			break
		}
		heap.Pop(&tw.heap)
		if entry.canceled {
			continue
		}
		if tick[entry.id] {
			deferred = append(deferred, entry)
			continue
		}
		tick[entry.id] = true
		delete(tw.byId, entry.id)

		next, ok := entry.callback(t)
		if !ok {
			continue
		}
		tw.nextSeq++
		entry.deadline = next
		entry.sequence = tw.nextSeq
		entry.canceled = false
		tw.byId[entry.id] = entry
		heap.Push(&tw.heap, entry)
	}

	for _, entry := range deferred {
		heap.Push(&tw.heap, entry)
	}
}
