package pdo

import (
	"fmt"
	"log/slog"
	s "sync"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
	"github.com/halvorsen/gocanopen/pkg/sync"
)

const (
	SyncCounterReset        = 255
	SyncCounterWaitForStart = 254
)

type TPDO struct {
	*canopen.BusManager
	mu               s.Mutex
	sync             *sync.SYNC
	pdo              *PDOCommon
	txBuffer         canopen.Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	eventTimeUs      uint32
	timerInhibitId   uint64
	timerEventId     uint64
	inhibitActive    bool
	isOperational    bool
	syncCancel       func()
}

// onSync is registered with [sync.SYNC.SubscribeFunc] and runs synchronously
// on whatever goroutine produced or received the SYNC object; no goroutine
// or channel of its own is involved.
func (tpdo *TPDO) onSync(uint8) {
	tpdo.mu.Lock()
	isSyncAcyclic := tpdo.transmissionType == TransmissionTypeSyncAcyclic

	// Send synchronous acyclic tpdo
	if isSyncAcyclic && tpdo.sendRequest {
		tpdo.mu.Unlock()
		_ = tpdo.send()
		return
	}

	// Send synchronous cyclic TPDOs
	if tpdo.syncCounter == SyncCounterReset {
		if tpdo.sync.CounterOverflow() != 0 && tpdo.syncStartValue != 0 {
			tpdo.syncCounter = SyncCounterWaitForStart
		} else {
			tpdo.syncCounter = tpdo.transmissionType
		}
	}

	// If sync start value is used , start first TPDO
	// after sync with matched syncstartvalue
	switch tpdo.syncCounter {

	case SyncCounterWaitForStart:
		if tpdo.sync.Counter() == tpdo.syncStartValue {
			tpdo.syncCounter = tpdo.transmissionType
			tpdo.mu.Unlock()
			_ = tpdo.send()
			return
		}

	case 1:
		tpdo.syncCounter = tpdo.transmissionType
		tpdo.mu.Unlock()
		_ = tpdo.send()
		return

	default:
		tpdo.syncCounter--
	}
	tpdo.mu.Unlock()
}

func (tpdo *TPDO) configureTransmissionType(entry18xx *od.Entry) error {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	transmissionType, err := entry18xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		tpdo.pdo.logger.Error("reading failed",
			"index", fmt.Errorf("x%x", entry18xx.Index),
			"subindex", od.SubPdoTransmissionType,
			"error", err,
		)
		return canopen.ErrOdParameters
	}
	if transmissionType < TransmissionTypeSyncEventLo && transmissionType > TransmissionTypeSync240 {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType
	tpdo.sendRequest = true
	return nil
}

func (tpdo *TPDO) configureCOBID(entry18xx *od.Entry, predefinedIdent uint16, erroneousMap uint32) (canId uint16, e error) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	pdo := tpdo.pdo
	canId, err := pdo.configureCobId(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return 0, err
	}
	tpdo.txBuffer = canopen.NewFrame(uint32(canId), 0, uint8(pdo.dataLength))
	pdo.Valid = canId != 0
	return canId, nil
}

func (tpdo *TPDO) send() error {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	pdo := tpdo.pdo
	if !pdo.Valid {
		return nil
	}

	totalNbRead := 0
	var err error

	for i := range pdo.nbMapped {
		streamer := &pdo.streamers[i]
		mappedLength := streamer.DataOffset
		streamer.DataOffset = 0
		_, err = streamer.Read(tpdo.txBuffer.Data[totalNbRead:])
		if err != nil {
			tpdo.pdo.logger.Warn("failed to send", "cobId", pdo.configuredId, "error", err)
			return err
		}
		streamer.DataOffset = mappedLength
		totalNbRead += int(mappedLength)
	}
	tpdo.sendRequest = false
	tpdo.restartEventTimer()
	tpdo.startInhibitTimer()
	return tpdo.Send(tpdo.txBuffer)
}

func (tpdo *TPDO) checkAndSend() {
	tpdo.mu.Lock()
	if tpdo.inhibitActive {
		tpdo.sendRequest = true
		tpdo.mu.Unlock()
		return
	}
	tpdo.mu.Unlock()
	_ = tpdo.send()
}

// Send TPDO right away, or once the inhibit timer expires if it is running
// This only works for event driven TPDOs
func (tpdo *TPDO) SendAsync() {
	tpdo.checkAndSend()
}

func (tpdo *TPDO) SetOperational(operational bool) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	tpdo.isOperational = operational
	if operational {
		tpdo.restartEventTimer()
	} else {
		// Stop timers
		wheel := tpdo.Timers()
		if tpdo.timerEventId != 0 {
			wheel.Cancel(tpdo.timerEventId)
			tpdo.timerEventId = 0
		}
		if tpdo.timerInhibitId != 0 {
			wheel.Cancel(tpdo.timerInhibitId)
			tpdo.timerInhibitId = 0
		}
		tpdo.inhibitActive = false
	}
}

func (tpdo *TPDO) startInhibitTimer() {
	if tpdo.inhibitTimeUs == 0 {
		return
	}
	tpdo.inhibitActive = true
	wheel := tpdo.Timers()
	if tpdo.timerInhibitId != 0 {
		wheel.Cancel(tpdo.timerInhibitId)
	}
	deadline := wheel.Now() + canopen.Timestamp(tpdo.inhibitTimeUs)
	tpdo.timerInhibitId = wheel.Register(deadline, tpdo.inhibitHandler)
}

func (tpdo *TPDO) inhibitHandler(now canopen.Timestamp) (next canopen.Timestamp, ok bool) {
	tpdo.mu.Lock()
	tpdo.timerInhibitId = 0
	active := tpdo.isOperational
	req := tpdo.sendRequest
	tpdo.inhibitActive = false
	tpdo.mu.Unlock()

	if active && req {
		_ = tpdo.send()
	}
	return 0, false
}

func (tpdo *TPDO) restartEventTimer() {
	if tpdo.eventTimeUs == 0 {
		return
	}
	wheel := tpdo.Timers()
	if tpdo.timerEventId != 0 {
		wheel.Cancel(tpdo.timerEventId)
	}
	deadline := wheel.Now() + canopen.Timestamp(tpdo.eventTimeUs)
	tpdo.timerEventId = wheel.Register(deadline, tpdo.eventHandler)
}

func (tpdo *TPDO) eventHandler(now canopen.Timestamp) (next canopen.Timestamp, ok bool) {
	tpdo.mu.Lock()
	tpdo.timerEventId = 0
	tpdo.sendRequest = true
	inhibit := tpdo.inhibitActive
	operational := tpdo.isOperational
	tpdo.mu.Unlock()

	if operational && !inhibit {
		_ = tpdo.send()
	}
	return 0, false
}

// Create a new TPDO
func NewTPDO(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy *emergency.EMCY,
	sync *sync.SYNC,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedIdent uint16,

) (*TPDO, error) {
	if odict == nil || entry18xx == nil || entry1Axx == nil || bm == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}

	tpdo := &TPDO{BusManager: bm}

	// Configure mapping parameters
	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry1Axx, false, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	tpdo.pdo = pdo
	// Configure transmission type
	err = tpdo.configureTransmissionType(entry18xx)
	if err != nil {
		return nil, err
	}
	// Configure COB ID
	canId, err := tpdo.configureCOBID(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return nil, err
	}
	// Configure inhibit time (not mandatory)
	inhibitTime, err := entry18xx.Uint16(od.SubPdoInhibitTime)
	if err != nil {
		tpdo.pdo.logger.Warn("reading inhibit time failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", od.SubPdoInhibitTime,
			"error", err,
		)
	}
	tpdo.inhibitTimeUs = uint32(inhibitTime) * 100

	// Configure event timer (not mandatory)
	eventTime, err := entry18xx.Uint16(od.SubPdoEventTimer)
	if err != nil {
		tpdo.pdo.logger.Warn("reading event timer failed",
			"index", entry18xx.Index,
			"subindex", od.SubPdoEventTimer,
			"error", err,
		)

	}
	tpdo.eventTimeUs = uint32(eventTime) * 1000

	// Configure sync start value (not mandatory)
	tpdo.syncStartValue, err = entry18xx.Uint8(od.SubPdoSyncStart)
	if err != nil {
		tpdo.pdo.logger.Warn("reading sync start failed",
			"index", entry18xx.Index,
			"subindex", od.SubPdoSyncStart,
			"error", err,
		)
	}
	tpdo.sync = sync
	tpdo.syncCounter = SyncCounterReset

	// Configure OD extensions
	pdo.IsRPDO = false
	pdo.predefinedId = predefinedIdent
	pdo.configuredId = canId
	entry18xx.AddExtension(tpdo, readEntry14xxOr18xx, writeEntry18xx)
	entry1Axx.AddExtension(tpdo, od.ReadEntryDefault, writeEntry16xxOr1Axx)
	tpdo.pdo.logger.Debug("finished initializing",
		"canId", canId,
		"valid", pdo.Valid,
		"inhibit time", inhibitTime,
		"event time", eventTime,
		"transmission type", tpdo.transmissionType,
	)
	if tpdo.transmissionType < TransmissionTypeSyncEventLo && tpdo.sync != nil {
		tpdo.syncCancel = tpdo.sync.SubscribeFunc(tpdo.onSync)
	}
	return tpdo, nil
}
