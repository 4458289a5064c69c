package pdo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/emergency"
	"github.com/halvorsen/gocanopen/pkg/od"
)

// Sub-index 0 values of a standard PDO mapping parameter record identifying a
// multiplexed PDO variant rather than a normal fixed mapping.
const (
	MapSamMpdo uint8 = 0xFE
	MapDamMpdo uint8 = 0xFF
)

// A samMpdo is a single configured entry from OD range 0x1FA0-0x1FCF: a local
// object transmitted with an address field (index, sub-index, producing
// node-id) instead of a fixed COB-ID mapping.
type samMpdo struct {
	cobId    uint32
	index    uint16
	subIndex uint8
	streamer *od.Streamer
}

// A damMpdo is a single configured entry from OD range 0x1FD0-0x1FFF: a fixed
// COB-ID consumed and written directly to a local destination object,
// regardless of the address field the producer sent.
type damMpdo struct {
	mgr      *MPDOManager
	cobId    uint32
	streamer *od.Streamer
}

// Handle implements [canopen.FrameListener]
func (dam *damMpdo) Handle(frame canopen.Frame) {
	dam.mgr.handleDAM(dam, frame)
}

// MPDOManager implements the SAM-MPDO / DAM-MPDO variants of the CANopen PDO
// protocol (multiplexed PDOs carrying an (index, sub-index) address instead
// of relying purely on a fixed COB-ID mapping). Unlike TPDO/RPDO it is not
// created automatically by a node's bring-up: it is an explicitly opt-in
// component, wired in only when the OD carries SAM-MPDO/DAM-MPDO entries.
type MPDOManager struct {
	bm      *canopen.BusManager
	logger  *slog.Logger
	od      *od.ObjectDictionary
	emcy    *emergency.EMCY
	nodeId  uint8
	mu      sync.Mutex
	samList []*samMpdo
	damList []*damMpdo
	cancels []func()
}

// NewMPDOManager scans OD ranges 0x1FA0-0x1FCF (SAM-MPDO) and 0x1FD0-0x1FFF
// (DAM-MPDO) and builds the corresponding producer/consumer entries. Entries
// whose COB-ID sub-object is zero are treated as unconfigured and skipped.
func NewMPDOManager(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy *emergency.EMCY,
	nodeId uint8,
) (*MPDOManager, error) {
	if bm == nil || odict == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[MPDO]")

	m := &MPDOManager{
		bm:     bm,
		logger: logger,
		od:     odict,
		emcy:   emcy,
		nodeId: nodeId,
	}

	for index := od.EntrySAMMPDOStart; index <= od.EntrySAMMPDOEnd; index++ {
		entry := odict.Index(index)
		if entry == nil {
			continue
		}
		cobId, err := entry.Uint32(1)
		if err != nil || cobId == 0 {
			continue
		}
		mapParam, err := entry.Uint32(2)
		if err != nil {
			logger.Warn("reading SAM-MPDO mapped object failed", "index", fmt.Sprintf("x%x", index), "error", err)
			continue
		}
		mappedIndex := uint16(mapParam >> 16)
		mappedSubIndex := byte(mapParam >> 8)
		mappedEntry := odict.Index(mappedIndex)
		streamer, err := od.NewStreamer(mappedEntry, mappedSubIndex, false)
		if err != nil {
			logger.Warn("mapping SAM-MPDO object failed",
				"index", fmt.Sprintf("x%x", index),
				"mappedIndex", fmt.Sprintf("x%x", mappedIndex),
				"error", err,
			)
			continue
		}
		m.samList = append(m.samList, &samMpdo{
			cobId:    cobId,
			index:    mappedIndex,
			subIndex: mappedSubIndex,
			streamer: streamer,
		})
	}

	for index := od.EntryDAMMPDOStart; index <= od.EntryDAMMPDOEnd; index++ {
		entry := odict.Index(index)
		if entry == nil {
			continue
		}
		cobId, err := entry.Uint32(1)
		if err != nil || cobId == 0 {
			continue
		}
		mapParam, err := entry.Uint32(2)
		if err != nil {
			logger.Warn("reading DAM-MPDO destination object failed", "index", fmt.Sprintf("x%x", index), "error", err)
			continue
		}
		destIndex := uint16(mapParam >> 16)
		destSubIndex := byte(mapParam >> 8)
		destEntry := odict.Index(destIndex)
		streamer, err := od.NewStreamer(destEntry, destSubIndex, false)
		if err != nil {
			logger.Warn("mapping DAM-MPDO destination failed",
				"index", fmt.Sprintf("x%x", index),
				"destIndex", fmt.Sprintf("x%x", destIndex),
				"error", err,
			)
			continue
		}
		m.damList = append(m.damList, &damMpdo{mgr: m, cobId: cobId, streamer: streamer})
	}

	return m, nil
}

// Start subscribes to every configured DAM-MPDO COB-ID on the bus. SAM-MPDO
// entries need no subscription, they are only ever transmitted.
func (m *MPDOManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dam := range m.damList {
		cancel, err := m.bm.Subscribe(dam.cobId&0x7FF, 0x7FF, false, dam)
		if err != nil {
			return err
		}
		m.cancels = append(m.cancels, cancel)
	}
	return nil
}

// Stop cancels all DAM-MPDO bus subscriptions
func (m *MPDOManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

func (m *MPDOManager) handleDAM(dam *damMpdo, frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	// bytes 0-3 carry the producer's address field (sub-index, index, node-id),
	// bytes 4-7 carry the value. The destination is resolved from local
	// configuration rather than the address field, per the DAM scheme.
	value := frame.Data[4:8]
	n, err := dam.streamer.Write(value[:min(len(value), int(dam.streamer.DataLength))])
	if err != nil || n == 0 {
		m.emcy.ErrorReport(emergency.EmPDOWrongMapping, emergency.ErrDamMpdo, dam.cobId)
	}
}

// SendSAMMPDO transmits every configured SAM-MPDO entry once, reading the
// current value of its mapped local object.
func (m *MPDOManager) SendSAMMPDO() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sam := range m.samList {
		data := make([]byte, 8)
		data[0] = sam.subIndex
		binary.LittleEndian.PutUint16(data[1:3], sam.index)
		data[3] = m.nodeId & 0x7F

		length := sam.streamer.DataLength
		if length > 4 {
			length = 4
		}
		buf := make([]byte, length)
		_, err := sam.streamer.Read(buf)
		if err != nil {
			m.logger.Warn("reading SAM-MPDO mapped object failed",
				"index", fmt.Sprintf("x%x", sam.index),
				"subindex", sam.subIndex,
				"error", err,
			)
			continue
		}
		copy(data[4:], buf)

		frame := canopen.NewFrame(sam.cobId&0x7FF, 0, 8)
		copy(frame.Data[:], data)
		if err := m.bm.Send(frame); err != nil {
			m.logger.Warn("sending SAM-MPDO failed", "index", fmt.Sprintf("x%x", sam.index), "error", err)
		}
	}
	return nil
}
