package nmt

import (
	"encoding/binary"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/od"
)

// [NMT] update heartbeat period
func writeEntry1017(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream.Subindex != 0 || data == nil || len(data) != 2 || countWritten == nil || stream == nil {
		return od.ErrDevIncompat
	}
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return od.ErrDevIncompat
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmt.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	wheel := nmt.bm.Timers()
	if nmt.timerId != 0 {
		wheel.Cancel(nmt.timerId)
		nmt.timerId = 0
	}
	if nmt.hearbeatProducerTimeUs > 0 {
		nmt.timerId = wheel.Register(wheel.Now()+canopen.Timestamp(nmt.hearbeatProducerTimeUs), nmt.heartbeatTimeout)
	}
	nmt.logger.Debug("updated heartbeat period", "periodMs", nmt.hearbeatProducerTimeUs/1000)
	return od.WriteEntryDefault(stream, data, countWritten)
}
