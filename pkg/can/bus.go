package can

import (
	"fmt"

	canopen "github.com/halvorsen/gocanopen"
)

// Frame, Bus and FrameListener are aliases of the root package's types so
// that a driver under pkg/can/* and the core service packages (pkg/sdo,
// pkg/pdo, pkg/nmt, ...) share exactly one Frame/Bus/FrameListener, without
// pkg/can importing any of those service packages.
type Frame = canopen.Frame
type Bus = canopen.Bus
type FrameListener = canopen.FrameListener

const CanRtrFlag = canopen.CanRtrFlag
const CanSffMask = canopen.CanSffMask

const (
	CanErrorTxWarning   = canopen.CanErrorTxWarning
	CanErrorTxPassive   = canopen.CanErrorTxPassive
	CanErrorTxBusOff    = canopen.CanErrorTxBusOff
	CanErrorTxOverflow  = canopen.CanErrorTxOverflow
	CanErrorPdoLate     = canopen.CanErrorPdoLate
	CanErrorRxWarning   = canopen.CanErrorRxWarning
	CanErrorRxPassive   = canopen.CanErrorRxPassive
	CanErrorRxOverflow  = canopen.CanErrorRxOverflow
	CanErrorWarnPassive = canopen.CanErrorWarnPassive
)

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return canopen.NewFrame(id, flags, dlc)
}

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Create a new CAN bus with given interface
// Currently supported : socketcan, virtualcan
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
