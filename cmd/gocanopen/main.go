package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	canopen "github.com/halvorsen/gocanopen"
	"github.com/halvorsen/gocanopen/pkg/can"
	_ "github.com/halvorsen/gocanopen/pkg/can/socketcan"
	_ "github.com/halvorsen/gocanopen/pkg/can/virtual"
	"github.com/halvorsen/gocanopen/pkg/nmt"
	"github.com/halvorsen/gocanopen/pkg/node"
	"github.com/halvorsen/gocanopen/pkg/od"
)

const (
	defaultInterface = "socketcan"
	defaultChannel   = "can0"
	defaultNodeId    = 0x20
)

func main() {
	canInterface := flag.String("i", defaultInterface, "can interface type: socketcan, virtual")
	channel := flag.String("c", defaultChannel, "interface channel, e.g. can0, vcan0, or host:port for virtual")
	nodeId := flag.Int("n", defaultNodeId, "node id")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bus, err := can.NewBus(*canInterface, *channel, 0)
	if err != nil {
		logger.Error("failed to create can bus", "interface", *canInterface, "channel", *channel, "err", err)
		os.Exit(1)
	}

	bm := canopen.NewBusManager(bus)
	if err := bus.Subscribe(bm); err != nil {
		logger.Error("failed to subscribe bus manager", "err", err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		logger.Error("failed to connect to bus", "err", err)
		os.Exit(1)
	}

	objectDictionary := defaultObjectDictionary(logger, uint8(*nodeId))

	localNode, err := node.NewLocalNode(
		bm,
		logger,
		objectDictionary,
		nil,
		nil,
		uint8(*nodeId),
		nmt.StartupToOperational,
		500,
		1000,
		1000,
		true,
		nil,
	)
	if err != nil {
		logger.Error("failed to initialize node", "err", err)
		os.Exit(1)
	}

	processor := node.NewNodeProcessor(localNode, logger, time.Millisecond)
	processor.AddResetHandler(func(n node.Node, cmd uint8) error {
		logger.Info("node requested a reset, re-applying startup state", "cmd", cmd)
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		logger.Error("failed to start node processing", "err", err)
		os.Exit(1)
	}

	logger.Info("node running", "nodeId", *nodeId, "interface", *canInterface, "channel", *channel)
	<-ctx.Done()
	logger.Info("shutting down")
	processor.Stop()
	processor.Wait()
}

// defaultObjectDictionary builds a minimal but complete CiA 301 object
// dictionary covering the mandatory communication objects plus one TPDO and
// one RPDO, entirely in code since EDS/DCF parsing is out of scope for this
// module. Applications embedding this package are expected to build their
// own dictionary with AddVariableType/AddVariableList and the CiA-301-object
// helpers on [od.ObjectDictionary] instead of hand-editing this one.
func defaultObjectDictionary(logger *slog.Logger, nodeId uint8) *od.ObjectDictionary {
	dict := od.NewObjectDictionary(logger)

	dict.AddVariableType(od.EntryDeviceType, "Device type", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	dict.AddVariableType(od.EntryErrorRegister, "Error register", od.UNSIGNED8, od.AttributeSdoR, "0x0")

	errorHistory := od.NewArray(8)
	for i := range uint8(8) {
		errorHistory.AddSubObject(i, fmt.Sprintf("Standard error field %d", i), od.UNSIGNED32, od.AttributeSdoR, "0x0")
	}
	dict.AddVariableList(od.EntryPredefinedErrorField, "Pre-defined error field", errorHistory)

	dict.AddSYNC()

	dict.AddVariableType(od.EntryCobIdTIME, "COB-ID TIME", od.UNSIGNED32, od.AttributeSdoRw, "0x100")

	dict.AddVariableType(od.EntryCobIdEMCY, "COB-ID EMCY", od.UNSIGNED32, od.AttributeSdoRw, fmt.Sprintf("0x%x", 0x80+uint32(nodeId)))
	dict.AddVariableType(od.EntryInhibitTimeEMCY, "Inhibit time EMCY", od.UNSIGNED16, od.AttributeSdoRw, "0x0")

	consumerHb := od.NewArray(1)
	consumerHb.AddSubObject(0, "Number of entries", od.UNSIGNED8, od.AttributeSdoR, "0x0")
	dict.AddVariableList(od.EntryConsumerHeartbeatTime, "Consumer heartbeat time", consumerHb)

	dict.AddVariableType(od.EntryProducerHeartbeatTime, "Producer heartbeat time", od.UNSIGNED16, od.AttributeSdoRw, "0x3E8")

	identity := od.NewRecord()
	identity.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x4")
	identity.AddSubObject(1, "Vendor-ID", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	identity.AddSubObject(2, "Product code", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	identity.AddSubObject(3, "Revision number", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	identity.AddSubObject(4, "Serial number", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	dict.AddVariableList(od.EntryIdentityObject, "Identity object", identity)

	if err := dict.AddSDOServer(0); err != nil {
		logger.Error("failed to add default SDO server to object dictionary", "err", err)
	}
	if err := dict.AddRPDO(1); err != nil {
		logger.Error("failed to add RPDO 1 to object dictionary", "err", err)
	}
	if err := dict.AddTPDO(1); err != nil {
		logger.Error("failed to add TPDO 1 to object dictionary", "err", err)
	}

	return dict
}
