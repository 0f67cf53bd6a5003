// Package bootnode ties the protocol engine together into the main
// event loop a running node executes: pull frames off the bus,
// reassemble datagrams, dispatch addressed commands, and reply.
package bootnode

import (
	"context"
	"log"
	"time"

	"github.com/fieldnode/busboot/pkg/busframe"
	"github.com/fieldnode/busboot/pkg/codec"
	"github.com/fieldnode/busboot/pkg/command"
	"github.com/fieldnode/busboot/pkg/datagram"
	"github.com/fieldnode/busboot/pkg/flashmem"
	"github.com/fieldnode/busboot/pkg/nodeconfig"
	"github.com/fieldnode/busboot/pkg/telemetry"
	"github.com/fieldnode/busboot/pkg/transport"
)

// Default timer values, per the original platform's timer_init
// defaults.
const (
	DefaultBootloaderTimeout = 4 * time.Second
	DefaultDatagramTimeout   = 500 * time.Millisecond
	defaultPollInterval      = 20 * time.Millisecond
	defaultReplyBufferSize   = 8192
)

// Node wires the bus frame FIFO, datagram reassembly, command
// dispatch, and configuration store into one running bootloader node.
type Node struct {
	Bus      transport.Bus
	Flash    *flashmem.Flash
	Store    *nodeconfig.Store
	Rebooter Rebooter
	Sink     telemetry.Sink
	Logger   *log.Logger

	BootloaderTimeout time.Duration
	DatagramTimeout   time.Duration
	PollInterval      time.Duration

	dispatcher *command.Dispatcher
	ctx        *command.Context
	fifo       *busframe.FIFO
	reader     *datagram.Reader
}

// NewNode constructs a Node. flash is the guarded application-region
// flash (ERASE_FLASH_PAGE/WRITE_FLASH/CRC_REGION/READ_FLASH operate on
// it); store already has its own, separate config-page flash. sink
// may be nil.
func NewNode(bus transport.Bus, flash *flashmem.Flash, store *nodeconfig.Store, rebooter Rebooter, sink telemetry.Sink, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		Bus:               bus,
		Flash:             flash,
		Store:             store,
		Rebooter:          rebooter,
		Sink:              sink,
		Logger:            logger,
		BootloaderTimeout: DefaultBootloaderTimeout,
		DatagramTimeout:   DefaultDatagramTimeout,
		PollInterval:      defaultPollInterval,
		fifo:              busframe.NewFIFO(busframe.DefaultCapacity),
		reader:            datagram.NewReader(),
	}
	n.ctx = command.NewContext(flash, store, func(arg int32) { rebooter.Reboot(RebootArg(arg)) })
	n.dispatcher = command.NewDispatcher(n.ctx)
	return n
}

// Status returns the byte GET_STATUS currently reports.
func (n *Node) Status() uint8 { return n.ctx.Status() }

// Run executes the event loop until ctx is done: bootloader grace
// timer vs. datagram assembly timer, addressing, single command
// dispatch per completed datagram, and reply framing. arg is the boot
// argument this run started with (StartBootloaderNoTimeout disables
// the grace timer entirely).
func (n *Node) Run(ctx context.Context, arg RebootArg) error {
	timeoutEnabled := arg != StartBootloaderNoTimeout

	cfg := n.Store.Load()
	n.Logger.Printf("bootnode: starting as node %d (%s), timeout_enabled=%v", cfg.ID, cfg.DeviceClass, timeoutEnabled)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()
	go n.feed(feedCtx)

	n.reader.Start()
	bootDeadline := time.Now().Add(n.BootloaderTimeout)
	var datagramDeadline time.Time
	datagramActive := false
	skipping := false
	var activeFrameID uint8

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if timeoutEnabled && time.Now().After(bootDeadline) {
			n.Logger.Printf("bootnode: bootloader grace timer expired, jumping to application")
			n.dispatcher.JumpToApplication()
		}

		if datagramActive && time.Now().After(datagramDeadline) {
			n.Logger.Printf("bootnode: datagram assembly timed out")
			n.setStatus(command.ErrorDatagramTimeout)
			if !skipping {
				n.sendError(activeFrameID, command.ErrorDatagramTimeout)
			}
			n.reader.Start()
			datagramActive = false
		}

		fr, ok := n.fifo.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.PollInterval):
			}
			continue
		}

		// A START frame addressed to this node (or broadcast) begins a
		// fresh datagram, exactly once per start frame, discarding any
		// partial datagram in flight. Frames whose identifier is
		// neither the broadcast address nor this node's own ID are
		// dropped at the frame level: they never reach the reassembler
		// at all.
		if fr.IsStart() {
			activeFrameID = uint8(fr.NodeID())
			selfID := n.Store.Live.ID
			skipping = activeFrameID != datagram.BroadcastID && activeFrameID != selfID
			if skipping {
				continue
			}
			n.reader.Start()
			datagramActive = true
			datagramDeadline = time.Now().Add(n.DatagramTimeout)
		} else if skipping {
			continue
		} else if id := fr.NodeID(); id != datagram.BroadcastID && id != uint16(n.Store.Live.ID) {
			continue
		}

		for _, b := range fr.Payload() {
			n.reader.PushByte(b)
		}

		if !n.reader.IsComplete() {
			continue
		}
		datagramActive = false

		if !n.reader.IsValid() {
			n.Logger.Printf("bootnode: corrupt datagram discarded")
			n.setStatus(command.ErrorCorruptDatagram)
			n.sendError(activeFrameID, command.ErrorCorruptDatagram)
			n.reader.Start()
			continue
		}

		live := n.Store.Live
		if n.reader.AddressedTo(live.ID) {
			// Being addressed at all, even by a malformed command,
			// cancels the grace timer: a host is actively present.
			timeoutEnabled = false
			n.dispatch(activeFrameID, live.ID)
		}

		n.reader.Start()
	}
}

func (n *Node) dispatch(requestFrameID, selfID uint8) {
	respBuf := make([]byte, defaultReplyBufferSize)
	rc := n.dispatcher.Dispatch(n.reader.Data(), respBuf)

	switch {
	case rc > 0:
		n.setStatus(command.Success)
		n.reply(selfID, requestFrameID, respBuf[:rc])
	case rc < 0:
		n.setStatus(uint8(-rc))
		n.sendError(requestFrameID, uint8(-rc))
	}

	if n.Sink != nil {
		n.Sink.RecordDatagram(telemetry.Audit{
			Destinations: append([]uint8(nil), n.reader.Destinations()...),
			PayloadLen:   len(n.reader.Data()),
			Status:       n.Status(),
		})
	}
}

func (n *Node) setStatus(code uint8) {
	n.ctx.SetStatus(code)
	if n.Sink != nil {
		n.Sink.RecordStatus(code)
	}
}

// sendError frames a single-byte error datagram carrying code back to
// destFrameID, for failures no handler replies to: a corrupt
// datagram, one that timed out mid assembly, or a command message the
// dispatcher rejected with a negative result.
func (n *Node) sendError(destFrameID uint8, code uint8) {
	buf := make([]byte, 1)
	w := codec.NewWriter(buf)
	_ = w.WriteUint8(code)
	n.reply(n.Store.Live.ID, destFrameID, w.Bytes())
}

// feed drains the bus into the FIFO, decoupling the (potentially
// slow, syscall-bound) transport from the main loop's timers.
func (n *Node) feed(ctx context.Context) {
	for {
		fr, err := n.Bus.Recv(ctx)
		if err != nil {
			return
		}
		if !n.fifo.Push(fr) {
			n.Logger.Printf("bootnode: frame FIFO full, dropping frame id=%#x", fr.ID)
		}
	}
}

// reply serializes payload as a datagram addressed to destID and
// frames it onto the bus under sourceID: the frame ID carries the
// sender's own address, not the destination.
func (n *Node) reply(sourceID, destID uint8, payload []byte) {
	w := datagram.NewWriter([]uint8{destID}, payload)
	buf := make([]byte, 8)
	start := true
	for !w.Done() {
		dlc := w.OutputBytes(buf)
		if dlc == 0 {
			break
		}
		var fr busframe.Frame
		fr.DLC = uint8(dlc)
		copy(fr.Data[:], buf[:dlc])
		if start {
			fr.ID = uint16(sourceID) | busframe.IDStartMask
			start = false
		} else {
			fr.ID = uint16(sourceID)
		}
		if err := n.Bus.Send(fr); err != nil {
			n.Logger.Printf("bootnode: reply send failed: %v", err)
			return
		}
	}
}
