package bootnode

import (
	"context"
	"testing"
	"time"

	"github.com/fieldnode/busboot/pkg/busframe"
	"github.com/fieldnode/busboot/pkg/codec"
	"github.com/fieldnode/busboot/pkg/command"
	"github.com/fieldnode/busboot/pkg/datagram"
	"github.com/fieldnode/busboot/pkg/flashmem"
	"github.com/fieldnode/busboot/pkg/nodeconfig"
	"github.com/fieldnode/busboot/pkg/transport"
	"github.com/stretchr/testify/require"
)

const (
	nodeAppBegin = 0x1000
	nodeAppEnd   = 0x9000
	nodeID       = uint8(7)
)

func newTestNode(t *testing.T) (*Node, *transport.SimBus, *RAMArgStore) {
	t.Helper()

	appFlash, err := flashmem.Open("", 0x10000, 256, nodeAppBegin, nodeAppEnd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = appFlash.Close() })

	const pageSize = 512
	cfgFlash, err := flashmem.Open("", 4*pageSize, pageSize, 0, 4*pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cfgFlash.Close() })

	store := nodeconfig.NewStore(cfgFlash,
		nodeconfig.Page{Addr: pageSize, Size: pageSize},
		nodeconfig.Page{Addr: 2 * pageSize, Size: pageSize},
		0, 4*pageSize,
		nodeconfig.Defaults{ID: nodeID, Name: "n", DeviceClass: "CVRA.motorboard.v1"}, nil, nil)

	nodeBus, hostBus := transport.NewSimBusPair()
	rebooter := &RAMArgStore{}

	n := NewNode(nodeBus, appFlash, store, rebooter, nil, nil)
	n.BootloaderTimeout = time.Hour // disabled for these tests; exercised separately
	n.PollInterval = time.Millisecond
	return n, hostBus, rebooter
}

// sendRequest frames payload as a datagram addressed to destNode and
// writes it across bus as a sequence of frames.
func sendRequest(t *testing.T, bus *transport.SimBus, destNode uint8, payload []byte) {
	t.Helper()
	w := datagram.NewWriter([]uint8{destNode}, payload)
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
			fr.ID = uint16(destNode) | busframe.IDStartMask
			start = false
		} else {
			fr.ID = uint16(destNode)
		}
		require.NoError(t, bus.Send(fr))
	}
}

// sendCorruptRequest frames payload the same way sendRequest does, but
// inverts every bit of the first byte (part of the CRC field) so the
// reassembled datagram's CRC will not validate.
func sendCorruptRequest(t *testing.T, bus *transport.SimBus, destNode uint8, payload []byte) {
	t.Helper()
	w := datagram.NewWriter([]uint8{destNode}, payload)
	buf := make([]byte, 8)
	start := true
	first := true
	for !w.Done() {
		dlc := w.OutputBytes(buf)
		if dlc == 0 {
			break
		}
		if first {
			buf[0] ^= 0xFF
			first = false
		}
		var fr busframe.Frame
		fr.DLC = uint8(dlc)
		copy(fr.Data[:], buf[:dlc])
		if start {
			fr.ID = uint16(destNode) | busframe.IDStartMask
			start = false
		} else {
			fr.ID = uint16(destNode)
		}
		require.NoError(t, bus.Send(fr))
	}
}

// recvReply reads frames from bus until a complete datagram has been
// reassembled, and returns its payload.
func recvReply(t *testing.T, ctx context.Context, bus *transport.SimBus) []byte {
	t.Helper()
	r := datagram.NewReader()
	started := false
	for {
		fr, err := bus.Recv(ctx)
		require.NoError(t, err)
		if fr.IsStart() {
			r.Start()
			started = true
		}
		if !started {
			continue
		}
		for _, b := range fr.Payload() {
			r.PushByte(b)
		}
		if r.IsComplete() {
			require.True(t, r.IsValid())
			return r.Data()
		}
	}
}

func commandPayload(t *testing.T, index int32, writeArgs func(w *codec.Writer)) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	w := codec.NewWriter(buf)
	require.NoError(t, w.WriteInt32(command.CommandSetVersion))
	require.NoError(t, w.WriteInt32(index))
	var argc uint32
	if writeArgs != nil {
		argc = 1
	}
	require.NoError(t, w.WriteArrayHeader(argc))
	if writeArgs != nil {
		writeArgs(w)
	}
	return append([]byte(nil), w.Bytes()...)
}

func TestNodeRespondsToPing(t *testing.T) {
	n, hostBus, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, StartBootloader) }()

	sendRequest(t, hostBus, nodeID, commandPayload(t, 5, nil))

	replyCtx, replyCancel := context.WithTimeout(context.Background(), time.Second)
	defer replyCancel()
	reply := recvReply(t, replyCtx, hostBus)

	ok, err := codec.NewReader(reply).ReadBool()
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	<-done
}

func TestNodeIgnoresDatagramsNotAddressedToIt(t *testing.T) {
	n, hostBus, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, StartBootloader) }()

	sendRequest(t, hostBus, nodeID+1, commandPayload(t, 5, nil))

	// No reply should arrive; confirm by timing out on Recv.
	replyCtx, replyCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer replyCancel()
	_, err := hostBus.Recv(replyCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	<-done
}

func TestNodeJumpsToApplicationOnBootloaderTimeout(t *testing.T) {
	n, _, rebooter := newTestNode(t)
	n.BootloaderTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = n.Run(ctx, StartBootloader)

	arg, ok := rebooter.LastArg()
	require.True(t, ok)
	// No application has been flashed: ApplicationCRC is the fabricated
	// sentinel and ApplicationSize is 0, so the computed CRC is that of
	// the empty range (0), which does not match; the node must stay in
	// the bootloader rather than jump blind.
	require.Equal(t, StartBootloaderNoTimeout, arg)
}

func TestNodeRepliesWithErrorOnCorruptDatagram(t *testing.T) {
	n, hostBus, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, StartBootloader) }()

	sendCorruptRequest(t, hostBus, nodeID, commandPayload(t, 5, nil))

	replyCtx, replyCancel := context.WithTimeout(context.Background(), time.Second)
	defer replyCancel()
	reply := recvReply(t, replyCtx, hostBus)

	code, err := codec.NewReader(reply).ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(command.ErrorCorruptDatagram), code)

	cancel()
	<-done
}

func TestNodeRepliesWithErrorOnDatagramTimeout(t *testing.T) {
	n, hostBus, _ := newTestNode(t)
	n.DatagramTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, StartBootloader) }()

	// Send only a START frame carrying a partial header; the datagram
	// is never completed, so assembly must time out.
	w := datagram.NewWriter([]uint8{nodeID}, commandPayload(t, 5, nil))
	buf := make([]byte, 8)
	dlc := w.OutputBytes(buf)
	require.Greater(t, dlc, 0)
	var fr busframe.Frame
	fr.DLC = uint8(dlc)
	copy(fr.Data[:], buf[:dlc])
	fr.ID = uint16(nodeID) | busframe.IDStartMask
	require.NoError(t, hostBus.Send(fr))

	replyCtx, replyCancel := context.WithTimeout(context.Background(), time.Second)
	defer replyCancel()
	reply := recvReply(t, replyCtx, hostBus)

	code, err := codec.NewReader(reply).ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(command.ErrorDatagramTimeout), code)

	cancel()
	<-done
}

func TestNodeBroadcastAddressingReachesConfiguredNode(t *testing.T) {
	n, hostBus, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, StartBootloader) }()

	sendRequest(t, hostBus, 0, commandPayload(t, 5, nil))

	replyCtx, replyCancel := context.WithTimeout(context.Background(), time.Second)
	defer replyCancel()
	reply := recvReply(t, replyCtx, hostBus)
	ok, err := codec.NewReader(reply).ReadBool()
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	<-done
}
