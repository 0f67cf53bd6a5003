package command

import "github.com/fieldnode/busboot/pkg/codec"

// HandlerFunc implements one command: read argc arguments from args,
// write the reply into out.
type HandlerFunc func(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer)

// Entry pairs a wire command index with its handler.
type Entry struct {
	Index   int32
	Handler HandlerFunc
}

// Table is the compile-time ordered command set. Index must match the
// host client's command numbering exactly.
var Table = []Entry{
	{Index: 1, Handler: handleJumpToApplication},
	{Index: 2, Handler: handleCRCRegion},
	{Index: 3, Handler: handleEraseFlashPage},
	{Index: 4, Handler: handleWriteFlash},
	{Index: 5, Handler: handlePing},
	{Index: 6, Handler: handleReadFlash},
	{Index: 7, Handler: handleConfigUpdate},
	{Index: 8, Handler: handleConfigWriteToFlash},
	{Index: 9, Handler: handleConfigRead},
	{Index: 10, Handler: handleGetStatus},
}

func lookup(index int32) HandlerFunc {
	for _, e := range Table {
		if e.Index == index {
			return e.Handler
		}
	}
	return nil
}

// Dispatcher parses a command message out of a datagram payload and
// runs the matching handler.
type Dispatcher struct {
	ctx *Context
}

// NewDispatcher binds a Dispatcher to ctx.
func NewDispatcher(ctx *Context) *Dispatcher {
	return &Dispatcher{ctx: ctx}
}

// Dispatch reads (version int32, index int32, [argc array header])
// from payload, then argc arguments, and writes the handler's reply
// into respBuf. It returns the number of reply bytes written, or a
// negative, negated error code on failure.
func (d *Dispatcher) Dispatch(payload []byte, respBuf []byte) int32 {
	r := codec.NewReader(payload)

	version, err := r.ReadInt32()
	if err != nil {
		return -ErrInvalidCommand
	}
	if version != CommandSetVersion {
		return -ErrInvalidCommandSetVersion
	}

	index, err := r.ReadInt32()
	if err != nil {
		return -ErrInvalidCommand
	}

	argc, err := r.ReadArrayHeader()
	if err != nil {
		// Absence of an array header means zero arguments.
		argc = 0
	}

	handler := lookup(index)
	if handler == nil {
		return -ErrCommandNotFound
	}

	out := codec.NewWriter(respBuf)
	handler(d.ctx, argc, r, out)
	return int32(out.Len())
}

// JumpToApplication runs the JUMP_TO_APPLICATION handler directly,
// bypassing datagram parsing. Node calls this when the bootloader
// grace timer expires without a jump request ever arriving over the
// bus.
func (d *Dispatcher) JumpToApplication() {
	handleJumpToApplication(d.ctx, 0, codec.NewReader(nil), codec.NewWriter(nil))
}
