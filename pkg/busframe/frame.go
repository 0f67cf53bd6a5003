// Package busframe models a single bus frame and the fixed-capacity
// ring buffer used to hand frames from an interrupt-style receiver to
// the main event loop.
package busframe

// IDStartMask marks the first frame of a datagram within the 11-bit
// bus identifier space; continuation frames carry it cleared.
const IDStartMask = 0x100

// Frame is one 0-8 byte packet on the bus, identified by an 11-bit
// value (the node ID, optionally ORed with IDStartMask).
type Frame struct {
	ID   uint16
	DLC  uint8
	Data [8]byte
}

// IsStart reports whether this frame opens a new datagram.
func (f Frame) IsStart() bool { return f.ID&IDStartMask != 0 }

// NodeID returns the identifier with the start bit masked off: the
// source ID on a reply, or the destination/broadcast ID on a request.
func (f Frame) NodeID() uint16 { return f.ID &^ IDStartMask }

// Payload returns the frame's valid data bytes.
func (f Frame) Payload() []byte { return f.Data[:f.DLC] }
