// Package transport carries bus frames between a Node and the
// physical link. A real deployment sits on an actual CAN controller;
// this module stands in for that hardware with a UART link framed
// around a frame's 11-bit identifier/DLC/data shape.
package transport

import (
	"context"

	"github.com/fieldnode/busboot/pkg/busframe"
)

// Bus is the minimal duplex transport a Node needs.
type Bus interface {
	// Send transmits one bus frame.
	Send(fr busframe.Frame) error
	// Recv blocks until a frame arrives, ctx is done, or the bus
	// errors out.
	Recv(ctx context.Context) (busframe.Frame, error)
	Close() error
}
