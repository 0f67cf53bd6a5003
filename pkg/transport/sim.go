package transport

import (
	"context"
	"errors"

	"github.com/fieldnode/busboot/pkg/busframe"
)

// ErrClosed is returned by Send/Recv once a SimBus end has been closed.
var ErrClosed = errors.New("transport: bus closed")

// SimBus is an in-process, two-ended channel pair standing in for a
// physical bus in tests: writes on one end arrive as reads on the
// other.
type SimBus struct {
	out    chan busframe.Frame
	in     chan busframe.Frame
	closed chan struct{}
}

// NewSimBusPair returns two SimBus ends wired to each other.
func NewSimBusPair() (a, b *SimBus) {
	ab := make(chan busframe.Frame, 64)
	ba := make(chan busframe.Frame, 64)
	closed := make(chan struct{})
	return &SimBus{out: ab, in: ba, closed: closed}, &SimBus{out: ba, in: ab, closed: closed}
}

func (s *SimBus) Send(fr busframe.Frame) error {
	select {
	case s.out <- fr:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *SimBus) Recv(ctx context.Context) (busframe.Frame, error) {
	select {
	case fr := <-s.in:
		return fr, nil
	case <-s.closed:
		return busframe.Frame{}, ErrClosed
	case <-ctx.Done():
		return busframe.Frame{}, ctx.Err()
	}
}

func (s *SimBus) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
