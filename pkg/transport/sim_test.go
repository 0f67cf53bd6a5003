package transport

import (
	"context"
	"testing"
	"time"

	"github.com/fieldnode/busboot/pkg/busframe"
	"github.com/stretchr/testify/require"
)

func TestSimBusPairDelivers(t *testing.T) {
	a, b := NewSimBusPair()
	defer a.Close()
	defer b.Close()

	fr := busframe.Frame{ID: 5 | busframe.IDStartMask, DLC: 3, Data: [8]byte{1, 2, 3}}
	require.NoError(t, a.Send(fr))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, fr, got)
}

func TestSimBusRecvRespectsContext(t *testing.T) {
	a, b := NewSimBusPair()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimBusCloseUnblocksRecv(t *testing.T) {
	a, b := NewSimBusPair()
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
