package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	buf := make([]byte, 64)
	w := NewWriter(buf)

	require.NoError(t, w.WriteUint8(0x42))
	require.NoError(t, w.WriteUint32(0xDEADBEEF))
	require.NoError(t, w.WriteInt32(-17))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteString("node-42"))
	require.NoError(t, w.WriteBytes([]byte{1, 2, 3, 4}))

	r := NewReader(w.Bytes())

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0x42), u8)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(-17), i32)

	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	s, err := r.ReadString(64)
	require.NoError(t, err)
	require.Equal(t, "node-42", s)

	data, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	require.Equal(t, 0, r.Len())
}

func TestReadBytesIsZeroCopy(t *testing.T) {
	buf := make([]byte, 16)
	w := NewWriter(buf)
	require.NoError(t, w.WriteBytes([]byte{0xAA, 0xBB}))

	backing := w.Bytes()
	r := NewReader(backing)
	data, err := r.ReadBytes()
	require.NoError(t, err)

	// Mutating the reader's backing array must be visible through the
	// returned slice: it is a window, not a copy.
	backing[len(backing)-1] = 0xFF
	require.Equal(t, byte(0xFF), data[len(data)-1])
}

func TestReaderNeverReadsPastBound(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.ReadUint32()
	require.ErrorIs(t, err, ErrShortRead)
	// Position must not have advanced on a failed read.
	require.Equal(t, 0, r.Pos())
}

func TestWriterFailsClosedOnOverflow(t *testing.T) {
	w := NewWriter(make([]byte, 3))
	err := w.WriteString("too long for three bytes")
	require.ErrorIs(t, err, ErrOverflow)
	require.Equal(t, 0, w.Len())
}

func TestMapAndArrayHeaders(t *testing.T) {
	buf := make([]byte, 16)
	w := NewWriter(buf)
	require.NoError(t, w.WriteMapHeader(6))
	require.NoError(t, w.WriteArrayHeader(0))

	r := NewReader(w.Bytes())
	m, err := r.ReadMapHeader()
	require.NoError(t, err)
	require.Equal(t, uint32(6), m)

	a, err := r.ReadArrayHeader()
	require.NoError(t, err)
	require.Equal(t, uint32(0), a)
}
