package telemetry

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestAuditCBORRoundTrip(t *testing.T) {
	a := Audit{Destinations: []uint8{0, 3}, PayloadLen: 42, Status: 1}

	data, err := cbor.Marshal(a)
	require.NoError(t, err)

	var got Audit
	require.NoError(t, cbor.Unmarshal(data, &got))
	require.Equal(t, a, got)
}
