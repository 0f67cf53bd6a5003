package crc32

import "testing"

func TestChecksumKnownValue(t *testing.T) {
	// Standard CRC-32/ISO-HDLC check value for ASCII "123456789".
	got := Checksum([]byte("123456789"))
	want := uint32(0xCBF43926)
	if got != want {
		t.Fatalf("Checksum() = 0x%08X, want 0x%08X", got, want)
	}
}

func TestChecksumChainMatchesContiguous(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := Checksum(data)
	chained := ChecksumChain(data[:10], data[10:25], data[25:])
	if whole != chained {
		t.Fatalf("chained CRC 0x%08X != contiguous CRC 0x%08X", chained, whole)
	}
}

func TestSingleBitFlipChangesChecksum(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	original := Checksum(data)

	flipped := make([]byte, len(data))
	copy(flipped, data)
	flipped[2] ^= 0x01

	if Checksum(flipped) == original {
		t.Fatalf("single bit flip did not change checksum")
	}
}
