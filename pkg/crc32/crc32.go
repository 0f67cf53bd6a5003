// Package crc32 provides the single checksum used throughout the
// protocol: standard CRC-32 (polynomial 0xEDB88320, reflected), with
// a chainable seed so it can be computed over discontiguous byte
// ranges (datagram header + payload, or config page header + body).
package crc32

import "hash/crc32"

var table = crc32.MakeTable(crc32.IEEE)

// Compute continues a CRC-32 computation started with seed over data.
// stdlib's Update already folds in the standard init/final-XOR
// convention, so seed 0 starts a fresh computation and the result
// needs no further inversion.
func Compute(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, table, data)
}

// Checksum computes the standard CRC-32 of a single contiguous byte
// range.
func Checksum(data []byte) uint32 {
	return Compute(0, data)
}

// ChecksumChain computes the CRC-32 over several ranges as though they
// were concatenated, without actually copying them together.
func ChecksumChain(ranges ...[]byte) uint32 {
	crc := uint32(0)
	for _, r := range ranges {
		crc = Compute(crc, r)
	}
	return crc
}
