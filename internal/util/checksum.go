package util

import (
	"fmt"
	"hash/crc32"
)

// Checksum utilities for replication payload integrity
// Uses CRC32 (Castagnoli polynomial) for fast checksum computation

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32-C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// ChecksumHex returns the checksum in the hex form carried on the wire
// in X-Checksum headers.
func ChecksumHex(data []byte) string {
	return fmt.Sprintf("%08x", ComputeChecksum(data))
}

// ValidateChecksum validates data against an expected hex checksum
func ValidateChecksum(data []byte, expected string) bool {
	return ChecksumHex(data) == expected
}
