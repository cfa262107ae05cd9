package cryptoutils

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 checksum the key backend uses for
// integrity fields. The backend's checksum variant is not guaranteed to
// match this recompute; callers treat a mismatch as a soft signal, not a
// hard gate.
func CRC32C(data []byte) int64 {
	return int64(crc32.Checksum(data, castagnoliTable))
}
