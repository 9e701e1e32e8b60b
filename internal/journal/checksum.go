package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the CRC32-IEEE checksum of e's key fields.
// Timestamp is excluded.
func Checksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.Worker)
	b.WriteByte('|')
	b.WriteString(e.Detail)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify checks e against its stored checksum.
func Verify(e Event) error {
	if expected := Checksum(e); expected != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
