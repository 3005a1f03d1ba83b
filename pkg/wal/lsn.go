package wal

import "fmt"

// Lsn is a byte position in the WAL stream.
type Lsn uint64

const InvalidLsn Lsn = 0

const (
	// BlockSize is the XLOG page size (XLOG_BLCKSZ).
	BlockSize = 8192

	// MaxSendSize caps a single AppendRequest payload.
	MaxSendSize = 16 * BlockSize

	// Page header sizes. The long header sits at the start of every
	// segment, the short one at the start of every other page.
	ShortHeaderSize = 24
	LongHeaderSize  = 40

	// DefaultSegmentSize is the postgres default wal_segment_size.
	DefaultSegmentSize = 16 * 1024 * 1024
)

func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint32(l))
}

// SegmentOffset returns the byte offset of l inside its segment.
func (l Lsn) SegmentOffset(segSize uint64) uint64 {
	return uint64(l) % segSize
}

// SegmentNo returns the number of the segment containing l.
func (l Lsn) SegmentNo(segSize uint64) uint64 {
	return uint64(l) / segSize
}

// SkipPageHeader advances l past the XLOG page header if it points
// exactly at one. Safekeepers keep the raw stream including headers,
// while the basebackup LSN points at the first record, so positions
// need this correction before being compared.
func (l Lsn) SkipPageHeader(segSize uint64) Lsn {
	if l.SegmentOffset(segSize) == 0 {
		return l + LongHeaderSize
	}
	if uint64(l)%BlockSize == 0 {
		return l + ShortHeaderSize
	}
	return l
}

func Min(a, b Lsn) Lsn {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Lsn) Lsn {
	if a > b {
		return a
	}
	return b
}

// SegmentFileName renders the canonical 24-character WAL file name for
// the segment containing lsn on the given physical timeline.
func SegmentFileName(tli uint32, lsn Lsn, segSize uint64) string {
	segno := lsn.SegmentNo(segSize)
	segsPerXLogID := 0x100000000 / segSize
	return fmt.Sprintf("%08X%08X%08X", tli, segno/segsPerXLogID, segno%segsPerXLogID)
}
