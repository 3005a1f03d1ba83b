package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLsnString(t *testing.T) {
	assert.Equal(t, "0/0", InvalidLsn.String())
	assert.Equal(t, "0/16B9188", Lsn(0x16B9188).String())
	assert.Equal(t, "16/B374D848", Lsn(0x16B374D848).String())
}

func TestSkipPageHeader(t *testing.T) {
	seg := uint64(DefaultSegmentSize)

	// Segment start carries the long header.
	assert.Equal(t, Lsn(DefaultSegmentSize+LongHeaderSize),
		Lsn(DefaultSegmentSize).SkipPageHeader(seg))

	// A page boundary inside the segment carries the short one.
	assert.Equal(t, Lsn(BlockSize+ShortHeaderSize),
		Lsn(BlockSize).SkipPageHeader(seg))

	// Mid-page positions pass through.
	assert.Equal(t, Lsn(BlockSize+100), Lsn(BlockSize+100).SkipPageHeader(seg))
}

func TestSegmentFileName(t *testing.T) {
	seg := uint64(DefaultSegmentSize)
	assert.Equal(t, "000000010000000000000000", SegmentFileName(1, 0, seg))
	assert.Equal(t, "000000010000000000000001", SegmentFileName(1, Lsn(seg), seg))
	// 0x100000000 bytes = 256 default segments roll the middle part.
	assert.Equal(t, "000000010000000100000000", SegmentFileName(1, Lsn(0x100000000), seg))
	assert.Equal(t, "0000000A0000000100000002", SegmentFileName(10, Lsn(0x100000000+2*seg), seg))
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, Lsn(1), Min(1, 2))
	assert.Equal(t, Lsn(2), Max(1, 2))
}
