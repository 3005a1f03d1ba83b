package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSegSize = uint64(1 << 20)

func writeSegment(t *testing.T, dir string, tli uint32, lsn Lsn, data []byte) {
	t.Helper()
	name := SegmentFileName(tli, lsn, testSegSize)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestReaderCrossesSegments(t *testing.T) {
	dir := t.TempDir()

	seg0 := bytes.Repeat([]byte{0xAA}, int(testSegSize))
	seg1 := bytes.Repeat([]byte{0xBB}, int(testSegSize))
	writeSegment(t, dir, 1, 0, seg0)
	writeSegment(t, dir, 1, Lsn(testSegSize), seg1)

	r := NewReader(dir, 1, testSegSize)
	defer r.Close()

	buf := make([]byte, 100)
	require.NoError(t, r.ReadAt(buf, Lsn(testSegSize-50)))
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 50), buf[:50])
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 50), buf[50:])
}

func TestReaderMissingSegment(t *testing.T) {
	r := NewReader(t.TempDir(), 1, testSegSize)
	defer r.Close()
	assert.Error(t, r.ReadAt(make([]byte, 10), 0))
}

func TestFlushLsn(t *testing.T) {
	dir := t.TempDir()

	lsn, err := FlushLsn(dir, testSegSize)
	require.NoError(t, err)
	assert.Equal(t, InvalidLsn, lsn, "empty directory has no WAL")

	writeSegment(t, dir, 1, 0, bytes.Repeat([]byte{1}, int(testSegSize)))
	writeSegment(t, dir, 1, Lsn(testSegSize), bytes.Repeat([]byte{1}, 4096))

	lsn, err = FlushLsn(dir, testSegSize)
	require.NoError(t, err)
	assert.Equal(t, Lsn(testSegSize+4096), lsn)
}
