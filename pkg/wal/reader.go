package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Reader serves byte ranges of the WAL stream out of a directory of
// segment files, the way a walsender reads from pg_wal.
type Reader struct {
	dir      string
	timeline uint32
	segSize  uint64

	file   *os.File
	segno  uint64
	opened bool
}

func NewReader(dir string, timeline uint32, segSize uint64) *Reader {
	return &Reader{dir: dir, timeline: timeline, segSize: segSize}
}

// ReadAt fills buf with WAL bytes starting at startPos, crossing
// segment boundaries as needed.
func (r *Reader) ReadAt(buf []byte, startPos Lsn) error {
	pos := startPos
	for len(buf) > 0 {
		segno := pos.SegmentNo(r.segSize)
		if !r.opened || r.segno != segno {
			if err := r.openSegment(segno, pos); err != nil {
				return err
			}
		}
		off := pos.SegmentOffset(r.segSize)
		n := uint64(len(buf))
		if off+n > r.segSize {
			n = r.segSize - off
		}
		if _, err := r.file.ReadAt(buf[:n], int64(off)); err != nil {
			r.Close()
			return errors.Wrapf(err, "reading %d bytes at %s", n, pos)
		}
		buf = buf[n:]
		pos += Lsn(n)
	}
	return nil
}

func (r *Reader) openSegment(segno uint64, pos Lsn) error {
	r.Close()
	name := SegmentFileName(r.timeline, pos, r.segSize)
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return errors.Wrapf(err, "opening WAL segment %s", name)
	}
	r.file = f
	r.segno = segno
	r.opened = true
	return nil
}

func (r *Reader) Close() {
	if r.opened {
		r.file.Close()
		r.opened = false
	}
}

// FlushLsn estimates the end of durable WAL in dir: the highest
// segment's base position plus its current size. Partial trailing
// segments are the normal case while the database is writing.
func FlushLsn(dir string, segSize uint64) (Lsn, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return InvalidLsn, errors.Wrap(err, "listing WAL directory")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) == 24 {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return InvalidLsn, nil
	}
	sort.Strings(names)
	last := names[len(names)-1]

	var tli uint32
	var hi, lo uint64
	if n, err := fmt.Sscanf(last, "%8x%8x%8x", &tli, &hi, &lo); n != 3 || err != nil {
		return InvalidLsn, errors.Wrapf(err, "parsing segment name %s", last)
	}
	segsPerXLogID := 0x100000000 / segSize
	segno := hi*segsPerXLogID + lo

	info, err := os.Stat(filepath.Join(dir, last))
	if err != nil {
		return InvalidLsn, err
	}
	size := uint64(info.Size())
	if size > segSize {
		size = segSize
	}
	return Lsn(segno*segSize + size), nil
}
