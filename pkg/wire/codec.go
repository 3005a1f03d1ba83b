package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Reader is a cursor over one framed protocol message. Reads past the
// end set a sticky error instead of panicking, checked once at the end.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Uint32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) Byte() byte {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// CString reads a NUL-terminated string.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.fail()
	return ""
}

func (r *Reader) Skip(n int) {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) {
		r.fail()
		return
	}
	r.off += n
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = errors.New("message too short")
	}
	r.off = len(r.buf)
}

func (r *Reader) Err() error {
	return r.err
}

// Finish reports success only if the whole message was consumed.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return errors.Errorf("%d trailing bytes in message", len(r.buf)-r.off)
	}
	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}
