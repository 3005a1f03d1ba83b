package wire

import (
	"github.com/pkg/errors"

	"github.com/pgkeeper/walproposer/pkg/wal"
)

// PageserverFeedback is the extensible key-value tail of AppendResponse,
// relayed from the pageserver through the safekeeper.
type PageserverFeedback struct {
	CurrentClusterSize  uint64
	LastReceivedLsn     wal.Lsn
	DiskConsistentLsn   wal.Lsn
	RemoteConsistentLsn wal.Lsn
	ReplyTime           int64
}

// AppendTo encodes the block with the current key names: one byte key
// count, then NUL-terminated key, 4-byte value length, value.
func (f *PageserverFeedback) AppendTo(buf []byte) []byte {
	buf = append(buf, 5)
	buf = appendFeedbackKey(buf, "current_timeline_size", f.CurrentClusterSize)
	buf = appendFeedbackKey(buf, "last_received_lsn", uint64(f.LastReceivedLsn))
	buf = appendFeedbackKey(buf, "disk_consistent_lsn", uint64(f.DiskConsistentLsn))
	buf = appendFeedbackKey(buf, "remote_consistent_lsn", uint64(f.RemoteConsistentLsn))
	buf = appendFeedbackKey(buf, "replytime", uint64(f.ReplyTime))
	return buf
}

func appendFeedbackKey(buf []byte, key string, value uint64) []byte {
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = appendUint32(buf, 8)
	buf = appendUint64(buf, value)
	return buf
}

// parsePageserverFeedback decodes the block. Older safekeepers send the
// ps_* key spellings; unknown keys are skipped by their declared length
// so newer senders stay compatible.
func parsePageserverFeedback(r *Reader, f *PageserverFeedback) error {
	nkeys := int(r.Byte())
	for i := 0; i < nkeys; i++ {
		key := r.CString()
		switch key {
		case "current_timeline_size":
			r.Uint32()
			f.CurrentClusterSize = r.Uint64()
		case "ps_writelsn", "last_received_lsn":
			r.Uint32()
			f.LastReceivedLsn = wal.Lsn(r.Uint64())
		case "ps_flushlsn", "disk_consistent_lsn":
			r.Uint32()
			f.DiskConsistentLsn = wal.Lsn(r.Uint64())
		case "ps_applylsn", "remote_consistent_lsn":
			r.Uint32()
			f.RemoteConsistentLsn = wal.Lsn(r.Uint64())
		case "ps_replytime", "replytime":
			r.Uint32()
			f.ReplyTime = int64(r.Uint64())
		default:
			vlen := r.Uint32()
			r.Skip(int(vlen))
		}
		if r.Err() != nil {
			return errors.Wrapf(r.Err(), "parsing feedback key %q", key)
		}
	}
	return nil
}
