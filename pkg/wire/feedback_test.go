package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeKey(buf []byte, key string, value uint64) []byte {
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = appendUint32(buf, 8)
	buf = appendUint64(buf, value)
	return buf
}

func TestFeedbackUnknownKeysAreSkipped(t *testing.T) {
	buf := []byte{3}
	buf = encodeKey(buf, "last_received_lsn", 0x5000)

	// An unknown key with an arbitrary-length value.
	buf = append(buf, "shiny_new_metric"...)
	buf = append(buf, 0)
	buf = appendUint32(buf, 5)
	buf = append(buf, 1, 2, 3, 4, 5)

	buf = encodeKey(buf, "replytime", 777)

	var f PageserverFeedback
	r := NewReader(buf)
	require.NoError(t, parsePageserverFeedback(r, &f))
	assert.Equal(t, uint64(0x5000), uint64(f.LastReceivedLsn))
	assert.Equal(t, int64(777), f.ReplyTime)
	assert.Zero(t, f.CurrentClusterSize)
}

func TestFeedbackLegacyKeySpellings(t *testing.T) {
	buf := []byte{4}
	buf = encodeKey(buf, "ps_writelsn", 0x100)
	buf = encodeKey(buf, "ps_flushlsn", 0x200)
	buf = encodeKey(buf, "ps_applylsn", 0x300)
	buf = encodeKey(buf, "ps_replytime", 400)

	var f PageserverFeedback
	r := NewReader(buf)
	require.NoError(t, parsePageserverFeedback(r, &f))
	assert.Equal(t, uint64(0x100), uint64(f.LastReceivedLsn))
	assert.Equal(t, uint64(0x200), uint64(f.DiskConsistentLsn))
	assert.Equal(t, uint64(0x300), uint64(f.RemoteConsistentLsn))
	assert.Equal(t, int64(400), f.ReplyTime)
}

func TestFeedbackTruncatedValueFails(t *testing.T) {
	buf := []byte{1}
	buf = append(buf, "current_timeline_size"...)
	buf = append(buf, 0)
	buf = appendUint32(buf, 8)
	buf = append(buf, 1, 2, 3) // value cut short

	var f PageserverFeedback
	r := NewReader(buf)
	assert.Error(t, parsePageserverFeedback(r, &f))
}
