package transport

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/proposer"
)

func testAdapter() *Adapter {
	return NewAdapter(Options{
		WalDir:      "testdata",
		SegmentSize: 1 << 20,
		PgTimeline:  1,
	}, zap.NewNop().Sugar())
}

func TestCopyDataFraming(t *testing.T) {
	c := &conn{}
	c.appendCopyData([]byte("hello"))

	require.Len(t, c.pending, 1+4+5)
	assert.Equal(t, byte('d'), c.pending[0])
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(c.pending[1:5]))
	assert.Equal(t, []byte("hello"), c.pending[5:])
}

func TestTryFlushPartialWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := testAdapter()
	c := &conn{a: a, netConn: client}

	// Nothing on the other end reads yet: the short-deadline write
	// cannot finish and the data stays pending.
	c.appendCopyData(make([]byte, 4096))
	assert.Equal(t, 1, c.tryFlush())
	assert.NotEmpty(t, c.pending)

	// Drain the peer and the flush completes.
	done := make(chan struct{})
	go func() {
		io.ReadFull(server, make([]byte, 1+4+4096))
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(c.pending) > 0 {
		require.True(t, time.Now().Before(deadline), "flush never completed")
		c.tryFlush()
	}
	<-done
}

func TestEventSetDelivery(t *testing.T) {
	a := testAdapter()

	sk := &proposer.Safekeeper{}
	c := &conn{a: a, sk: sk, registered: true, interest: proposer.EventReadable}
	sk.Conn = c

	a.post(c, proposer.EventReadable)
	got, ev := a.WaitEventSet(nil, time.Second)
	assert.Same(t, sk, got)
	assert.Equal(t, proposer.EventReadable, ev)
}

func TestEventSetFiltersStaleAndUninterested(t *testing.T) {
	a := testAdapter()

	sk := &proposer.Safekeeper{}
	c := &conn{a: a, sk: sk, registered: true, interest: proposer.EventReadable}
	sk.Conn = c

	// Wrong direction for the current interest: dropped.
	a.post(c, proposer.EventWritable)
	// Unregistered connection: dropped.
	stale := &conn{a: a, sk: sk}
	a.post(stale, proposer.EventReadable)

	_, ev := a.WaitEventSet(nil, 10*time.Millisecond)
	assert.Equal(t, proposer.EventTimeout, ev)
}

func TestLatchWinsOverTimeout(t *testing.T) {
	a := testAdapter()
	a.NotifyNewWal()

	sk, ev := a.WaitEventSet(nil, time.Second)
	assert.Nil(t, sk)
	assert.Equal(t, proposer.EventLatch, ev)
}
