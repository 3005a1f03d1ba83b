package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"

	"github.com/pgkeeper/walproposer/pkg/proposer"
)

const dialTimeout = 10 * time.Second

// conn is the per-safekeeper connection object hung off Safekeeper.Conn.
// A background goroutine performs the dial and startup exchange, then a
// reader goroutine parses backend messages off the socket and queues
// CopyData payloads; both report progress as readiness events. Writes
// happen on the proposer thread, against a pending buffer flushed with
// short deadlines to keep the nonblocking contract.
type conn struct {
	a    *Adapter
	sk   *proposer.Safekeeper
	addr string

	mu          sync.Mutex
	netConn     net.Conn
	frontend    *pgproto3.Frontend
	dialDone    bool
	readerOn    bool
	closed      bool
	err         error
	execStatus  proposer.ExecStatus
	inbox       [][]byte
	pending     []byte
	flushNotify bool

	interest   proposer.Events
	registered bool
}

func (a *Adapter) ConnConnectStart(sk *proposer.Safekeeper) {
	c := &conn{
		a:          a,
		sk:         sk,
		addr:       net.JoinHostPort(sk.Host, sk.Port),
		execStatus: proposer.ExecNeedsInput,
	}
	sk.Conn = c
	go c.dialAndStartup()
}

// dialAndStartup connects and runs the postgres startup exchange, then
// signals write-readiness so the connect poll can complete.
func (c *conn) dialAndStartup() {
	nc, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		c.finishDial(nil, nil, err)
		return
	}

	frontend := pgproto3.NewFrontend(nc, nc)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     "walproposer",
			"database": "replication",
			"options": fmt.Sprintf("-c timeline_id=%s tenant_id=%s",
				c.a.opts.TimelineID, c.a.opts.TenantID),
		},
	})
	if err := frontend.Flush(); err != nil {
		nc.Close()
		c.finishDial(nil, nil, err)
		return
	}

	for {
		msg, err := frontend.Receive()
		if err != nil {
			nc.Close()
			c.finishDial(nil, nil, err)
			return
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk,
			*pgproto3.ParameterStatus,
			*pgproto3.BackendKeyData,
			*pgproto3.NoticeResponse:
			// Keep going until the backend is ready.
		case *pgproto3.ReadyForQuery:
			c.finishDial(nc, frontend, nil)
			return
		case *pgproto3.ErrorResponse:
			nc.Close()
			c.finishDial(nil, nil, errors.Errorf("%s: %s", m.Severity, m.Message))
			return
		}
	}
}

func (c *conn) finishDial(nc net.Conn, frontend *pgproto3.Frontend, err error) {
	c.mu.Lock()
	c.netConn = nc
	c.frontend = frontend
	c.err = err
	c.dialDone = true
	if c.closed && nc != nil {
		// Torn down while connecting.
		nc.Close()
	}
	c.mu.Unlock()
	c.a.post(c, proposer.EventWritable|proposer.EventReadable)
}

func getConn(sk *proposer.Safekeeper) *conn {
	c, _ := sk.Conn.(*conn)
	return c
}

func (a *Adapter) ConnStatus(sk *proposer.Safekeeper) proposer.ConnStatus {
	c := getConn(sk)
	if c == nil {
		return proposer.ConnStatusBad
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.dialDone:
		return proposer.ConnStatusInProgress
	case c.err != nil:
		return proposer.ConnStatusBad
	default:
		return proposer.ConnStatusOK
	}
}

func (a *Adapter) ConnConnectPoll(sk *proposer.Safekeeper) proposer.ConnectPollStatus {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.dialDone:
		return proposer.ConnectPollWriting
	case c.err != nil:
		return proposer.ConnectPollFailed
	default:
		return proposer.ConnectPollOK
	}
}

func (a *Adapter) ConnErrorMessage(sk *proposer.Safekeeper) string {
	c := getConn(sk)
	if c == nil {
		return "no connection"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return "no error"
	}
	return c.err.Error()
}

// ConnSendQuery issues the simple-protocol query and starts the reader
// that will consume everything the safekeeper sends from here on.
func (a *Adapter) ConnSendQuery(sk *proposer.Safekeeper, query string) bool {
	c := getConn(sk)
	c.frontend.Send(&pgproto3.Query{String: query})
	if err := c.frontend.Flush(); err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		return false
	}
	c.mu.Lock()
	if !c.readerOn {
		c.readerOn = true
		go c.readLoop()
	}
	c.mu.Unlock()
	return true
}

func (a *Adapter) ConnGetQueryResult(sk *proposer.Safekeeper) proposer.ExecStatus {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && c.execStatus == proposer.ExecNeedsInput {
		return proposer.ExecFailed
	}
	return c.execStatus
}

// readLoop drains backend messages: the query result first, then the
// CopyData stream carrying framed protocol messages.
func (c *conn) readLoop() {
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
			c.a.post(c, proposer.EventReadable)
			return
		}

		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse:
			c.mu.Lock()
			c.execStatus = proposer.ExecCopyBoth
			c.mu.Unlock()
			c.a.post(c, proposer.EventReadable)

		case *pgproto3.CopyData:
			// Receive reuses its buffer between messages.
			data := make([]byte, len(m.Data))
			copy(data, m.Data)
			c.mu.Lock()
			c.inbox = append(c.inbox, data)
			c.mu.Unlock()
			c.a.post(c, proposer.EventReadable)

		case *pgproto3.ErrorResponse:
			c.mu.Lock()
			c.err = errors.Errorf("%s: %s", m.Severity, m.Message)
			if c.execStatus == proposer.ExecNeedsInput {
				c.execStatus = proposer.ExecFailed
			}
			c.mu.Unlock()
			c.a.post(c, proposer.EventReadable)
			return

		case *pgproto3.NoticeResponse:
			c.a.log.Infof("notice from %s: %s", c.addr, m.Message)

		case *pgproto3.CommandComplete, *pgproto3.ReadyForQuery,
			*pgproto3.RowDescription, *pgproto3.DataRow:
			c.mu.Lock()
			if c.execStatus == proposer.ExecNeedsInput {
				// Some success result other than CopyBoth.
				c.execStatus = proposer.ExecUnexpectedSuccess
			}
			c.mu.Unlock()
			c.a.post(c, proposer.EventReadable)
		}
	}
}

func (a *Adapter) ConnAsyncRead(sk *proposer.Safekeeper) ([]byte, proposer.AsyncReadResult) {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) > 0 {
		buf := c.inbox[0]
		c.inbox = c.inbox[1:]
		return buf, proposer.ReadOK
	}
	if c.err != nil {
		return nil, proposer.ReadFailed
	}
	return nil, proposer.ReadTryAgain
}

// appendCopyData frames buf as a CopyData message onto the pending
// write buffer.
func (c *conn) appendCopyData(buf []byte) {
	c.pending = append(c.pending, 'd')
	c.pending = binary.BigEndian.AppendUint32(c.pending, uint32(len(buf)+4))
	c.pending = append(c.pending, buf...)
}

// tryFlush pushes pending bytes with a short write deadline so a slow
// peer cannot stall the state machine: 0 drained, 1 partial, -1 error.
func (c *conn) tryFlush() int {
	if len(c.pending) == 0 {
		return 0
	}
	c.netConn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := c.netConn.Write(c.pending)
	c.netConn.SetWriteDeadline(time.Time{})

	c.pending = append(c.pending[:0:0], c.pending[n:]...)
	if len(c.pending) == 0 {
		return 0
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		c.scheduleFlushNotify()
		return 1
	}
	if err != nil {
		c.err = err
		return -1
	}
	c.scheduleFlushNotify()
	return 1
}

// scheduleFlushNotify arranges a write-readiness event shortly, since
// there is no poller to tell us when the socket drains.
func (c *conn) scheduleFlushNotify() {
	if c.flushNotify {
		return
	}
	c.flushNotify = true
	go func() {
		time.Sleep(2 * time.Millisecond)
		c.mu.Lock()
		c.flushNotify = false
		c.mu.Unlock()
		c.a.post(c, proposer.EventWritable)
	}()
}

func (a *Adapter) ConnAsyncWrite(sk *proposer.Safekeeper, buf []byte) proposer.AsyncWriteResult {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendCopyData(buf)
	switch c.tryFlush() {
	case 0:
		return proposer.WriteOK
	case 1:
		return proposer.WriteTryFlush
	default:
		return proposer.WriteFailed
	}
}

func (a *Adapter) ConnFlush(sk *proposer.Safekeeper) int {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryFlush()
}

func (a *Adapter) ConnBlockingWrite(sk *proposer.Safekeeper, buf []byte) bool {
	c := getConn(sk)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendCopyData(buf)
	c.netConn.SetWriteDeadline(time.Time{})
	for len(c.pending) > 0 {
		n, err := c.netConn.Write(c.pending)
		if err != nil {
			c.err = err
			return false
		}
		c.pending = c.pending[n:]
	}
	return true
}

func (a *Adapter) ConnClose(sk *proposer.Safekeeper) {
	c := getConn(sk)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	c.registered = false
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.mu.Unlock()
	sk.Conn = nil
}
