package proposer

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// testConn is the scripted per-safekeeper connection.
type testConn struct {
	inbox      [][]byte
	sent       [][]byte
	execResult ExecStatus
	failWrites bool
	closed     bool
}

// fatalCalled is panicked out of wp.fatal so tests can assert on
// safety violations that would kill the process.
type fatalCalled struct{ msg string }

// syncFinished models the non-returning FinishSyncSafekeepers.
type syncFinished struct{ lsn wal.Lsn }

// testAPI implements the capability surface in memory, driven
// directly by the tests.
type testAPI struct {
	t  *testing.T
	wp *WalProposer

	shared SharedState
	now    time.Time

	conns map[*Safekeeper]*testConn

	redoStart wal.Lsn
	flushPtr  wal.Lsn

	// WAL served by WalRead: walData[0] sits at walBase.
	walBase wal.Lsn
	walData []byte

	confirmed  []wal.Lsn
	feedbackAt []wal.Lsn

	recoveryCalls []recoveryCall
	recoveryOK    bool

	streamingFrom *wal.Lsn
}

type recoveryCall struct {
	sk       *Safekeeper
	from, to wal.Lsn
}

func newTestAPI(t *testing.T) *testAPI {
	return &testAPI{
		t:          t,
		now:        time.Unix(1700000000, 0),
		conns:      make(map[*Safekeeper]*testConn),
		recoveryOK: true,
	}
}

func (a *testAPI) conn(sk *Safekeeper) *testConn {
	c, ok := a.conns[sk]
	if !ok {
		c = &testConn{execResult: ExecCopyBoth}
		a.conns[sk] = c
	}
	return c
}

func (a *testAPI) SharedState() *SharedState { return &a.shared }

func (a *testAPI) StartStreaming(startPos wal.Lsn) {
	a.streamingFrom = &startPos
}

func (a *testAPI) FlushRecPtr() wal.Lsn { return a.flushPtr }
func (a *testAPI) Now() time.Time       { return a.now }

func (a *testAPI) StrongRandom(buf []byte) bool {
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	return true
}

func (a *testAPI) RedoStartLsn() wal.Lsn { return a.redoStart }

func (a *testAPI) ConnErrorMessage(sk *Safekeeper) string { return "scripted error" }

func (a *testAPI) ConnStatus(sk *Safekeeper) ConnStatus {
	if a.conn(sk).closed {
		return ConnStatusBad
	}
	return ConnStatusOK
}

func (a *testAPI) ConnConnectStart(sk *Safekeeper) {
	a.conn(sk).closed = false
}

func (a *testAPI) ConnConnectPoll(sk *Safekeeper) ConnectPollStatus {
	return ConnectPollOK
}

func (a *testAPI) ConnSendQuery(sk *Safekeeper, query string) bool {
	return query == "START_WAL_PUSH"
}

func (a *testAPI) ConnGetQueryResult(sk *Safekeeper) ExecStatus {
	return a.conn(sk).execResult
}

func (a *testAPI) ConnFlush(sk *Safekeeper) int { return 0 }

func (a *testAPI) ConnClose(sk *Safekeeper) {
	a.conn(sk).closed = true
}

func (a *testAPI) ConnAsyncRead(sk *Safekeeper) ([]byte, AsyncReadResult) {
	c := a.conn(sk)
	if len(c.inbox) == 0 {
		return nil, ReadTryAgain
	}
	buf := c.inbox[0]
	c.inbox = c.inbox[1:]
	return buf, ReadOK
}

func (a *testAPI) ConnAsyncWrite(sk *Safekeeper, buf []byte) AsyncWriteResult {
	c := a.conn(sk)
	if c.failWrites {
		return WriteFailed
	}
	c.sent = append(c.sent, append([]byte(nil), buf...))
	return WriteOK
}

func (a *testAPI) ConnBlockingWrite(sk *Safekeeper, buf []byte) bool {
	c := a.conn(sk)
	if c.failWrites {
		return false
	}
	c.sent = append(c.sent, append([]byte(nil), buf...))
	return true
}

func (a *testAPI) RecoveryDownload(sk *Safekeeper, timeline uint32, startPos, endPos wal.Lsn) bool {
	a.recoveryCalls = append(a.recoveryCalls, recoveryCall{sk: sk, from: startPos, to: endPos})
	return a.recoveryOK
}

func (a *testAPI) WalRead(sk *Safekeeper, buf []byte, startPos wal.Lsn) error {
	for i := range buf {
		buf[i] = 0
	}
	if a.walData != nil {
		off := int(startPos - a.walBase)
		if off >= 0 && off < len(a.walData) {
			copy(buf, a.walData[off:])
		}
	}
	return nil
}

func (a *testAPI) WalReaderAllocate(sk *Safekeeper) {}

func (a *testAPI) InitEventSet(wp *WalProposer)                    {}
func (a *testAPI) FreeEventSet(wp *WalProposer)                    {}
func (a *testAPI) UpdateEventSet(sk *Safekeeper, ev Events)        {}
func (a *testAPI) AddSafekeeperEventSet(sk *Safekeeper, ev Events) {}

func (a *testAPI) WaitEventSet(wp *WalProposer, timeout time.Duration) (*Safekeeper, Events) {
	return nil, EventTimeout
}

func (a *testAPI) FinishSyncSafekeepers(lsn wal.Lsn) {
	panic(syncFinished{lsn: lsn})
}

func (a *testAPI) ProcessSafekeeperFeedback(wp *WalProposer, commitLsn wal.Lsn) {
	a.feedbackAt = append(a.feedbackAt, commitLsn)
}

func (a *testAPI) ConfirmWalStreamed(wp *WalProposer, lsn wal.Lsn) {
	a.confirmed = append(a.confirmed, lsn)
}

func (a *testAPI) AfterElection(wp *WalProposer) {}

// newTestProposer builds an n-node proposer wired to the scripted API,
// with fatal turned into a panic the tests can catch.
func newTestProposer(t *testing.T, n int, sync bool) (*WalProposer, *testAPI) {
	t.Helper()

	api := newTestAPI(t)

	list := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			list += ","
		}
		list += fmt.Sprintf("sk%d:5454", i)
	}

	cfg := &Config{
		SafekeepersList:   list,
		ReconnectTimeout:  time.Second,
		ConnectionTimeout: 10 * time.Second,
		WalSegSize:        wal.DefaultSegmentSize,
		SyncSafekeepers:   sync,
		PgTimeline:        1,
		PgVersion:         160000,
	}

	wp := NewWalProposer(cfg, api, zap.NewNop().Sugar())
	wp.fatal = func(format string, args ...any) {
		panic(fatalCalled{msg: fmt.Sprintf(format, args...)})
	}
	api.wp = wp
	return wp, api
}

// connect drives one safekeeper through connecting and the
// START_WAL_PUSH exchange, leaving it waiting for our greeting's
// answer.
func (a *testAPI) connect(sk *Safekeeper) {
	a.wp.resetConnection(sk)
	a.wp.advancePollState(sk, EventWritable) // connect poll -> OK, query sent
	a.wp.advancePollState(sk, EventReadable) // CopyBoth result, greeting sent
}

// deliver queues an encoded message and lets the state machine read it.
func (a *testAPI) deliver(sk *Safekeeper, msg []byte) {
	c := a.conn(sk)
	c.inbox = append(c.inbox, msg)
	a.wp.advancePollState(sk, sk.state.desiredEvents()&EventReadable)
}

// greet completes the handshake with the given acceptor term.
func (a *testAPI) greet(sk *Safekeeper, term wire.Term, nodeID uint64) {
	g := wire.AcceptorGreeting{Term: term, NodeID: nodeID}
	a.deliver(sk, g.Encode())
}

// vote delivers the given VoteResponse as is, with whatever term it
// carries.
func (a *testAPI) vote(sk *Safekeeper, v wire.VoteResponse) {
	a.deliver(sk, v.Encode())
}

// ack delivers an AppendResponse in the proposer's term.
func (a *testAPI) ack(sk *Safekeeper, flush, commit wal.Lsn) {
	resp := wire.AppendResponse{Term: a.wp.propTerm, FlushLsn: flush, CommitLsn: commit}
	a.deliver(sk, resp.Encode())
}

// sentAppends decodes every AppendRequest written to sk.
func (a *testAPI) sentAppends(sk *Safekeeper) []wire.AppendRequestHeader {
	var out []wire.AppendRequestHeader
	for _, frame := range a.conn(sk).sent {
		r := wire.NewReader(frame)
		tag, err := wire.ReadTag(r)
		if err != nil || tag != wire.TagAppend {
			continue
		}
		hdr, err := wire.DecodeAppendRequestHeader(r)
		if err != nil {
			a.t.Fatalf("bad append request to %s: %v", sk.Host, err)
		}
		out = append(out, hdr)
	}
	return out
}
