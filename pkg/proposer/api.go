package proposer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// Events is a readiness bitmask returned from the event-set wait.
type Events uint32

const (
	NoEvents      Events = 0
	EventLatch    Events = 1 << 0
	EventReadable Events = 1 << 1
	EventWritable Events = 1 << 2
	EventTimeout  Events = 1 << 3
)

// FormatEvents renders each bit distinctly, for log lines.
func FormatEvents(ev Events) string {
	out := []byte{'_', '_', '_', '_'}
	if ev&EventLatch != 0 {
		out[0] = 'L'
	}
	if ev&EventReadable != 0 {
		out[1] = 'R'
	}
	if ev&EventWritable != 0 {
		out[2] = 'W'
	}
	if ev&EventTimeout != 0 {
		out[3] = 'T'
	}
	return string(out)
}

// ConnStatus mirrors the connection status after a connect attempt.
type ConnStatus int

const (
	ConnStatusOK ConnStatus = iota
	ConnStatusBad
	ConnStatusInProgress
)

// ConnectPollStatus is the result of polling an in-flight connect.
type ConnectPollStatus int

const (
	ConnectPollFailed ConnectPollStatus = iota
	ConnectPollReading
	ConnectPollWriting
	ConnectPollOK
)

// ExecStatus is the result of reading a query result.
type ExecStatus int

const (
	// ExecCopyBoth means the single expected CopyBoth result arrived.
	ExecCopyBoth ExecStatus = iota
	// ExecUnexpectedSuccess is any other success result.
	ExecUnexpectedSuccess
	// ExecNeedsInput means no result yet; wait for read-ready.
	ExecNeedsInput
	ExecFailed
)

// AsyncReadResult is the outcome of a nonblocking framed read.
type AsyncReadResult int

const (
	ReadOK AsyncReadResult = iota
	ReadTryAgain
	ReadFailed
)

// AsyncWriteResult is the outcome of a nonblocking framed write.
type AsyncWriteResult int

const (
	WriteOK AsyncWriteResult = iota
	// WriteTryFlush means the write started but needs Flush calls to
	// finish; wait until the socket is read- or write-ready.
	WriteTryFlush
	WriteFailed
)

// API is the capability surface the proposer core consumes. The host
// provides one implementation per WalProposer: transport, event set,
// time, randomness, WAL access and lifecycle callbacks.
type API interface {
	// SharedState returns the block shared with the host process.
	SharedState() *SharedState

	// StartStreaming hands control to the host streaming loop, which
	// feeds Broadcast and Poll forever. Does not return.
	StartStreaming(startPos wal.Lsn)

	// FlushRecPtr is the end of WAL produced by the host so far.
	FlushRecPtr() wal.Lsn

	Now() time.Time
	StrongRandom(buf []byte) bool

	// RedoStartLsn is the basebackup start position of the host.
	RedoStartLsn() wal.Lsn

	ConnErrorMessage(sk *Safekeeper) string
	ConnStatus(sk *Safekeeper) ConnStatus
	ConnConnectStart(sk *Safekeeper)
	ConnConnectPoll(sk *Safekeeper) ConnectPollStatus
	ConnSendQuery(sk *Safekeeper, query string) bool
	ConnGetQueryResult(sk *Safekeeper) ExecStatus
	// ConnFlush drains buffered output: 0 done, 1 partial, -1 error.
	ConnFlush(sk *Safekeeper) int
	ConnClose(sk *Safekeeper)
	ConnAsyncRead(sk *Safekeeper) ([]byte, AsyncReadResult)
	ConnAsyncWrite(sk *Safekeeper, buf []byte) AsyncWriteResult
	ConnBlockingWrite(sk *Safekeeper, buf []byte) bool

	// RecoveryDownload fetches [startPos, endPos) from the donor and
	// makes it readable through WalRead.
	RecoveryDownload(sk *Safekeeper, timeline uint32, startPos, endPos wal.Lsn) bool
	WalRead(sk *Safekeeper, buf []byte, startPos wal.Lsn) error
	WalReaderAllocate(sk *Safekeeper)

	InitEventSet(wp *WalProposer)
	FreeEventSet(wp *WalProposer)
	UpdateEventSet(sk *Safekeeper, ev Events)
	AddSafekeeperEventSet(sk *Safekeeper, ev Events)
	// WaitEventSet blocks until readiness, the WAL latch or the
	// timeout. A negative timeout waits forever.
	WaitEventSet(wp *WalProposer, timeout time.Duration) (*Safekeeper, Events)

	// FinishSyncSafekeepers terminates the process after a successful
	// sync run. Does not return.
	FinishSyncSafekeepers(lsn wal.Lsn)

	// ProcessSafekeeperFeedback propagates the quorum commit position
	// to the host after each batch of responses.
	ProcessSafekeeperFeedback(wp *WalProposer, commitLsn wal.Lsn)

	// ConfirmWalStreamed tells the host WAL below lsn is replicated
	// everywhere and may be recycled.
	ConfirmWalStreamed(wp *WalProposer, lsn wal.Lsn)

	// AfterElection runs between winning the election and announcing
	// it, before recovery.
	AfterElection(wp *WalProposer)
}

// SharedState is the only memory shared with the host process. The
// mutex scope is a single field read or update.
type SharedState struct {
	mu                  sync.Mutex
	feedback            wire.PageserverFeedback
	mineLastElectedTerm wire.Term

	backpressureThrottlingTime atomic.Uint64
	timelineStartLsnMismatches atomic.Uint64
}

func (s *SharedState) Feedback() wire.PageserverFeedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback
}

func (s *SharedState) SetFeedback(f wire.PageserverFeedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = f
}

func (s *SharedState) MineLastElectedTerm() wire.Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mineLastElectedTerm
}

func (s *SharedState) SetMineLastElectedTerm(t wire.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mineLastElectedTerm = t
}

func (s *SharedState) AddBackpressureThrottling(d time.Duration) {
	s.backpressureThrottlingTime.Add(uint64(d))
}

func (s *SharedState) BackpressureThrottling() time.Duration {
	return time.Duration(s.backpressureThrottlingTime.Load())
}

// TimelineStartLsnMismatches counts acceptors disagreeing on the
// timeline start during elections; surfaced through the monitor.
func (s *SharedState) TimelineStartLsnMismatches() uint64 {
	return s.timelineStartLsnMismatches.Load()
}

func (s *SharedState) noteTimelineStartLsnMismatch() {
	s.timelineStartLsnMismatches.Add(1)
}
