// Package transport implements the proposer capability surface over
// real postgres-protocol TCP connections to safekeepers, with a
// channel-based event set standing in for the host latch/socket wait.
package transport

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/proposer"
	"github.com/pgkeeper/walproposer/pkg/wal"
)

// Options carries everything the adapter needs besides the proposer
// configuration itself.
type Options struct {
	WalDir       string
	SegmentSize  uint64
	PgTimeline   uint32
	TenantID     string
	TimelineID   string
	RedoStartLsn wal.Lsn

	// PollInterval is how often the WAL directory is rechecked for
	// growth while streaming.
	PollInterval time.Duration
}

type Adapter struct {
	log    *zap.SugaredLogger
	opts   Options
	shared *proposer.SharedState

	wp *proposer.WalProposer

	events chan readiness
	walCh  chan struct{}

	nextSlot int

	readers map[*proposer.Safekeeper]*wal.Reader

	// lastFlushLsn is read from both the poll loop and the WAL
	// watcher goroutine.
	lastFlushLsn atomic.Uint64
}

var _ proposer.API = (*Adapter)(nil)

func NewAdapter(opts Options, log *zap.SugaredLogger) *Adapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Adapter{
		log:     log,
		opts:    opts,
		shared:  &proposer.SharedState{},
		events:  make(chan readiness, 1024),
		walCh:   make(chan struct{}, 1),
		readers: make(map[*proposer.Safekeeper]*wal.Reader),
	}
}

func (a *Adapter) SharedState() *proposer.SharedState {
	return a.shared
}

func (a *Adapter) Now() time.Time {
	return time.Now()
}

func (a *Adapter) StrongRandom(buf []byte) bool {
	_, err := rand.Read(buf)
	return err == nil
}

func (a *Adapter) RedoStartLsn() wal.Lsn {
	return a.opts.RedoStartLsn
}

// FlushRecPtr reports the end of durable WAL in the watched directory,
// monotonic even if the directory scan briefly goes backwards.
func (a *Adapter) FlushRecPtr() wal.Lsn {
	lsn, err := wal.FlushLsn(a.opts.WalDir, a.opts.SegmentSize)
	if err != nil {
		a.log.Warnf("cannot determine flush position: %v", err)
		return wal.Lsn(a.lastFlushLsn.Load())
	}
	for {
		cur := a.lastFlushLsn.Load()
		if uint64(lsn) <= cur {
			return wal.Lsn(cur)
		}
		if a.lastFlushLsn.CompareAndSwap(cur, uint64(lsn)) {
			return lsn
		}
	}
}

// NotifyNewWal sets the latch, waking the poll loop.
func (a *Adapter) NotifyNewWal() {
	select {
	case a.walCh <- struct{}{}:
	default:
	}
}

// StartStreaming is the host streaming loop: broadcast whatever WAL
// shows up, poll in between. Never returns.
func (a *Adapter) StartStreaming(startPos wal.Lsn) {
	a.log.Infof("starting streaming from %s", startPos)

	go func() {
		last := startPos
		for {
			time.Sleep(a.opts.PollInterval)
			if cur := a.FlushRecPtr(); cur > last {
				last = cur
				a.NotifyNewWal()
			}
		}
	}()

	avail := startPos
	for {
		if flushed := a.FlushRecPtr(); flushed > avail {
			a.wp.Broadcast(avail, flushed)
			avail = flushed
		}
		a.wp.Poll()
	}
}

func (a *Adapter) WalReaderAllocate(sk *proposer.Safekeeper) {
	a.readers[sk] = wal.NewReader(a.opts.WalDir, a.opts.PgTimeline, a.opts.SegmentSize)
}

func (a *Adapter) WalRead(sk *proposer.Safekeeper, buf []byte, startPos wal.Lsn) error {
	return a.readers[sk].ReadAt(buf, startPos)
}

// FinishSyncSafekeepers prints the commit position for the caller of
// --sync mode and exits. Never returns.
func (a *Adapter) FinishSyncSafekeepers(lsn wal.Lsn) {
	fmt.Println(lsn)
	os.Exit(0)
}

func (a *Adapter) ProcessSafekeeperFeedback(wp *proposer.WalProposer, commitLsn wal.Lsn) {
	a.log.Debugf("quorum committed up to %s", commitLsn)
}

func (a *Adapter) ConfirmWalStreamed(wp *proposer.WalProposer, lsn wal.Lsn) {
	a.log.Debugf("WAL below %s is replicated everywhere", lsn)
}

func (a *Adapter) AfterElection(wp *proposer.WalProposer) {}
