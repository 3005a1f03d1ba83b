package proposer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

func TestQuorumSize(t *testing.T) {
	for n, q := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		wp, _ := newTestProposer(t, n, false)
		assert.Equal(t, q, wp.Quorum(), "n=%d", n)
	}
}

func TestTermFixedAfterQuorum(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}

	api.greet(sks[0], 5, 1)
	require.Equal(t, wire.Term(5), wp.Term(), "before quorum the term only tracks the highest greeted term")

	api.greet(sks[1], 3, 2)
	// Quorum of greetings: term is max(5, 3) + 1 and permanent.
	require.Equal(t, wire.Term(6), wp.Term())

	api.greet(sks[2], 4, 3)
	assert.Equal(t, wire.Term(6), wp.Term(), "term must not change after quorum")

	// Everyone who greeted got a vote request.
	for _, sk := range sks {
		assert.Equal(t, StateWaitVerdict, sk.State())
	}
}

func TestHigherTermGreetingAfterQuorumIsFatal(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)

	require.PanicsWithValue(t,
		fatalCalled{msg: "WAL acceptor sk2:5454 with term 100 rejects our connection request with term 6"},
		func() { api.greet(sks[2], 100, 3) })
}

func TestVoteRejectionIsFatal(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)

	defer func() {
		_, ok := recover().(fatalCalled)
		require.True(t, ok, "rejected vote while needing votes must be fatal")
	}()
	api.vote(sks[0], wire.VoteResponse{Term: 7, VoteGiven: 0})
	t.Fatal("not reached")
}

// electCleanly drives a 3-node bootstrap election: empty histories,
// nothing flushed anywhere, redo start at redo.
func electCleanly(t *testing.T, wp *WalProposer, api *testAPI, redo wal.Lsn) {
	t.Helper()
	api.redoStart = redo
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)
	api.greet(sks[2], 5, 3)
	for _, sk := range sks {
		api.vote(sk, wire.VoteResponse{Term: wp.Term(), VoteGiven: 1})
	}
}

func TestBootstrapElection(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	electCleanly(t, wp, api, 0x100)

	// Nothing flushed anywhere: epoch start comes from the basebackup.
	assert.Equal(t, wal.Lsn(0x100), wp.EpochStartLsn())
	assert.Equal(t, wal.Lsn(0x100), wp.TruncateLsn())
	assert.Equal(t, wire.TermHistory{{Term: 6, Lsn: 0x100}}, wp.propTermHistory)
	assert.Equal(t, wire.Term(6), api.shared.MineLastElectedTerm())

	require.NotNil(t, api.streamingFrom)
	assert.Equal(t, wal.Lsn(0x100), *api.streamingFrom)
	assert.Empty(t, api.recoveryCalls)

	for _, sk := range wp.Safekeepers() {
		assert.Equal(t, StateActive, sk.State())
		assert.Equal(t, wal.Lsn(0x100), sk.startStreamingAt)
	}
}

func TestDonorSelection(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	api.redoStart = 0x1F0
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)
	api.greet(sks[2], 5, 3)

	votes := []wire.VoteResponse{
		{Term: 6, VoteGiven: 1, FlushLsn: 0x200, TruncateLsn: 0x100,
			TermHistory: wire.TermHistory{{Term: 4, Lsn: 0x100}}, TimelineStartLsn: 0x100},
		{Term: 6, VoteGiven: 1, FlushLsn: 0x180, TruncateLsn: 0x100,
			TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x150}}, TimelineStartLsn: 0x100},
		{Term: 6, VoteGiven: 1, FlushLsn: 0x1F0, TruncateLsn: 0x100,
			TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x150}}, TimelineStartLsn: 0x100},
	}

	// Index 2 must win on (epoch, flushLsn): it beats index 0 on
	// epoch and index 1 on flush position.
	api.vote(sks[0], votes[0])
	api.vote(sks[2], votes[2])

	assert.Equal(t, 2, wp.donor)
	assert.Equal(t, wire.Term(5), wp.donorEpoch)
	assert.Equal(t, wal.Lsn(0x1F0), wp.EpochStartLsn())
	assert.Equal(t, wal.Lsn(0x100), wp.TruncateLsn())

	// The gap [truncateLsn, epochStartLsn) was fetched from the donor.
	require.Len(t, api.recoveryCalls, 1)
	assert.Same(t, sks[2], api.recoveryCalls[0].sk)
	assert.Equal(t, wal.Lsn(0x100), api.recoveryCalls[0].from)
	assert.Equal(t, wal.Lsn(0x1F0), api.recoveryCalls[0].to)

	// Divergence-point math per safekeeper: no common point for the
	// stale-epoch one, flush-bounded resume for the others.
	api.vote(sks[1], votes[1])
	assert.Equal(t, wal.Lsn(0x150), sks[0].startStreamingAt)
	assert.Equal(t, wal.Lsn(0x180), sks[1].startStreamingAt)
	assert.Equal(t, wal.Lsn(0x1F0), sks[2].startStreamingAt)

	for _, sk := range sks {
		assert.LessOrEqual(t, wp.TruncateLsn(), sk.startStreamingAt)
		assert.LessOrEqual(t, sk.startStreamingAt, wp.availableLsn)
	}
}

func TestEmptySafekeeperJoins(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	api.redoStart = 0x300
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)
	api.greet(sks[2], 5, 3)

	established := wire.VoteResponse{Term: 6, VoteGiven: 1, FlushLsn: 0x300, TruncateLsn: 0x300,
		TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x100}}, TimelineStartLsn: 0x100}

	api.vote(sks[0], established)
	api.vote(sks[1], established)

	// The newcomer has nothing at all: its resume point would land
	// before the truncate horizon and must be clamped up to it.
	api.vote(sks[2], wire.VoteResponse{Term: 6, VoteGiven: 1})
	assert.Equal(t, wal.Lsn(0x300), sks[2].startStreamingAt)
	assert.Equal(t, StateActive, sks[2].State())
}

func TestTimelineStartLsnMismatchIsCounted(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	api.redoStart = 0x200
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)

	api.vote(sks[0], wire.VoteResponse{Term: 6, VoteGiven: 1, FlushLsn: 0x200, TruncateLsn: 0x200,
		TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x100}}, TimelineStartLsn: 0x100})
	api.vote(sks[1], wire.VoteResponse{Term: 6, VoteGiven: 1, FlushLsn: 0x200, TruncateLsn: 0x200,
		TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x100}}, TimelineStartLsn: 0x180})

	assert.Equal(t, uint64(1), api.shared.TimelineStartLsnMismatches())
}

func TestBasebackupMismatchIsFatal(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	api.redoStart = 0x999
	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)

	v := wire.VoteResponse{Term: 6, VoteGiven: 1, FlushLsn: 0x200, TruncateLsn: 0x200,
		TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x100}}, TimelineStartLsn: 0x100}

	api.vote(sks[0], v)
	defer func() {
		_, ok := recover().(fatalCalled)
		require.True(t, ok, "basebackup not matching the epoch start must be fatal")
	}()
	api.vote(sks[1], v)
	t.Fatal("not reached")
}

func TestBasebackupMismatchAllowedOnSelfRestart(t *testing.T) {
	wp, api := newTestProposer(t, 3, false)
	api.redoStart = 0x999
	// The donor's last term is our own previous election: a plain
	// restart, so the mismatch is expected and allowed.
	api.shared.SetMineLastElectedTerm(5)

	sks := wp.Safekeepers()
	for _, sk := range sks {
		api.connect(sk)
	}
	api.greet(sks[0], 5, 1)
	api.greet(sks[1], 5, 2)

	v := wire.VoteResponse{Term: 6, VoteGiven: 1, FlushLsn: 0x200, TruncateLsn: 0x200,
		TermHistory: wire.TermHistory{{Term: 5, Lsn: 0x100}}, TimelineStartLsn: 0x100}
	api.vote(sks[0], v)
	api.vote(sks[1], v)

	assert.Equal(t, wire.Term(6), api.shared.MineLastElectedTerm())
	assert.Equal(t, wal.Lsn(0x200), wp.EpochStartLsn())
}
