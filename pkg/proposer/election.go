package proposer

import (
	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// sendProposerGreeting opens the handshake; the response is awaited in
// StateHandshakeRecv.
func (wp *WalProposer) sendProposerGreeting(sk *Safekeeper) {
	wp.blockingWrite(sk, wp.greetRequest.Encode(), StateHandshakeRecv)
}

// epoch of a safekeeper is the highest term in its vote history.
func (sk *Safekeeper) epoch() wire.Term {
	return sk.voteResponse.TermHistory.HighestTerm()
}

// recvAcceptorGreeting collects terms until a quorum has greeted, then
// fixes our term as max+1 and starts the vote round.
func (wp *WalProposer) recvAcceptorGreeting(sk *Safekeeper) {
	r, ok := wp.asyncReadMessage(sk, wire.TagGreeting)
	if !ok {
		return
	}
	msg, err := wire.DecodeAcceptorGreeting(r)
	if err != nil {
		wp.protocolViolation(sk, err)
		return
	}
	sk.greetResponse = msg

	wp.log.Infof("received AcceptorGreeting from safekeeper %s:%s", sk.Host, sk.Port)

	sk.state = StateVoting

	// The counter is lifetime-global, not per safekeeper; at worst a
	// reconnect storm restarts us with 'term rejected'.
	wp.nConnected++
	if wp.nConnected <= wp.quorum {
		if msg.Term > wp.propTerm {
			wp.propTerm = msg.Term
		}

		if wp.nConnected == wp.quorum {
			// Quorum acquired; our term is now permanent.
			wp.propTerm++
			wp.log.Infof("proposer connected to quorum (%d) safekeepers, propTerm=%d",
				wp.quorum, wp.propTerm)

			wp.voteRequest = wire.VoteRequest{
				Term:       wp.propTerm,
				ProposerID: wp.greetRequest.ProposerID,
			}
		}
	} else if msg.Term > wp.propTerm {
		// Another compute with a higher term is running.
		wp.fatal("WAL acceptor %s:%s with term %d rejects our connection request with term %d",
			sk.Host, sk.Port, msg.Term, wp.propTerm)
	}

	if wp.nConnected < wp.quorum {
		// No quorum yet; park in voting. Read-ready on an idle state
		// means the connection closed.
		wp.api.UpdateEventSet(sk, EventReadable)
		return
	}

	// Ask everyone who has greeted but not voted yet.
	for _, other := range wp.safekeepers {
		if other.state == StateVoting {
			wp.sendVoteRequest(other)
		}
	}
}

func (wp *WalProposer) sendVoteRequest(sk *Safekeeper) {
	wp.log.Infof("requesting vote from %s:%s for term %d", sk.Host, sk.Port, wp.voteRequest.Term)
	wp.blockingWrite(sk, wp.voteRequest.Encode(), StateWaitVerdict)
}

// recvVoteResponse tallies a vote; the Q-th vote completes the
// election, later votes just start streaming to that safekeeper.
func (wp *WalProposer) recvVoteResponse(sk *Safekeeper) {
	r, ok := wp.asyncReadMessage(sk, wire.TagVote)
	if !ok {
		return
	}
	msg, err := wire.DecodeVoteResponse(r)
	if err != nil {
		wp.protocolViolation(sk, err)
		return
	}
	sk.voteResponse = msg

	wp.log.Infof("got VoteResponse from acceptor %s:%s, voteGiven=%d, epoch=%d, flushLsn=%s, truncateLsn=%s, timelineStartLsn=%s",
		sk.Host, sk.Port, msg.VoteGiven, msg.TermHistory.HighestTerm(),
		msg.FlushLsn, msg.TruncateLsn, msg.TimelineStartLsn)

	// A rejection only matters if the acceptor lives in a strictly
	// higher term (concurrent compute) or we still need the vote.
	if msg.VoteGiven == 0 && (msg.Term > wp.propTerm || wp.nVotes < wp.quorum) {
		wp.fatal("WAL acceptor %s:%s with term %d rejects our connection request with term %d",
			sk.Host, sk.Port, msg.Term, wp.propTerm)
	}
	if msg.Term != wp.propTerm {
		wp.fatal("vote from %s:%s in term %d, ours is %d", sk.Host, sk.Port, msg.Term, wp.propTerm)
	}

	wp.nVotes++
	switch {
	case wp.nVotes < wp.quorum:
		// Can't do much yet, no quorum.
		sk.state = StateIdle

	case wp.nVotes > wp.quorum:
		// Election already done, recovery already performed.
		wp.sendProposerElected(sk)

	default:
		sk.state = StateIdle
		wp.api.UpdateEventSet(sk, EventReadable)

		wp.handleElectedProposer()
	}
}

// handleElectedProposer runs once the majority has voted for us:
// determine the epoch start, recover missing WAL if some voter lags,
// announce the election and hand off to streaming.
func (wp *WalProposer) handleElectedProposer() {
	wp.determineEpochStartLsn()

	if wp.truncateLsn < wp.propEpochStartLsn {
		wp.log.Infof("start recovery because truncateLsn=%s is not equal to epochStartLsn=%s",
			wp.truncateLsn, wp.propEpochStartLsn)
		donor := wp.safekeepers[wp.donor]
		if !wp.api.RecoveryDownload(donor, wp.cfg.PgTimeline, wp.truncateLsn, wp.propEpochStartLsn) {
			wp.fatal("failed to recover state")
		}
	} else if wp.cfg.SyncSafekeepers {
		// Sync is not needed: just exit.
		wp.api.FinishSyncSafekeepers(wp.propEpochStartLsn)
		return
	}

	for _, sk := range wp.safekeepers {
		if sk.state == StateIdle {
			wp.sendProposerElected(sk)
		}
	}

	// From here on nothing waits for quorum, so StateIdle is gone.

	if wp.cfg.SyncSafekeepers {
		// An empty append forces feedback even from fully recovered
		// nodes, which is what reveals their epoch switch and lets
		// the sync run finish without generating new records.
		wp.broadcastAppendRequest()
		return
	}

	wp.api.StartStreaming(wp.propEpochStartLsn)
}

// determineEpochStartLsn picks the donor as the voted acceptor with
// the lexicographically greatest (epoch, flushLsn) and derives the LSN
// our term starts writing at, the truncate horizon and the timeline
// start.
func (wp *WalProposer) determineEpochStartLsn() {
	wp.propEpochStartLsn = wal.InvalidLsn
	wp.donor = 0
	wp.donorEpoch = 0
	wp.truncateLsn = wal.InvalidLsn
	wp.timelineStartLsn = wal.InvalidLsn

	for i, sk := range wp.safekeepers {
		if sk.state != StateIdle {
			continue
		}
		if sk.epoch() > wp.donorEpoch ||
			(sk.epoch() == wp.donorEpoch && sk.voteResponse.FlushLsn > wp.propEpochStartLsn) {
			wp.donorEpoch = sk.epoch()
			wp.propEpochStartLsn = sk.voteResponse.FlushLsn
			wp.donor = i
		}
		wp.truncateLsn = wal.Max(sk.voteResponse.TruncateLsn, wp.truncateLsn)

		if sk.voteResponse.TimelineStartLsn != wal.InvalidLsn {
			// Should be the same everywhere or unknown.
			if wp.timelineStartLsn != wal.InvalidLsn &&
				wp.timelineStartLsn != sk.voteResponse.TimelineStartLsn {
				wp.log.Warnf("inconsistent timelineStartLsn: current %s, received %s",
					wp.timelineStartLsn, sk.voteResponse.TimelineStartLsn)
				wp.api.SharedState().noteTimelineStartLsnMismatch()
			}
			wp.timelineStartLsn = sk.voteResponse.TimelineStartLsn
		}
	}

	// Zero everywhere means bootstrap: nothing was committed yet, so
	// stream from the basebackup position.
	if wp.propEpochStartLsn == wal.InvalidLsn && !wp.cfg.SyncSafekeepers {
		wp.propEpochStartLsn = wp.api.RedoStartLsn()
		wp.truncateLsn = wp.propEpochStartLsn
		if wp.timelineStartLsn == wal.InvalidLsn {
			wp.timelineStartLsn = wp.api.RedoStartLsn()
		}
		wp.log.Infof("bumped epochStartLsn to the first record %s", wp.propEpochStartLsn)
	}

	// A non-zero epoch start means some safekeeper has WAL, and that
	// WAL must have carried a truncateLsn.
	if wp.truncateLsn == wal.InvalidLsn &&
		!(wp.cfg.SyncSafekeepers && wp.truncateLsn == wp.propEpochStartLsn) {
		wp.fatal("truncateLsn unknown with epochStartLsn %s", wp.propEpochStartLsn)
	}

	// We will be generating WAL since propEpochStartLsn.
	wp.availableLsn = wp.propEpochStartLsn

	// Our history is the donor's plus our own entry.
	donorHistory := wp.safekeepers[wp.donor].voteResponse.TermHistory
	wp.propTermHistory = make(wire.TermHistory, 0, len(donorHistory)+1)
	wp.propTermHistory = append(wp.propTermHistory, donorHistory...)
	wp.propTermHistory = append(wp.propTermHistory, wire.TermSwitchEntry{
		Term: wp.propTerm,
		Lsn:  wp.propEpochStartLsn,
	})

	wp.log.Infof("got votes from majority (%d) of nodes, term %d, epochStartLsn %s, donor %s:%s, truncate_lsn %s",
		wp.quorum, wp.propTerm, wp.propEpochStartLsn,
		wp.safekeepers[wp.donor].Host, wp.safekeepers[wp.donor].Port, wp.truncateLsn)

	// The basebackup we run on must line up with the position the
	// consensus says we write from, otherwise non-relation data is
	// inconsistent. The exception is a plain restart of ourselves:
	// then the basebackup is our own.
	if !wp.cfg.SyncSafekeepers {
		shared := wp.api.SharedState()

		// The basebackup LSN points at the first record while
		// safekeepers keep the raw stream, so skip the page header
		// before comparing.
		if wp.propEpochStartLsn.SkipPageHeader(uint64(wp.cfg.WalSegSize)) != wp.api.RedoStartLsn() {
			restartOfSelf := len(donorHistory) >= 1 &&
				donorHistory[len(donorHistory)-1].Term == shared.MineLastElectedTerm()
			if !restartOfSelf {
				wp.fatal("collected propEpochStartLsn %s, but basebackup LSN %s",
					wp.propEpochStartLsn, wp.api.RedoStartLsn())
			}
		}
		shared.SetMineLastElectedTerm(wp.propTerm)
	}

	// History is final; let the host adjust truncateLsn for logical
	// replication before the announcements go out.
	wp.api.AfterElection(wp)
}

// sendProposerElected finds where sk's history diverges from ours,
// announces the election with the position to resume from, and moves
// to streaming once the message is out.
func (wp *WalProposer) sendProposerElected(sk *Safekeeper) {
	// Walk the histories in lockstep to the divergence point. There
	// is a vanishingly small chance of no common point even with WAL
	// present, if a bootstrapping compute died after writing to a
	// single safekeeper; we stream from the beginning then.
	th := sk.voteResponse.TermHistory

	if len(wp.propTermHistory) < 1 {
		wp.fatal("empty proposer term history")
	}

	i := 0
	for ; i < len(wp.propTermHistory) && i < len(th); i++ {
		if wp.propTermHistory[i].Term != th[i].Term {
			break
		}
		// A term begins everywhere at the same point.
		if wp.propTermHistory[i].Lsn != th[i].Lsn {
			wp.fatal("term %d starts at %s on us but %s on %s:%s",
				th[i].Term, wp.propTermHistory[i].Lsn, th[i].Lsn, sk.Host, sk.Port)
		}
	}
	// Step back to the last common term.
	i--

	if i < 0 {
		// Empty safekeeper or no common point.
		sk.startStreamingAt = wp.propTermHistory[0].Lsn

		if sk.startStreamingAt < wp.truncateLsn {
			// All safekeepers acked truncateLsn earlier but this one
			// now claims less: that's an empty safekeeper newly
			// joining the cluster. truncateLsn is record-aligned and
			// can't move without this safekeeper's ack, so start it
			// there.
			sk.startStreamingAt = wp.truncateLsn

			wp.log.Warnf("empty safekeeper joined cluster as %s:%s, historyStart=%s, startStreamingAt=%s",
				sk.Host, sk.Port, wp.propTermHistory[0].Lsn, sk.startStreamingAt)
		}
	} else if wp.propTermHistory[i].Term == wp.propTerm {
		sk.startStreamingAt = sk.voteResponse.FlushLsn
	} else {
		// End of the common term is the start of the next one, except
		// for the last entry, where the safekeeper's flush position
		// bounds it.
		propEndLsn := wp.propTermHistory[i+1].Lsn
		skEndLsn := sk.voteResponse.FlushLsn
		if i+1 < len(th) {
			skEndLsn = th[i+1].Lsn
		}
		sk.startStreamingAt = wal.Min(propEndLsn, skEndLsn)
	}

	if sk.startStreamingAt < wp.truncateLsn || sk.startStreamingAt > wp.availableLsn {
		wp.fatal("startStreamingAt %s out of [%s, %s] for %s:%s",
			sk.startStreamingAt, wp.truncateLsn, wp.availableLsn, sk.Host, sk.Port)
	}

	msg := wire.ProposerElected{
		Term:             wp.propTerm,
		StartStreamingAt: sk.startStreamingAt,
		TermHistory:      wp.propTermHistory,
		TimelineStartLsn: wp.timelineStartLsn,
	}

	lastCommonTerm := wire.Term(0)
	if i >= 0 {
		lastCommonTerm = wp.propTermHistory[i].Term
	}
	wp.log.Infof("sending elected msg to node %d term=%d, startStreamingAt=%s (lastCommonTerm=%d), termHistory.n_entries=%d to %s:%s, timelineStartLsn=%s",
		sk.greetResponse.NodeID, msg.Term, msg.StartStreamingAt, lastCommonTerm,
		len(msg.TermHistory), sk.Host, sk.Port, msg.TimelineStartLsn)

	sk.outbuf = msg.Encode()
	if !wp.asyncWrite(sk, sk.outbuf, StateSendElectedFlush) {
		return
	}

	wp.startStreaming(sk)
}
