package proposer

import (
	"sort"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// startStreaming is the only entrypoint to StateActive, executed
// exactly once per connection.
func (wp *WalProposer) startStreaming(sk *Safekeeper) {
	sk.state = StateActive
	sk.streamingAt = sk.startStreamingAt

	// Event set is updated inside sendMessageToNode.
	wp.sendMessageToNode(sk)
}

// sendMessageToNode pushes pending WAL to one active safekeeper. At
// least one message goes out if the socket is ready, an empty one
// serving as heartbeat so acks keep progressing.
func (wp *WalProposer) sendMessageToNode(sk *Safekeeper) {
	if sk.state != StateActive {
		wp.fatal("sendMessageToNode on %s:%s in state %s", sk.Host, sk.Port, sk.state)
	}
	wp.handleActiveState(sk, EventWritable)
}

// broadcastAppendRequest sends to every caught-up safekeeper.
func (wp *WalProposer) broadcastAppendRequest() {
	for _, sk := range wp.safekeepers {
		if sk.state == StateActive {
			wp.sendMessageToNode(sk)
		}
	}
}

func (wp *WalProposer) prepareAppendRequest(sk *Safekeeper, beginLsn, endLsn wal.Lsn) {
	if endLsn < beginLsn {
		wp.fatal("append request [%s, %s) is inverted", beginLsn, endLsn)
	}
	sk.appendRequest = wire.AppendRequestHeader{
		Term:          wp.propTerm,
		EpochStartLsn: wp.propEpochStartLsn,
		BeginLsn:      beginLsn,
		EndLsn:        endLsn,
		CommitLsn:     wp.quorumAckedLsn(),
		TruncateLsn:   wp.truncateLsn,
		ProposerID:    wp.greetRequest.ProposerID,
	}
}

// handleActiveState processes readiness for a streaming safekeeper and
// recomputes its interest mask.
func (wp *WalProposer) handleActiveState(sk *Safekeeper, events Events) {
	if events&EventWritable != 0 {
		if !wp.sendAppendRequests(sk) {
			return
		}
	}
	if events&EventReadable != 0 {
		if !wp.recvAppendResponses(sk) {
			return
		}
	}

	newEvents := EventReadable
	// Write interest is needed while there is unsent WAL or an
	// unflushed buffer.
	if sk.streamingAt != wp.availableLsn || sk.flushWrite {
		newEvents |= EventWritable
	}
	wp.api.UpdateEventSet(sk, newEvents)
}

// sendAppendRequests streams from sk's cursor until caught up or the
// socket stops accepting. Returns false if the connection was reset.
func (wp *WalProposer) sendAppendRequests(sk *Safekeeper) bool {
	if sk.flushWrite {
		if !wp.asyncFlush(sk) {
			// Socket closed, or nothing more to do until writable.
			return sk.state == StateActive
		}
		sk.flushWrite = false
	}

	sentAnything := false
	for sk.streamingAt != wp.availableLsn || !sentAnything {
		sentAnything = true

		endLsn := sk.streamingAt + wal.MaxSendSize
		if endLsn > wp.availableLsn {
			endLsn = wp.availableLsn
		}

		wp.prepareAppendRequest(sk, sk.streamingAt, endLsn)
		req := &sk.appendRequest

		wp.log.Debugf("sending message len %d beginLsn=%s endLsn=%s commitLsn=%s truncateLsn=%s to %s:%s",
			req.EndLsn-req.BeginLsn, req.BeginLsn, req.EndLsn, req.CommitLsn,
			wp.truncateLsn, sk.Host, sk.Port)

		sk.outbuf = req.AppendTo(sk.outbuf[:0])
		payload := int(req.EndLsn - req.BeginLsn)
		if payload > 0 {
			head := len(sk.outbuf)
			sk.outbuf = append(sk.outbuf, make([]byte, payload)...)
			if err := wp.api.WalRead(sk, sk.outbuf[head:], req.BeginLsn); err != nil {
				wp.fatal("failed to read WAL [%s, %s): %v", req.BeginLsn, req.EndLsn, err)
			}
		}

		writeResult := wp.api.ConnAsyncWrite(sk, sk.outbuf)

		// The message counts as sent whatever the write result is.
		sk.streamingAt = endLsn

		switch writeResult {
		case WriteOK:
			// Continue with the next chunk.

		case WriteTryFlush:
			// Flush finishes later; caller sets write interest.
			sk.flushWrite = true
			return true

		case WriteFailed:
			wp.log.Warnf("failed to send to node %s:%s in %s state: %s",
				sk.Host, sk.Port, sk.state, wp.api.ConnErrorMessage(sk))
			wp.shutdownConnection(sk)
			return false
		}
	}
	return true
}

// recvAppendResponses drains all immediately available feedback, then
// lets the commit computation run once over the batch. Returns false
// if the connection was reset.
func (wp *WalProposer) recvAppendResponses(sk *Safekeeper) bool {
	readAnything := false
	for {
		r, ok := wp.asyncReadMessage(sk, wire.TagAppend)
		if !ok {
			break
		}
		msg, err := wire.DecodeAppendResponse(r)
		if err != nil {
			wp.protocolViolation(sk, err)
			break
		}
		sk.appendResponse = msg

		wp.log.Debugf("received message term=%d flushLsn=%s commitLsn=%s from %s:%s",
			msg.Term, msg.FlushLsn, msg.CommitLsn, sk.Host, sk.Port)

		if msg.Term > wp.propTerm {
			// Another compute with a higher term is running.
			wp.fatal("WAL acceptor %s:%s with term %d rejected our request, our term %d",
				sk.Host, sk.Port, msg.Term, wp.propTerm)
		}

		if msg.HasPageserverFeedback {
			wp.api.SharedState().SetFeedback(msg.Ps)
		}

		readAnything = true
	}

	if !readAnything {
		return sk.state == StateActive
	}

	wp.handleSafekeeperResponse()

	// Share an advanced commit position with everyone right away.
	minQuorumLsn := wp.quorumAckedLsn()
	if minQuorumLsn > wp.lastSentCommitLsn {
		wp.broadcastAppendRequest()
		wp.lastSentCommitLsn = minQuorumLsn
	}

	return sk.state == StateActive
}

// calculateMinFlushLsn is the position flushed by every safekeeper,
// below which WAL can be discarded.
func (wp *WalProposer) calculateMinFlushLsn() wal.Lsn {
	if len(wp.safekeepers) == 0 {
		return wal.InvalidLsn
	}
	lsn := wp.safekeepers[0].appendResponse.FlushLsn
	for _, sk := range wp.safekeepers[1:] {
		lsn = wal.Min(lsn, sk.appendResponse.FlushLsn)
	}
	return lsn
}

// quorumAckedLsn is the WAL position acknowledged by a quorum. As in
// Raft, positions from previous terms don't count until they reach the
// epoch start, so they are masked to zero first.
func (wp *WalProposer) quorumAckedLsn() wal.Lsn {
	responses := make([]wal.Lsn, len(wp.safekeepers))
	for i, sk := range wp.safekeepers {
		if sk.appendResponse.FlushLsn >= wp.propEpochStartLsn {
			responses[i] = sk.appendResponse.FlushLsn
		}
	}
	sort.Slice(responses, func(i, j int) bool { return responses[i] < responses[j] })
	return responses[len(wp.safekeepers)-wp.quorum]
}

// handleSafekeeperResponse applies a batch of feedback: propagate the
// commit position, advance the truncate horizon, and in sync mode
// decide whether the run is complete.
func (wp *WalProposer) handleSafekeeperResponse() {
	minQuorumLsn := wp.quorumAckedLsn()
	wp.api.ProcessSafekeeperFeedback(wp, minQuorumLsn)

	// truncateLsn advances to the record everyone flushed. Going
	// further than any commitLsn would break truncateLsn <= commitLsn:
	// a chunk broadcast to all safekeepers may still be uncommittable
	// if some of them sit in the previous epoch, and acks land on
	// record boundaries while chunks are plain byte ranges.
	minFlushLsn := wp.calculateMinFlushLsn()
	if minFlushLsn > wp.truncateLsn {
		wp.truncateLsn = minFlushLsn
		// Old segments below the horizon can be recycled.
		wp.api.ConfirmWalStreamed(wp, wp.truncateLsn)
	}

	if wp.cfg.SyncSafekeepers {
		// Sync is done when the majority switched the epoch, which
		// commits epochStartLsn. To keep a later basebackup from
		// hanging on a lagging safekeeper we wait for every
		// seemingly alive one, not just a quorum.
		nSynced := 0
		for _, sk := range wp.safekeepers {
			synced := sk.appendResponse.CommitLsn >= wp.propEpochStartLsn
			if sk.state != StateOffline && !synced {
				return
			}
			if synced {
				nSynced++
			}
		}

		if nSynced >= wp.quorum {
			// Broadcast the final truncateLsn so the next sync run
			// can skip recovery; no need to wait for the response.
			wp.broadcastAppendRequest()

			wp.api.FinishSyncSafekeepers(wp.propEpochStartLsn)
		}
	}
}
