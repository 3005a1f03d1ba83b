package proposer

import (
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// blockingWrite sends a small message synchronously and moves to
// successState. Used only for messages sized to a single kernel
// buffer: the greeting and the vote request.
func (wp *WalProposer) blockingWrite(sk *Safekeeper, msg []byte, successState State) bool {
	if !wp.api.ConnBlockingWrite(sk, msg) {
		wp.log.Warnf("failed to send to node %s:%s in %s state: %s",
			sk.Host, sk.Port, sk.state, wp.api.ConnErrorMessage(sk))
		wp.shutdownConnection(sk)
		return false
	}

	sk.state = successState

	if events := successState.desiredEvents(); events != NoEvents {
		wp.api.UpdateEventSet(sk, events)
	}
	return true
}

// asyncWrite starts a nonblocking write, moving to flushState if the
// write still needs flushing. Returns false if sending is unfinished,
// either pending flush or failed; failure resets the connection.
func (wp *WalProposer) asyncWrite(sk *Safekeeper, msg []byte, flushState State) bool {
	switch wp.api.ConnAsyncWrite(sk, msg) {
	case WriteOK:
		return true

	case WriteTryFlush:
		sk.state = flushState
		wp.api.UpdateEventSet(sk, EventReadable|EventWritable)
		return false

	case WriteFailed:
		wp.log.Warnf("failed to send to node %s:%s in %s state: %s",
			sk.Host, sk.Port, sk.state, wp.api.ConnErrorMessage(sk))
		wp.shutdownConnection(sk)
		return false
	}
	return false
}

// asyncFlush drains a previous asyncWrite. True once the flush fully
// completes; the caller is responsible for dropping write interest.
func (wp *WalProposer) asyncFlush(sk *Safekeeper) bool {
	switch wp.api.ConnFlush(sk) {
	case 0:
		return true
	case 1:
		// Try again when the socket is ready.
		return false
	default:
		wp.log.Warnf("failed to flush write to node %s:%s in %s state: %s",
			sk.Host, sk.Port, sk.state, wp.api.ConnErrorMessage(sk))
		wp.resetConnection(sk)
		return false
	}
}

// asyncRead fetches one framed message, resetting the connection on
// failure. False also when the read simply needs another poll.
func (wp *WalProposer) asyncRead(sk *Safekeeper) ([]byte, bool) {
	buf, res := wp.api.ConnAsyncRead(sk)
	switch res {
	case ReadOK:
		return buf, true
	case ReadTryAgain:
		return nil, false
	default:
		wp.log.Warnf("failed to read from node %s:%s in %s state: %s",
			sk.Host, sk.Port, sk.state, wp.api.ConnErrorMessage(sk))
		wp.shutdownConnection(sk)
		return nil, false
	}
}

// asyncReadMessage reads the next framed message and checks its tag.
// A tag mismatch or a truncated message is a protocol violation that
// resets the connection.
func (wp *WalProposer) asyncReadMessage(sk *Safekeeper, expectedTag uint64) (*wire.Reader, bool) {
	buf, ok := wp.asyncRead(sk)
	if !ok {
		return nil, false
	}

	r := wire.NewReader(buf)
	tag, err := wire.ReadTag(r)
	if err != nil || tag != expectedTag {
		wp.log.Warnf("unexpected message tag %c from node %s:%s in state %s",
			byte(tag), sk.Host, sk.Port, sk.state)
		wp.resetConnection(sk)
		return nil, false
	}
	sk.latestMsgReceivedAt = wp.api.Now()
	return r, true
}

// protocolViolation handles a message that carried the right tag but
// failed to decode.
func (wp *WalProposer) protocolViolation(sk *Safekeeper, err error) {
	wp.log.Warnf("malformed message from node %s:%s in state %s: %v",
		sk.Host, sk.Port, sk.state, err)
	wp.resetConnection(sk)
}
