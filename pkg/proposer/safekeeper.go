package proposer

import (
	"time"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

// State is the per-safekeeper connection state. States are listed in
// the order they are normally executed; most failures drop back to
// StateOffline through shutdownConnection or resetConnection.
type State int

const (
	// StateOffline has no connection; left only by resetConnection.
	StateOffline State = iota

	// Connecting states wait for the socket to become writable or
	// readable, as reported by ConnConnectPoll.
	StateConnectingWrite
	StateConnectingRead

	// StateWaitExecResult waits for the result of START_WAL_PUSH.
	StateWaitExecResult

	// StateHandshakeRecv waits for the AcceptorGreeting.
	StateHandshakeRecv

	// StateVoting holds greeted safekeepers until quorum; idle, a
	// read-ready socket here means the peer closed the connection.
	StateVoting

	// StateWaitVerdict waits for the VoteResponse.
	StateWaitVerdict

	// StateSendElectedFlush finishes flushing ProposerElected.
	StateSendElectedFlush

	// StateIdle parks voters until the election completes; like
	// StateVoting, read-ready means EOF.
	StateIdle

	// StateActive streams WAL and reads feedback.
	StateActive
)

// String gives the human-readable form used in log lines.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnectingWrite, StateConnectingRead:
		return "connecting"
	case StateWaitExecResult:
		return "receiving query result"
	case StateHandshakeRecv:
		return "handshake (receiving)"
	case StateVoting:
		return "voting"
	case StateWaitVerdict:
		return "wait-for-verdict"
	case StateSendElectedFlush:
		return "send-announcement-flush"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// desiredEvents is the readiness a safekeeper in this state waits on.
func (s State) desiredEvents() Events {
	switch s {
	case StateConnectingRead:
		return EventReadable
	case StateConnectingWrite:
		return EventWritable
	case StateWaitExecResult, StateHandshakeRecv, StateWaitVerdict:
		return EventReadable
	case StateVoting, StateIdle:
		// Idle states use read-readiness as a closure signal.
		return EventReadable
	case StateSendElectedFlush, StateActive:
		return EventReadable | EventWritable
	}
	return NoEvents
}

// Safekeeper tracks one acceptor endpoint. The struct is owned by the
// proposer's state machine; the transport hangs its per-connection
// object off Conn and its event-set slot off EventPos.
type Safekeeper struct {
	wp *WalProposer

	Host string
	Port string

	// Conninfo is the formatted connection string. It may embed
	// credentials and must not be logged.
	Conninfo string

	state               State
	latestMsgReceivedAt time.Time

	outbuf     []byte
	flushWrite bool

	// startStreamingAt is the boundary chosen at election time;
	// streamingAt is the current send cursor.
	startStreamingAt wal.Lsn
	streamingAt      wal.Lsn

	appendRequest  wire.AppendRequestHeader
	greetResponse  wire.AcceptorGreeting
	voteResponse   wire.VoteResponse
	appendResponse wire.AppendResponse

	// Conn is owned by the API implementation. Nil only when offline.
	Conn any
	// EventPos is the slot in the event set, -1 when unregistered.
	EventPos int
}

func (sk *Safekeeper) State() State {
	return sk.state
}

// assertEventsOkForState checks arriving readiness against what the
// state waits on; a mismatch is a bug in the event-set plumbing.
func (sk *Safekeeper) assertEventsOkForState(events Events) {
	expected := sk.state.desiredEvents()

	var ok bool
	if expected == NoEvents {
		ok = events&(EventReadable|EventWritable) == 0
	} else {
		ok = events&expected != 0
	}
	if !ok {
		sk.wp.fatal("events %s mismatched for safekeeper %s:%s in state [%s]",
			FormatEvents(events), sk.Host, sk.Port, sk.state)
	}
}
