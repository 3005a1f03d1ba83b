// Package proposer implements the leader side of the WAL replication
// consensus: it elects itself over a quorum of safekeepers, finds the
// authoritative log position to resume from, then streams WAL and
// advances the quorum-committed LSN.
//
// The core is a single-threaded cooperative state machine. The only
// suspension point is the event-set wait; everything else runs to
// completion between waits. All I/O and host integration goes through
// the API capability surface, one implementation per proposer.
package proposer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/wal"
	"github.com/pgkeeper/walproposer/pkg/wire"
)

const MaxSafekeepers = 32

// Config is the runtime configuration of one proposer instance.
type Config struct {
	TenantID   uuid.UUID
	TimelineID uuid.UUID

	// SafekeepersList is "host:port,host:port,...".
	SafekeepersList string

	// ReconnectTimeout is the cadence of retrying offline
	// safekeepers; zero or negative disables reconnection.
	ReconnectTimeout time.Duration

	// ConnectionTimeout cuts connections with no traffic.
	ConnectionTimeout time.Duration

	WalSegSize uint32

	// SyncSafekeepers makes the proposer exit once a quorum reports
	// commitLsn at or past the epoch start, instead of streaming.
	SyncSafekeepers bool

	SystemID   uint64
	PgTimeline uint32
	PgVersion  uint32
}

// WalProposer drives the whole protocol for one timeline.
type WalProposer struct {
	cfg *Config
	api API
	log *zap.SugaredLogger

	// fatal terminates the process on unrecoverable safety
	// violations; overridable in tests.
	fatal func(format string, args ...any)

	safekeepers []*Safekeeper
	quorum      int

	greetRequest wire.ProposerGreeting
	voteRequest  wire.VoteRequest

	// availableLsn is the highest produced WAL position.
	availableLsn      wal.Lsn
	lastSentCommitLsn wal.Lsn

	// propTerm is fixed once a quorum of greetings is in; any higher
	// term seen afterwards means a concurrent proposer.
	propTerm        wire.Term
	propTermHistory wire.TermHistory

	// propEpochStartLsn is where our term starts writing.
	propEpochStartLsn wal.Lsn

	donor      int
	donorEpoch wire.Term

	// truncateLsn is flushed by every safekeeper; WAL below it can go.
	truncateLsn wal.Lsn

	timelineStartLsn wal.Lsn

	nVotes     int
	nConnected int

	lastReconnectAttempt time.Time
}

// NewWalProposer parses the safekeeper list, prepares the greeting and
// registers the event set. Configuration errors are fatal here, before
// the loop starts.
func NewWalProposer(cfg *Config, api API, log *zap.SugaredLogger) *WalProposer {
	wp := &WalProposer{
		cfg:   cfg,
		api:   api,
		log:   log,
		fatal: log.Fatalf,
	}

	for _, addr := range strings.Split(cfg.SafekeepersList, ",") {
		if addr == "" {
			continue
		}
		host, port, ok := strings.Cut(addr, ":")
		if !ok || host == "" || port == "" {
			wp.fatal("malformed safekeeper address %q", addr)
		}
		if len(wp.safekeepers) >= MaxSafekeepers {
			wp.fatal("too many safekeepers")
		}
		sk := &Safekeeper{
			wp:       wp,
			Host:     host,
			Port:     port,
			state:    StateOffline,
			EventPos: -1,
			Conninfo: fmt.Sprintf(
				"host=%s port=%s dbname=replication options='-c timeline_id=%s tenant_id=%s'",
				host, port, hexID(cfg.TimelineID), hexID(cfg.TenantID)),
		}
		api.WalReaderAllocate(sk)
		wp.safekeepers = append(wp.safekeepers, sk)
	}
	if len(wp.safekeepers) < 1 {
		wp.fatal("safekeeper addresses are not specified")
	}
	wp.quorum = len(wp.safekeepers)/2 + 1

	var proposerID uuid.UUID
	if !api.StrongRandom(proposerID[:]) {
		wp.fatal("could not generate proposer id")
	}
	wp.greetRequest = wire.ProposerGreeting{
		ProtocolVersion: wire.ProtocolVersion,
		PgVersion:       cfg.PgVersion,
		ProposerID:      proposerID,
		SystemID:        cfg.SystemID,
		TimelineID:      cfg.TimelineID,
		TenantID:        cfg.TenantID,
		Timeline:        cfg.PgTimeline,
		WalSegSize:      cfg.WalSegSize,
	}

	api.InitEventSet(wp)
	return wp
}

// hexID renders a 16-byte id the way safekeepers expect it in
// connection options: 32 hex digits, no dashes.
func hexID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func (wp *WalProposer) Quorum() int                { return wp.quorum }
func (wp *WalProposer) Term() wire.Term            { return wp.propTerm }
func (wp *WalProposer) EpochStartLsn() wal.Lsn     { return wp.propEpochStartLsn }
func (wp *WalProposer) TruncateLsn() wal.Lsn       { return wp.truncateLsn }
func (wp *WalProposer) Safekeepers() []*Safekeeper { return wp.safekeepers }

// Start connects to every safekeeper and runs the poll loop forever.
func (wp *WalProposer) Start() {
	for _, sk := range wp.safekeepers {
		wp.resetConnection(sk)
	}
	for {
		wp.Poll()
	}
}

// Broadcast makes newly produced WAL available and starts sending it.
// Called by the host every time the flush pointer advances.
func (wp *WalProposer) Broadcast(startPos, endPos wal.Lsn) {
	if startPos != wp.availableLsn || endPos < wp.availableLsn {
		wp.fatal("broadcast out of order: [%s, %s) with availableLsn %s",
			startPos, endPos, wp.availableLsn)
	}
	wp.availableLsn = endPos
	wp.broadcastAppendRequest()
}

// Poll advances the state machine until the WAL latch fires, meaning
// the caller has new WAL to broadcast.
func (wp *WalProposer) Poll() {
	for {
		now := wp.api.Now()
		timeout := wp.timeToReconnect(now)

		sk, events := wp.api.WaitEventSet(wp, timeout)

		// Exit poll on latch: the host has new WAL for us.
		if events&EventLatch != 0 {
			return
		}

		if events&(EventReadable|EventWritable) != 0 && sk != nil {
			wp.advancePollState(sk, events)
		}

		wp.reconnectSafekeepers()

		if events&EventTimeout != 0 && !wp.cfg.SyncSafekeepers {
			// Make sure we did not miss a flush notification.
			if wp.api.FlushRecPtr() > wp.availableLsn {
				return
			}
		}

		now = wp.api.Now()
		if events&EventTimeout != 0 || wp.timeToReconnect(now) <= 0 {
			// No WAL during the timeout: send an empty keepalive so
			// acks keep flowing once we hold a quorum.
			if wp.availableLsn != wal.InvalidLsn {
				wp.broadcastAppendRequest()
			}

			// Abandon connections that have gone quiet.
			if wp.cfg.ConnectionTimeout > 0 {
				now = wp.api.Now()
				for _, sk := range wp.safekeepers {
					if sk.state == StateOffline {
						continue
					}
					if now.Sub(sk.latestMsgReceivedAt) > wp.cfg.ConnectionTimeout {
						wp.log.Warnf("terminating connection to safekeeper '%s:%s' in '%s' state: no messages received during the last %s or connection attempt took longer than that",
							sk.Host, sk.Port, sk.state, wp.cfg.ConnectionTimeout)
						wp.shutdownConnection(sk)
					}
				}
			}
		}
	}
}

// timeToReconnect says how long until the next reconnect pass; 0 means
// now, a negative duration means never.
func (wp *WalProposer) timeToReconnect(now time.Time) time.Duration {
	if wp.cfg.ReconnectTimeout <= 0 {
		return -1
	}
	till := wp.cfg.ReconnectTimeout - now.Sub(wp.lastReconnectAttempt)
	if till <= 0 {
		return 0
	}
	return till
}

// reconnectSafekeepers retries offline safekeepers at the configured
// cadence.
func (wp *WalProposer) reconnectSafekeepers() {
	now := wp.api.Now()
	if wp.timeToReconnect(now) != 0 {
		return
	}
	wp.lastReconnectAttempt = now
	for _, sk := range wp.safekeepers {
		if sk.state == StateOffline {
			wp.resetConnection(sk)
		}
	}
}

// advancePollState dispatches readiness into the per-safekeeper state
// machine.
func (wp *WalProposer) advancePollState(sk *Safekeeper, events Events) {
	// The handlers below assume their operations won't block because
	// the socket is ready.
	sk.assertEventsOkForState(events)

	switch sk.state {
	case StateOffline:
		wp.fatal("unexpected safekeeper %s:%s state advancement: is offline",
			sk.Host, sk.Port)

	case StateConnectingRead, StateConnectingWrite:
		wp.handleConnectionEvent(sk)

	case StateWaitExecResult:
		wp.recvStartWALPushResult(sk)

	case StateHandshakeRecv:
		wp.recvAcceptorGreeting(sk)

	case StateVoting:
		// Idle state; read-ready means the peer went away.
		wp.log.Warnf("EOF from node %s:%s in %s state", sk.Host, sk.Port, sk.state)
		wp.resetConnection(sk)

	case StateWaitVerdict:
		wp.recvVoteResponse(sk)

	case StateSendElectedFlush:
		// Move on to streaming only once the flush completes; more
		// polls will come along otherwise.
		if !wp.asyncFlush(sk) {
			return
		}
		wp.startStreaming(sk)

	case StateIdle:
		wp.log.Warnf("EOF from node %s:%s in %s state", sk.Host, sk.Port, sk.state)
		wp.resetConnection(sk)

	case StateActive:
		wp.handleActiveState(sk, events)
	}
}

// removeFromEventSet takes one safekeeper out of the event set by
// rebuilding the whole set from the remaining connections. Deliberate
// simplification: membership changes are rare next to the streaming
// hot path.
func (wp *WalProposer) removeFromEventSet(toRemove *Safekeeper) {
	wp.api.FreeEventSet(wp)
	wp.api.InitEventSet(wp)

	for _, sk := range wp.safekeepers {
		if sk == toRemove || sk.state == StateOffline {
			continue
		}
		wp.api.AddSafekeeperEventSet(sk, sk.state.desiredEvents())
	}
}

// shutdownConnection frees per-connection state and parks the
// safekeeper offline until the next reconnect pass.
func (wp *WalProposer) shutdownConnection(sk *Safekeeper) {
	wp.api.ConnClose(sk)
	sk.state = StateOffline
	sk.flushWrite = false
	sk.streamingAt = wal.InvalidLsn
	sk.voteResponse.TermHistory = nil

	wp.removeFromEventSet(sk)
}

// resetConnection starts a fresh connection attempt, tearing down any
// existing one first.
func (wp *WalProposer) resetConnection(sk *Safekeeper) {
	if sk.state != StateOffline {
		wp.shutdownConnection(sk)
	}

	wp.api.ConnConnectStart(sk)

	if wp.api.ConnStatus(sk) == ConnStatusBad {
		// Failed before even starting; the conninfo may hold a
		// password, so log only the error.
		wp.log.Warnf("immediate failure to connect with node '%s:%s': %s",
			sk.Host, sk.Port, wp.api.ConnErrorMessage(sk))
		wp.api.ConnClose(sk)
		return
	}

	wp.log.Infof("connecting with node %s:%s", sk.Host, sk.Port)

	sk.state = StateConnectingWrite
	sk.latestMsgReceivedAt = wp.api.Now()

	wp.api.AddSafekeeperEventSet(sk, EventWritable)
}

// handleConnectionEvent polls an in-flight connect and, once it
// completes, issues START_WAL_PUSH.
func (wp *WalProposer) handleConnectionEvent(sk *Safekeeper) {
	result := wp.api.ConnConnectPoll(sk)

	newEvents := NoEvents
	switch result {
	case ConnectPollOK:
		wp.log.Infof("connected with node %s:%s", sk.Host, sk.Port)
		sk.latestMsgReceivedAt = wp.api.Now()
		newEvents = EventReadable

	case ConnectPollReading:
		sk.state = StateConnectingRead
		newEvents = EventReadable

	case ConnectPollWriting:
		sk.state = StateConnectingWrite
		newEvents = EventWritable

	case ConnectPollFailed:
		wp.log.Warnf("failed to connect to node '%s:%s': %s",
			sk.Host, sk.Port, wp.api.ConnErrorMessage(sk))
		// Don't retry immediately, that could loop; the reconnect
		// pass restarts it at its own cadence.
		wp.shutdownConnection(sk)
		return
	}

	// Connect polling can change the underlying socket, so re-register
	// it in the event set.
	wp.removeFromEventSet(sk)
	wp.api.AddSafekeeperEventSet(sk, newEvents)

	if result == ConnectPollOK {
		wp.sendStartWALPush(sk)
	}
}

// sendStartWALPush synchronously enqueues the START_WAL_PUSH query and
// waits for its result in StateWaitExecResult.
func (wp *WalProposer) sendStartWALPush(sk *Safekeeper) {
	if !wp.api.ConnSendQuery(sk, "START_WAL_PUSH") {
		wp.log.Warnf("failed to send 'START_WAL_PUSH' query to safekeeper %s:%s: %s",
			sk.Host, sk.Port, wp.api.ConnErrorMessage(sk))
		wp.shutdownConnection(sk)
		return
	}
	sk.state = StateWaitExecResult
	wp.api.UpdateEventSet(sk, EventReadable)
}

func (wp *WalProposer) recvStartWALPushResult(sk *Safekeeper) {
	switch wp.api.ConnGetQueryResult(sk) {
	case ExecCopyBoth:
		wp.sendProposerGreeting(sk)

	case ExecNeedsInput:
		// Result not complete yet; this state is always entered
		// through an event, so the event set is already right.

	case ExecFailed:
		wp.log.Warnf("failed to send query to safekeeper %s:%s: %s",
			sk.Host, sk.Port, wp.api.ConnErrorMessage(sk))
		wp.shutdownConnection(sk)

	case ExecUnexpectedSuccess:
		wp.log.Warnf("received bad response from safekeeper %s:%s query execution",
			sk.Host, sk.Port)
		wp.shutdownConnection(sk)
	}
}
