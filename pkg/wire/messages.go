package wire

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pgkeeper/walproposer/pkg/wal"
)

// Term is the consensus logical clock, a Paxos ballot number.
type Term uint64

// Message tags. Greeting, vote and append tags are shared by both
// directions of the protocol.
const (
	TagGreeting uint64 = 'g'
	TagVote     uint64 = 'v'
	TagElected  uint64 = 'e'
	TagAppend   uint64 = 'a'
)

const ProtocolVersion = 2

// TermSwitchEntry records that Term began writing at Lsn.
type TermSwitchEntry struct {
	Term Term
	Lsn  wal.Lsn
}

// TermHistory is the chain of term switches, terms strictly increasing,
// LSNs non-decreasing.
type TermHistory []TermSwitchEntry

// HighestTerm is the term of the last entry, or 0 for an empty history.
func (th TermHistory) HighestTerm() Term {
	if len(th) == 0 {
		return 0
	}
	return th[len(th)-1].Term
}

// ProposerGreeting opens the handshake after START_WAL_PUSH.
type ProposerGreeting struct {
	ProtocolVersion uint32
	PgVersion       uint32
	ProposerID      uuid.UUID
	SystemID        uint64
	TimelineID      uuid.UUID
	TenantID        uuid.UUID
	Timeline        uint32
	WalSegSize      uint32
}

func (m *ProposerGreeting) Encode() []byte {
	buf := make([]byte, 0, 80)
	buf = appendUint64(buf, TagGreeting)
	buf = appendUint32(buf, m.ProtocolVersion)
	buf = appendUint32(buf, m.PgVersion)
	buf = append(buf, m.ProposerID[:]...)
	buf = appendUint64(buf, m.SystemID)
	buf = append(buf, m.TimelineID[:]...)
	buf = append(buf, m.TenantID[:]...)
	buf = appendUint32(buf, m.Timeline)
	buf = appendUint32(buf, m.WalSegSize)
	return buf
}

func DecodeProposerGreeting(r *Reader) (ProposerGreeting, error) {
	var m ProposerGreeting
	m.ProtocolVersion = r.Uint32()
	m.PgVersion = r.Uint32()
	copy(m.ProposerID[:], r.bytes(16))
	m.SystemID = r.Uint64()
	copy(m.TimelineID[:], r.bytes(16))
	copy(m.TenantID[:], r.bytes(16))
	m.Timeline = r.Uint32()
	m.WalSegSize = r.Uint32()
	return m, r.Finish()
}

// VoteRequest asks an acceptor to vote for Term.
type VoteRequest struct {
	Term       Term
	ProposerID uuid.UUID
}

func (m *VoteRequest) Encode() []byte {
	buf := make([]byte, 0, 32)
	buf = appendUint64(buf, TagVote)
	buf = appendUint64(buf, uint64(m.Term))
	buf = append(buf, m.ProposerID[:]...)
	return buf
}

func DecodeVoteRequest(r *Reader) (VoteRequest, error) {
	var m VoteRequest
	m.Term = Term(r.Uint64())
	copy(m.ProposerID[:], r.bytes(16))
	return m, r.Finish()
}

// ProposerElected announces the election outcome and the position each
// acceptor must truncate to and resume from.
type ProposerElected struct {
	Term             Term
	StartStreamingAt wal.Lsn
	TermHistory      TermHistory
	TimelineStartLsn wal.Lsn
}

func (m *ProposerElected) Encode() []byte {
	buf := make([]byte, 0, 36+16*len(m.TermHistory))
	buf = appendUint64(buf, TagElected)
	buf = appendUint64(buf, uint64(m.Term))
	buf = appendUint64(buf, uint64(m.StartStreamingAt))
	buf = appendUint32(buf, uint32(len(m.TermHistory)))
	for _, e := range m.TermHistory {
		buf = appendUint64(buf, uint64(e.Term))
		buf = appendUint64(buf, uint64(e.Lsn))
	}
	buf = appendUint64(buf, uint64(m.TimelineStartLsn))
	return buf
}

func DecodeProposerElected(r *Reader) (ProposerElected, error) {
	var m ProposerElected
	m.Term = Term(r.Uint64())
	m.StartStreamingAt = wal.Lsn(r.Uint64())
	m.TermHistory = decodeTermHistory(r)
	m.TimelineStartLsn = wal.Lsn(r.Uint64())
	return m, r.Finish()
}

// AppendRequestHeader precedes each chunk of streamed WAL.
type AppendRequestHeader struct {
	Term          Term
	EpochStartLsn wal.Lsn
	BeginLsn      wal.Lsn
	EndLsn        wal.Lsn
	CommitLsn     wal.Lsn
	TruncateLsn   wal.Lsn
	ProposerID    uuid.UUID
}

const AppendRequestHeaderSize = 8 + 6*8 + 16

// AppendTo appends the encoded header to buf, which lets the streaming
// path reuse one buffer for header plus WAL payload.
func (m *AppendRequestHeader) AppendTo(buf []byte) []byte {
	buf = appendUint64(buf, TagAppend)
	buf = appendUint64(buf, uint64(m.Term))
	buf = appendUint64(buf, uint64(m.EpochStartLsn))
	buf = appendUint64(buf, uint64(m.BeginLsn))
	buf = appendUint64(buf, uint64(m.EndLsn))
	buf = appendUint64(buf, uint64(m.CommitLsn))
	buf = appendUint64(buf, uint64(m.TruncateLsn))
	buf = append(buf, m.ProposerID[:]...)
	return buf
}

func (m *AppendRequestHeader) Encode() []byte {
	return m.AppendTo(make([]byte, 0, AppendRequestHeaderSize))
}

func DecodeAppendRequestHeader(r *Reader) (AppendRequestHeader, error) {
	var m AppendRequestHeader
	m.Term = Term(r.Uint64())
	m.EpochStartLsn = wal.Lsn(r.Uint64())
	m.BeginLsn = wal.Lsn(r.Uint64())
	m.EndLsn = wal.Lsn(r.Uint64())
	m.CommitLsn = wal.Lsn(r.Uint64())
	m.TruncateLsn = wal.Lsn(r.Uint64())
	copy(m.ProposerID[:], r.bytes(16))
	if r.Err() != nil {
		return m, r.Err()
	}
	return m, nil
}

// AcceptorGreeting answers ProposerGreeting with the acceptor's term.
type AcceptorGreeting struct {
	Term   Term
	NodeID uint64
}

func (m *AcceptorGreeting) Encode() []byte {
	buf := make([]byte, 0, 24)
	buf = appendUint64(buf, TagGreeting)
	buf = appendUint64(buf, uint64(m.Term))
	buf = appendUint64(buf, m.NodeID)
	return buf
}

func DecodeAcceptorGreeting(r *Reader) (AcceptorGreeting, error) {
	var m AcceptorGreeting
	m.Term = Term(r.Uint64())
	m.NodeID = r.Uint64()
	return m, r.Finish()
}

// VoteResponse carries the vote plus everything the proposer needs to
// pick a donor: flush position, truncate horizon and term history.
type VoteResponse struct {
	Term             Term
	VoteGiven        uint64
	FlushLsn         wal.Lsn
	TruncateLsn      wal.Lsn
	TermHistory      TermHistory
	TimelineStartLsn wal.Lsn
}

func (m *VoteResponse) Encode() []byte {
	buf := make([]byte, 0, 48+16*len(m.TermHistory))
	buf = appendUint64(buf, TagVote)
	buf = appendUint64(buf, uint64(m.Term))
	buf = appendUint64(buf, m.VoteGiven)
	buf = appendUint64(buf, uint64(m.FlushLsn))
	buf = appendUint64(buf, uint64(m.TruncateLsn))
	buf = appendUint32(buf, uint32(len(m.TermHistory)))
	for _, e := range m.TermHistory {
		buf = appendUint64(buf, uint64(e.Term))
		buf = appendUint64(buf, uint64(e.Lsn))
	}
	buf = appendUint64(buf, uint64(m.TimelineStartLsn))
	return buf
}

func DecodeVoteResponse(r *Reader) (VoteResponse, error) {
	var m VoteResponse
	m.Term = Term(r.Uint64())
	m.VoteGiven = r.Uint64()
	m.FlushLsn = wal.Lsn(r.Uint64())
	m.TruncateLsn = wal.Lsn(r.Uint64())
	m.TermHistory = decodeTermHistory(r)
	m.TimelineStartLsn = wal.Lsn(r.Uint64())
	return m, r.Finish()
}

func decodeTermHistory(r *Reader) TermHistory {
	n := r.Uint32()
	if r.Err() != nil || int(n)*16 > r.Remaining() {
		r.fail()
		return nil
	}
	th := make(TermHistory, 0, n)
	for i := uint32(0); i < n; i++ {
		th = append(th, TermSwitchEntry{
			Term: Term(r.Uint64()),
			Lsn:  wal.Lsn(r.Uint64()),
		})
	}
	return th
}

// HotStandbyFeedback is the fixed replica-feedback part of AppendResponse.
type HotStandbyFeedback struct {
	Ts          int64
	Xmin        uint64
	CatalogXmin uint64
}

// AppendResponse reports the acceptor's progress after appends. The
// fixed part may be followed by an extensible pageserver feedback block.
type AppendResponse struct {
	Term      Term
	FlushLsn  wal.Lsn
	CommitLsn wal.Lsn
	Hs        HotStandbyFeedback

	HasPageserverFeedback bool
	Ps                    PageserverFeedback
}

func (m *AppendResponse) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint64(buf, TagAppend)
	buf = appendUint64(buf, uint64(m.Term))
	buf = appendUint64(buf, uint64(m.FlushLsn))
	buf = appendUint64(buf, uint64(m.CommitLsn))
	buf = appendUint64(buf, uint64(m.Hs.Ts))
	buf = appendUint64(buf, m.Hs.Xmin)
	buf = appendUint64(buf, m.Hs.CatalogXmin)
	if m.HasPageserverFeedback {
		buf = m.Ps.AppendTo(buf)
	}
	return buf
}

func DecodeAppendResponse(r *Reader) (AppendResponse, error) {
	var m AppendResponse
	m.Term = Term(r.Uint64())
	m.FlushLsn = wal.Lsn(r.Uint64())
	m.CommitLsn = wal.Lsn(r.Uint64())
	m.Hs.Ts = int64(r.Uint64())
	m.Hs.Xmin = r.Uint64()
	m.Hs.CatalogXmin = r.Uint64()
	if r.Err() == nil && r.Remaining() > 0 {
		m.HasPageserverFeedback = true
		if err := parsePageserverFeedback(r, &m.Ps); err != nil {
			return m, err
		}
	}
	return m, r.Finish()
}

// bytes reads n raw bytes off the cursor.
func (r *Reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadTag pops the message tag off a freshly framed message.
func ReadTag(r *Reader) (uint64, error) {
	tag := r.Uint64()
	if r.Err() != nil {
		return 0, errors.Wrap(r.Err(), "reading message tag")
	}
	return tag, nil
}
