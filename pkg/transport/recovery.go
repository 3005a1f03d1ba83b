package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgkeeper/walproposer/pkg/proposer"
	"github.com/pgkeeper/walproposer/pkg/wal"
)

// RecoveryDownload pulls [startPos, endPos) from the donor over a
// separate physical-replication connection and lands it in the local
// WAL directory, so lagging safekeepers can be fed from here.
func (a *Adapter) RecoveryDownload(sk *proposer.Safekeeper, timeline uint32, startPos, endPos wal.Lsn) bool {
	a.log.Infof("downloading WAL [%s, %s) from donor %s:%s", startPos, endPos, sk.Host, sk.Port)

	nc, err := net.DialTimeout("tcp", net.JoinHostPort(sk.Host, sk.Port), dialTimeout)
	if err != nil {
		a.log.Warnf("recovery dial failed: %v", err)
		return false
	}
	defer nc.Close()

	frontend := pgproto3.NewFrontend(nc, nc)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":        "walproposer",
			"database":    "replication",
			"replication": "true",
			"options": fmt.Sprintf("-c timeline_id=%s tenant_id=%s",
				a.opts.TimelineID, a.opts.TenantID),
		},
	})
	if err := frontend.Flush(); err != nil {
		a.log.Warnf("recovery startup failed: %v", err)
		return false
	}
	if !awaitReady(frontend, a) {
		return false
	}

	frontend.Send(&pgproto3.Query{
		String: fmt.Sprintf("START_REPLICATION PHYSICAL %s", startPos),
	})
	if err := frontend.Flush(); err != nil {
		a.log.Warnf("recovery START_REPLICATION failed: %v", err)
		return false
	}

	pos := startPos
	for pos < endPos {
		msg, err := frontend.Receive()
		if err != nil {
			a.log.Warnf("recovery stream broke at %s: %v", pos, err)
			return false
		}
		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse, *pgproto3.CopyOutResponse:
			// Stream starting.
		case *pgproto3.CopyData:
			if len(m.Data) == 0 || m.Data[0] != 'w' {
				continue
			}
			if len(m.Data) < 25 {
				a.log.Warnf("recovery got truncated XLogData of %d bytes", len(m.Data))
				return false
			}
			dataStart := wal.Lsn(binary.BigEndian.Uint64(m.Data[1:9]))
			payload := m.Data[25:]
			if dataStart != pos {
				a.log.Warnf("recovery stream jumped to %s while expecting %s", dataStart, pos)
				return false
			}
			n := wal.Lsn(len(payload))
			if dataStart+n > endPos {
				n = endPos - dataStart
			}
			if err := a.writeWal(timeline, dataStart, payload[:n]); err != nil {
				a.log.Warnf("recovery write failed: %v", err)
				return false
			}
			pos = dataStart + n
		case *pgproto3.ErrorResponse:
			a.log.Warnf("recovery rejected by donor: %s", m.Message)
			return false
		}
	}

	a.log.Infof("recovered WAL up to %s", pos)
	return true
}

func awaitReady(frontend *pgproto3.Frontend, a *Adapter) bool {
	for {
		msg, err := frontend.Receive()
		if err != nil {
			a.log.Warnf("recovery handshake failed: %v", err)
			return false
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return true
		case *pgproto3.ErrorResponse:
			a.log.Warnf("recovery handshake rejected: %s", m.Message)
			return false
		}
	}
}

// writeWal lands a chunk into its segment files, creating full-size
// sparse segments as needed.
func (a *Adapter) writeWal(timeline uint32, pos wal.Lsn, data []byte) error {
	for len(data) > 0 {
		name := wal.SegmentFileName(timeline, pos, a.opts.SegmentSize)
		f, err := os.OpenFile(filepath.Join(a.opts.WalDir, name), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return err
		}

		off := pos.SegmentOffset(a.opts.SegmentSize)
		n := uint64(len(data))
		if off+n > a.opts.SegmentSize {
			n = a.opts.SegmentSize - off
		}
		if _, err := f.WriteAt(data[:n], int64(off)); err != nil {
			f.Close()
			return err
		}
		f.Close()

		data = data[n:]
		pos += wal.Lsn(n)
	}
	return nil
}
