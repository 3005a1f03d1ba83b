// Package monitor exposes a small HTTP surface over the state shared
// with the host: pageserver feedback, the last elected term and the
// counters the proposer maintains.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/proposer"
)

type Server struct {
	addr   string
	shared *proposer.SharedState
	log    *zap.SugaredLogger
}

func NewServer(addr string, shared *proposer.SharedState, log *zap.SugaredLogger) *Server {
	return &Server{addr: addr, shared: shared, log: log}
}

// Start serves in the background; the monitor never touches proposer
// internals, only the mutex-protected shared block.
func (s *Server) Start() {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	go func() {
		if err := http.ListenAndServe(s.addr, r); err != nil {
			s.log.Warnf("monitor server stopped: %v", err)
		}
	}()
}

type status struct {
	MineLastElectedTerm uint64 `json:"mine_last_elected_term"`
	CurrentClusterSize  uint64 `json:"current_timeline_size"`
	LastReceivedLsn     string `json:"last_received_lsn"`
	DiskConsistentLsn   string `json:"disk_consistent_lsn"`
	RemoteConsistentLsn string `json:"remote_consistent_lsn"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	fb := s.shared.Feedback()
	st := status{
		MineLastElectedTerm: uint64(s.shared.MineLastElectedTerm()),
		CurrentClusterSize:  fb.CurrentClusterSize,
		LastReceivedLsn:     fb.LastReceivedLsn.String(),
		DiskConsistentLsn:   fb.DiskConsistentLsn.String(),
		RemoteConsistentLsn: fb.RemoteConsistentLsn.String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	fb := s.shared.Feedback()
	fmt.Fprintf(w, "walproposer_mine_last_elected_term %d\n", s.shared.MineLastElectedTerm())
	fmt.Fprintf(w, "walproposer_timeline_start_lsn_mismatches_total %d\n", s.shared.TimelineStartLsnMismatches())
	fmt.Fprintf(w, "walproposer_backpressure_throttling_seconds %f\n", s.shared.BackpressureThrottling().Seconds())
	fmt.Fprintf(w, "walproposer_pageserver_last_received_lsn %d\n", uint64(fb.LastReceivedLsn))
	fmt.Fprintf(w, "walproposer_pageserver_disk_consistent_lsn %d\n", uint64(fb.DiskConsistentLsn))
	fmt.Fprintf(w, "walproposer_pageserver_remote_consistent_lsn %d\n", uint64(fb.RemoteConsistentLsn))
}
