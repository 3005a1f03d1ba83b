package main

import (
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/pgkeeper/walproposer/pkg/config"
	"github.com/pgkeeper/walproposer/pkg/monitor"
	"github.com/pgkeeper/walproposer/pkg/proposer"
	"github.com/pgkeeper/walproposer/pkg/transport"
	"github.com/pgkeeper/walproposer/pkg/wal"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	syncMode := flag.Bool("sync", false, "sync safekeepers and exit, printing the commit LSN")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger := buildLogger(*debug)
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	propCfg, err := cfg.Proposer(*syncMode)
	if err != nil {
		log.Fatalf("bad configuration: %v", err)
	}

	var redoStart wal.Lsn
	if cfg.Wal.RedoStartLsn != "" {
		redoStart, err = config.ParseLsn(cfg.Wal.RedoStartLsn)
		if err != nil {
			log.Fatalf("bad configuration: %v", err)
		}
	}

	adapter := transport.NewAdapter(transport.Options{
		WalDir:       cfg.Wal.Dir,
		SegmentSize:  uint64(cfg.Wal.SegmentSize),
		PgTimeline:   cfg.Wal.PgTimeline,
		TenantID:     cfg.Tenant.TenantID,
		TimelineID:   cfg.Tenant.TimelineID,
		RedoStartLsn: redoStart,
	}, log)

	if cfg.Monitor.Enabled {
		monitor.NewServer(cfg.Monitor.Address, adapter.SharedState(), log).Start()
	}

	wp := proposer.NewWalProposer(propCfg, adapter, log)
	wp.Start()
}

func buildLogger(debug bool) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	logger, err := zcfg.Build()
	if err != nil {
		os.Exit(1)
	}
	return logger
}
