package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/pgkeeper/walproposer/pkg/proposer"
	"github.com/pgkeeper/walproposer/pkg/wal"
)

type Config struct {
	Tenant     TenantConfig     `yaml:"tenant" mapstructure:"tenant"`
	Safekeeper SafekeeperConfig `yaml:"safekeeper" mapstructure:"safekeeper"`
	Wal        WalConfig        `yaml:"wal" mapstructure:"wal"`
	Monitor    MonitorConfig    `yaml:"monitor" mapstructure:"monitor"`
}

type TenantConfig struct {
	// TenantID and TimelineID are 32-digit hex ids.
	TenantID   string `yaml:"tenant_id" mapstructure:"tenant_id"`
	TimelineID string `yaml:"timeline_id" mapstructure:"timeline_id"`
}

type SafekeeperConfig struct {
	// List is "host:port,host:port,...".
	List string `yaml:"list" mapstructure:"list"`

	ReconnectTimeout  time.Duration `yaml:"reconnect_timeout" mapstructure:"reconnect_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`
}

type WalConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	SegmentSize uint32 `yaml:"segment_size" mapstructure:"segment_size"`
	SystemID    uint64 `yaml:"system_id" mapstructure:"system_id"`
	PgTimeline  uint32 `yaml:"pg_timeline" mapstructure:"pg_timeline"`
	PgVersion   uint32 `yaml:"pg_version" mapstructure:"pg_version"`

	// RedoStartLsn is the basebackup start position, "A/B" form.
	RedoStartLsn string `yaml:"redo_start_lsn" mapstructure:"redo_start_lsn"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}
	viper.SetEnvPrefix("walproposer")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("safekeeper.reconnect_timeout", 1*time.Second)
	viper.SetDefault("safekeeper.connection_timeout", 10*time.Second)

	viper.SetDefault("wal.dir", "pg_wal")
	viper.SetDefault("wal.segment_size", wal.DefaultSegmentSize)
	viper.SetDefault("wal.pg_timeline", 1)
	viper.SetDefault("wal.pg_version", 160000)

	viper.SetDefault("monitor.enabled", false)
	viper.SetDefault("monitor.address", "127.0.0.1:7676")

	if configPath != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func Validate(cfg *Config) error {
	if cfg.Tenant.TenantID == "" {
		return fmt.Errorf("tenant.tenant_id is required")
	}
	if _, err := ParseID(cfg.Tenant.TenantID); err != nil {
		return fmt.Errorf("tenant.tenant_id: %w", err)
	}
	if cfg.Tenant.TimelineID == "" {
		return fmt.Errorf("tenant.timeline_id is required")
	}
	if _, err := ParseID(cfg.Tenant.TimelineID); err != nil {
		return fmt.Errorf("tenant.timeline_id: %w", err)
	}

	if cfg.Safekeeper.List == "" {
		return fmt.Errorf("safekeeper.list is required")
	}
	addrs := strings.Split(cfg.Safekeeper.List, ",")
	if len(addrs) > proposer.MaxSafekeepers {
		return fmt.Errorf("safekeeper.list has %d entries, at most %d are supported",
			len(addrs), proposer.MaxSafekeepers)
	}
	for _, addr := range addrs {
		host, port, ok := strings.Cut(addr, ":")
		if !ok || host == "" || port == "" {
			return fmt.Errorf("safekeeper.list entry %q is not host:port", addr)
		}
	}

	if cfg.Wal.SegmentSize == 0 || cfg.Wal.SegmentSize%wal.BlockSize != 0 {
		return fmt.Errorf("wal.segment_size must be a multiple of %d", wal.BlockSize)
	}

	if cfg.Wal.RedoStartLsn != "" {
		if _, err := ParseLsn(cfg.Wal.RedoStartLsn); err != nil {
			return fmt.Errorf("wal.redo_start_lsn: %w", err)
		}
	}

	return nil
}

// ParseID parses a 32-digit hex id, with or without uuid dashes.
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// ParseLsn parses the usual "A/B" LSN form.
func ParseLsn(s string) (wal.Lsn, error) {
	var hi, lo uint32
	if n, err := fmt.Sscanf(s, "%x/%x", &hi, &lo); n != 2 || err != nil {
		return wal.InvalidLsn, fmt.Errorf("malformed LSN %q", s)
	}
	return wal.Lsn(uint64(hi)<<32 | uint64(lo)), nil
}

// Proposer converts loaded configuration into the core's config.
func (cfg *Config) Proposer(syncMode bool) (*proposer.Config, error) {
	tenant, err := ParseID(cfg.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	timeline, err := ParseID(cfg.Tenant.TimelineID)
	if err != nil {
		return nil, err
	}
	return &proposer.Config{
		TenantID:          tenant,
		TimelineID:        timeline,
		SafekeepersList:   cfg.Safekeeper.List,
		ReconnectTimeout:  cfg.Safekeeper.ReconnectTimeout,
		ConnectionTimeout: cfg.Safekeeper.ConnectionTimeout,
		WalSegSize:        cfg.Wal.SegmentSize,
		SyncSafekeepers:   syncMode,
		SystemID:          cfg.Wal.SystemID,
		PgTimeline:        cfg.Wal.PgTimeline,
		PgVersion:         cfg.Wal.PgVersion,
	}, nil
}
