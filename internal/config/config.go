package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the Brisk scheduler server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	// EtcdEndpoints enables the distributed lock backend. Empty means
	// process-local locking, which is only safe with a single server.
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	Scheduling SchedulingConfig `yaml:"scheduling"`
	Logs       LogStoreConfig   `yaml:"logs"`
}

// SchedulingConfig holds the tunables of the allocation and timing engines.
type SchedulingConfig struct {
	WorkerStaleAfter    time.Duration `yaml:"worker_stale_after"`    // missed-heartbeat window for workers
	MachineStaleAfter   time.Duration `yaml:"machine_stale_after"`   // missed-heartbeat window for machines
	MachineFinishAfter  time.Duration `yaml:"machine_finish_after"`  // silence before a machine is retired
	RunReclaimAfter     time.Duration `yaml:"run_reclaim_after"`     // stuck-in-starting window for jobruns
	WorkerReleaseAfter  time.Duration `yaml:"worker_release_after"`  // held-too-long window for reserved workers
	LockTimeout         time.Duration `yaml:"lock_timeout"`          // named lock acquisition timeout
	SweepInterval       time.Duration `yaml:"sweep_interval"`        // background sweeper tick
	StartupOverheadMS   int64         `yaml:"startup_overhead_ms"`   // per-batch overhead removed before timing
	DefaultRuntimeMS    int64         `yaml:"default_runtime_ms"`    // estimate for files with no history at all
	DayPercent          float64       `yaml:"day_percent"`           // business-hours fill threshold
	NightPercent        float64       `yaml:"night_percent"`         // off-hours fill threshold
}

// LogStoreConfig configures presigned log upload/download URLs. Credentials
// left empty fall back to the ambient AWS credential chain.
type LogStoreConfig struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // optional, for S3-compatible stores
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	PresignExpiry   time.Duration `yaml:"presign_expiry"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Scheduling: SchedulingConfig{
			WorkerStaleAfter:   120 * time.Second,
			MachineStaleAfter:  120 * time.Second,
			MachineFinishAfter: 30 * time.Minute,
			RunReclaimAfter:    14 * time.Minute,
			WorkerReleaseAfter: 15 * time.Minute,
			LockTimeout:        10 * time.Second,
			SweepInterval:      30 * time.Second,
			StartupOverheadMS:  1750,
			DefaultRuntimeMS:   50000,
			DayPercent:         0.9,
			NightPercent:       0.4,
		},
		Logs: LogStoreConfig{
			PresignExpiry: 15 * time.Minute,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
