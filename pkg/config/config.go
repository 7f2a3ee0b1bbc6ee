package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/meshbridge/pkg/log"
)

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config is the complete bridge configuration, loaded from YAML
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Meshtastic  InterfaceConfig   `yaml:"meshtastic"`
	MeshCore    InterfaceConfig   `yaml:"meshcore"`
	DualMode    *bool             `yaml:"dual_mode,omitempty"` // nil: derived from enabled interfaces
	Ingest      IngestConfig      `yaml:"ingest"`
	Loader      LoaderConfig      `yaml:"loader"`
	KeySync     KeySyncConfig     `yaml:"keysync"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend   string        `yaml:"backend"`
	DataDir   string        `yaml:"data_dir"`
	Retention time.Duration `yaml:"retention"`
	QueueSize int           `yaml:"queue_size"`
	BufferCap int           `yaml:"buffer_cap"` // in-memory packet buffer size
}

// InterfaceConfig describes one radio interface
type InterfaceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // host:port of the decoder stream
}

// IngestConfig tunes reader tasks
type IngestConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxShortReads  int           `yaml:"max_short_reads"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	BackoffJitter  float64       `yaml:"backoff_jitter"` // 0 disables randomization
	MaxRetries     int           `yaml:"max_retries"`
}

// LoaderConfig tunes the initial topology load
type LoaderConfig struct {
	InitialWait   time.Duration `yaml:"initial_wait"`
	MaxWait       time.Duration `yaml:"max_wait"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StableSamples int           `yaml:"stable_samples"`
}

// KeySyncConfig tunes the key synchronizer
type KeySyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MaintenanceConfig tunes periodic maintenance
type MaintenanceConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig configures the metrics/health HTTP listener
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: log.InfoLevel},
		Storage: StorageConfig{
			Backend:   BackendSQLite,
			DataDir:   "./meshbridge-data",
			Retention: 30 * 24 * time.Hour,
			QueueSize: 1024,
			BufferCap: 5000,
		},
		Meshtastic: InterfaceConfig{Enabled: true, Name: "meshtastic", Address: "127.0.0.1:4403"},
		MeshCore:   InterfaceConfig{Enabled: false, Name: "meshcore", Address: "127.0.0.1:5000"},
		Ingest: IngestConfig{
			IdleTimeout:    30 * time.Second,
			MaxShortReads:  5,
			DialTimeout:    10 * time.Second,
			BackoffInitial: 2 * time.Second,
			BackoffMax:     2 * time.Minute,
			BackoffFactor:  2.0,
			BackoffJitter:  0.1,
			MaxRetries:     10,
		},
		Loader: LoaderConfig{
			InitialWait:   5 * time.Second,
			MaxWait:       90 * time.Second,
			PollInterval:  3 * time.Second,
			StableSamples: 2,
		},
		KeySync:     KeySyncConfig{Interval: 5 * time.Minute},
		Maintenance: MaintenanceConfig{SweepInterval: time.Hour},
		Metrics:     MetricsConfig{Addr: ":9464"},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDualMode reports whether both networks are ingested concurrently
func (c *Config) IsDualMode() bool {
	if c.DualMode != nil {
		return *c.DualMode
	}
	return c.Meshtastic.Enabled && c.MeshCore.Enabled
}

// Validate checks the configuration for values the bridge cannot run with
func (c *Config) Validate() error {
	var errs []error

	if !c.Meshtastic.Enabled && !c.MeshCore.Enabled {
		errs = append(errs, errors.New("at least one of meshtastic or meshcore must be enabled"))
	}
	if c.IsDualMode() && !(c.Meshtastic.Enabled && c.MeshCore.Enabled) {
		errs = append(errs, errors.New("dual_mode requires both meshtastic and meshcore to be enabled"))
	}
	if !c.IsDualMode() && c.Meshtastic.Enabled && c.MeshCore.Enabled {
		errs = append(errs, errors.New("dual_mode cannot be false while both meshtastic and meshcore are enabled"))
	}
	for _, iface := range []struct {
		section string
		cfg     InterfaceConfig
	}{{"meshtastic", c.Meshtastic}, {"meshcore", c.MeshCore}} {
		if iface.cfg.Enabled && iface.cfg.Address == "" {
			errs = append(errs, fmt.Errorf("%s.address is required when enabled", iface.section))
		}
	}
	if c.Meshtastic.Enabled && c.MeshCore.Enabled && c.Meshtastic.Name == c.MeshCore.Name {
		errs = append(errs, errors.New("meshtastic.name and meshcore.name must differ"))
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendSQLite, BackendBolt, c.Storage.Backend))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.Retention <= 0 {
		errs = append(errs, errors.New("storage.retention must be positive"))
	}

	if c.Ingest.IdleTimeout <= 0 {
		errs = append(errs, errors.New("ingest.idle_timeout must be positive"))
	}
	if c.Ingest.BackoffInitial <= 0 || c.Ingest.BackoffMax < c.Ingest.BackoffInitial {
		errs = append(errs, errors.New("ingest backoff requires 0 < backoff_initial <= backoff_max"))
	}
	if c.Ingest.BackoffFactor < 1 {
		errs = append(errs, errors.New("ingest.backoff_factor must be >= 1"))
	}
	if c.Ingest.BackoffJitter < 0 || c.Ingest.BackoffJitter >= 1 {
		errs = append(errs, errors.New("ingest.backoff_jitter must be in [0, 1)"))
	}

	if c.Loader.PollInterval <= 0 {
		errs = append(errs, errors.New("loader.poll_interval must be positive"))
	}
	if c.Loader.MaxWait < c.Loader.InitialWait {
		errs = append(errs, errors.New("loader.max_wait must be >= loader.initial_wait"))
	}
	if c.KeySync.Interval <= 0 {
		errs = append(errs, errors.New("keysync.interval must be positive"))
	}
	if c.Maintenance.SweepInterval <= 0 {
		errs = append(errs, errors.New("maintenance.sweep_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
