// Package config loads device and server settings from a config file and
// POS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nexusti/possync/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. POS_REMOTE_BASE_URL.
const EnvPrefix = "POS"

// Config is the full configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath   string `mapstructure:"db_path" yaml:"db_path"`
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`
	// UserID is the cashier the CLI checks out as.
	UserID int64 `mapstructure:"user_id" yaml:"user_id"`

	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Checkout  CheckoutConfig  `mapstructure:"checkout" yaml:"checkout"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       logging.Config  `mapstructure:"log" yaml:"log"`
}

// RemoteConfig points at the remote API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ProbeAddress is dialed to decide whether the network is up. Derived
	// from BaseURL when empty.
	ProbeAddress string        `mapstructure:"probe_address" yaml:"probe_address"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// SyncConfig tunes the background stages.
type SyncConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DocMaxRetries   int           `mapstructure:"doc_max_retries" yaml:"doc_max_retries"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	KeepDocuments   bool          `mapstructure:"keep_documents" yaml:"keep_documents"`
}

// CheckoutConfig selects checkout behavior.
type CheckoutConfig struct {
	OutboxMode  string  `mapstructure:"outbox_mode" yaml:"outbox_mode"`
	StockPolicy string  `mapstructure:"stock_policy" yaml:"stock_policy"`
	Numbering   string  `mapstructure:"numbering" yaml:"numbering"`
	TaxPercent  float64 `mapstructure:"tax_percent" yaml:"tax_percent"`
	StoreName   string  `mapstructure:"store_name" yaml:"store_name"`
	// EagerSync pushes each sale right after checkout.
	EagerSync bool `mapstructure:"eager_sync" yaml:"eager_sync"`
}

// MarshalYAML writes durations in their readable form.
func (r RemoteConfig) MarshalYAML() (any, error) {
	return struct {
		BaseURL      string `yaml:"base_url"`
		Token        string `yaml:"token"`
		Timeout      string `yaml:"timeout"`
		ProbeAddress string `yaml:"probe_address"`
		ProbeTimeout string `yaml:"probe_timeout"`
	}{r.BaseURL, r.Token, r.Timeout.String(), r.ProbeAddress, r.ProbeTimeout.String()}, nil
}

// MarshalYAML writes durations in their readable form.
func (s SyncConfig) MarshalYAML() (any, error) {
	return struct {
		MaxRetries      int    `yaml:"max_retries"`
		Timeout         string `yaml:"timeout"`
		DocMaxRetries   int    `yaml:"doc_max_retries"`
		SweepInterval   string `yaml:"sweep_interval"`
		CleanupInterval string `yaml:"cleanup_interval"`
		Retention       string `yaml:"retention"`
		KeepDocuments   bool   `yaml:"keep_documents"`
	}{s.MaxRetries, s.Timeout.String(), s.DocMaxRetries, s.SweepInterval.String(),
		s.CleanupInterval.String(), s.Retention.String(), s.KeepDocuments}, nil
}

// DashboardConfig configures the local dashboard.
type DashboardConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ServerConfig configures the reference remote API.
type ServerConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"database_url"`
	BlobDir        string `mapstructure:"blob_dir" yaml:"blob_dir"`
	PublicURL      string `mapstructure:"public_url" yaml:"public_url"`
	Token          string `mapstructure:"token" yaml:"token"`
	NotifyOnUpload bool   `mapstructure:"notify_on_upload" yaml:"notify_on_upload"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir: "data",
		UserID:  1,
		Remote: RemoteConfig{
			BaseURL:      "http://localhost:8090",
			Timeout:      10 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:      3,
			Timeout:         5 * time.Second,
			DocMaxRetries:   3,
			SweepInterval:   2 * time.Minute,
			CleanupInterval: time.Hour,
			Retention:       30 * 24 * time.Hour,
		},
		Checkout: CheckoutConfig{
			OutboxMode:  "transactional",
			StockPolicy: "reject",
			Numbering:   "counter",
			TaxPercent:  19,
			EagerSync:   true,
		},
		Dashboard: DashboardConfig{Addr: "127.0.0.1:8081"},
		Server: ServerConfig{
			Addr:           ":8090",
			BlobDir:        "blobs",
			NotifyOnUpload: true,
		},
		Log: logging.DefaultConfig(),
	}
}

// setDefaults registers every key so environment overrides apply even
// without a config file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("spool_dir", "")
	v.SetDefault("user_id", d.UserID)

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.probe_address", "")
	v.SetDefault("remote.probe_timeout", d.Remote.ProbeTimeout)

	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.timeout", d.Sync.Timeout)
	v.SetDefault("sync.doc_max_retries", d.Sync.DocMaxRetries)
	v.SetDefault("sync.sweep_interval", d.Sync.SweepInterval)
	v.SetDefault("sync.cleanup_interval", d.Sync.CleanupInterval)
	v.SetDefault("sync.retention", d.Sync.Retention)
	v.SetDefault("sync.keep_documents", d.Sync.KeepDocuments)

	v.SetDefault("checkout.outbox_mode", d.Checkout.OutboxMode)
	v.SetDefault("checkout.stock_policy", d.Checkout.StockPolicy)
	v.SetDefault("checkout.numbering", d.Checkout.Numbering)
	v.SetDefault("checkout.tax_percent", d.Checkout.TaxPercent)
	v.SetDefault("checkout.store_name", d.Checkout.StoreName)
	v.SetDefault("checkout.eager_sync", d.Checkout.EagerSync)

	v.SetDefault("dashboard.addr", d.Dashboard.Addr)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.database_url", "")
	v.SetDefault("server.blob_dir", d.Server.BlobDir)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.notify_on_upload", d.Server.NotifyOnUpload)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads configuration. With an empty path it looks for pos.toml,
// pos.yaml or pos.yml in the working directory and is happy without one.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pos")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "pos.db")
	}
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(c.DataDir, "receipts")
	}
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive (got %d)", c.Sync.MaxRetries)
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive (got %s)", c.Sync.Timeout)
	}
	if c.Checkout.TaxPercent < 0 {
		return fmt.Errorf("checkout.tax_percent must not be negative (got %g)", c.Checkout.TaxPercent)
	}
	switch c.Checkout.OutboxMode {
	case "transactional", "best-effort":
	default:
		return fmt.Errorf("checkout.outbox_mode must be transactional or best-effort (got %q)", c.Checkout.OutboxMode)
	}
	switch c.Checkout.StockPolicy {
	case "allow", "reject", "clamp":
	default:
		return fmt.Errorf("checkout.stock_policy must be allow, reject or clamp (got %q)", c.Checkout.StockPolicy)
	}
	switch c.Checkout.Numbering {
	case "counter", "count":
	default:
		return fmt.Errorf("checkout.numbering must be counter or count (got %q)", c.Checkout.Numbering)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
