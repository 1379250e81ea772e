package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   Server   `yaml:"server"`
	Timeouts Timeouts `yaml:"timeouts"`
	Batch    Batch    `yaml:"batch"`
	Poll     Poll     `yaml:"poll"`
	Orphans  Orphans  `yaml:"orphans"`
	Journal  Journal  `yaml:"journal"`
	Metrics  Metrics  `yaml:"metrics"`
	Archive  Archive  `yaml:"archive"`
	LogLevel string   `yaml:"log_level"`
}

// Server describes the WordPress admin-ajax endpoint the client talks to
type Server struct {
	URL          string `yaml:"url"`
	Nonce        string `yaml:"nonce"`
	NonceField   string `yaml:"nonce_field"`
	ActionPrefix string `yaml:"action_prefix"`
}

// Timeouts per remote call class
type Timeouts struct {
	Default     time.Duration `yaml:"default"`
	Stage2      time.Duration `yaml:"stage2"`
	Stage3Batch time.Duration `yaml:"stage3_batch"`
}

// Batch tunes the stage 3 batch loop
type Batch struct {
	StallThreshold int           `yaml:"stall_threshold"`
	Backoff        time.Duration `yaml:"backoff"`
}

// Poll holds the progress poller intervals
type Poll struct {
	StageInterval time.Duration `yaml:"stage_interval"`
	PageInterval  time.Duration `yaml:"page_interval"`
}

// Orphans tunes the orphan reconciliation panel
type Orphans struct {
	NoneDismiss   time.Duration `yaml:"none_dismiss"`
	ReportDismiss time.Duration `yaml:"report_dismiss"`
	SampleCap     int           `yaml:"sample_cap"`
}

// Journal configures the local sync log
type Journal struct {
	Path string `yaml:"path"`
}

// Metrics configures the prometheus endpoint; an empty address disables it
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Archive represents the S3-compatible report archive; an empty endpoint disables it
type Archive struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether report archiving is configured
func (a Archive) Enabled() bool {
	return a.Endpoint != ""
}

// Default returns the configuration used before file and flag overrides
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: Server{
			NonceField:   "nonce",
			ActionPrefix: "brag_book_gallery_",
		},
		Timeouts: Timeouts{
			Default:     30 * time.Second,
			Stage2:      300 * time.Second,
			Stage3Batch: 180 * time.Second,
		},
		Batch: Batch{
			StallThreshold: 3,
			Backoff:        500 * time.Millisecond,
		},
		Poll: Poll{
			StageInterval: 2 * time.Second,
			PageInterval:  1500 * time.Millisecond,
		},
		Orphans: Orphans{
			NoneDismiss:   5 * time.Second,
			ReportDismiss: 10 * time.Second,
			SampleCap:     5,
		},
		Journal: Journal{
			Path: "./bragsync.db",
		},
		Archive: Archive{
			Secure: true,
			Prefix: "reports",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error

	if flags.Changed("server-url") {
		if cfg.Server.URL, err = flags.GetString("server-url"); err != nil {
			return err
		}
	}
	if flags.Changed("nonce") {
		if cfg.Server.Nonce, err = flags.GetString("nonce"); err != nil {
			return err
		}
	}
	if flags.Changed("action-prefix") {
		if cfg.Server.ActionPrefix, err = flags.GetString("action-prefix"); err != nil {
			return err
		}
	}
	if flags.Changed("timeout") {
		if cfg.Timeouts.Default, err = flags.GetDuration("timeout"); err != nil {
			return err
		}
	}
	if flags.Changed("stall-threshold") {
		if cfg.Batch.StallThreshold, err = flags.GetInt("stall-threshold"); err != nil {
			return err
		}
	}
	if flags.Changed("batch-backoff") {
		if cfg.Batch.Backoff, err = flags.GetDuration("batch-backoff"); err != nil {
			return err
		}
	}
	if flags.Changed("journal") {
		if cfg.Journal.Path, err = flags.GetString("journal"); err != nil {
			return err
		}
	}
	if flags.Changed("metrics-addr") {
		if cfg.Metrics.Addr, err = flags.GetString("metrics-addr"); err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server url %q must be an absolute http(s) url", c.Server.URL)
	}
	if c.Server.NonceField == "" {
		return fmt.Errorf("nonce field name is required")
	}

	if c.Timeouts.Default <= 0 || c.Timeouts.Stage2 <= 0 || c.Timeouts.Stage3Batch <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	// A threshold of 1 would stall on the first reading
	if c.Batch.StallThreshold < 2 {
		return fmt.Errorf("stall threshold must be at least 2")
	}
	if c.Batch.Backoff < 0 {
		return fmt.Errorf("batch backoff cannot be negative")
	}

	if c.Poll.StageInterval <= 0 || c.Poll.PageInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if c.Orphans.SampleCap <= 0 {
		return fmt.Errorf("orphan sample cap must be positive")
	}

	if c.Journal.Path == "" {
		return fmt.Errorf("journal path is required")
	}

	if c.Archive.Enabled() {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when archive endpoint is set")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive credentials are required when archive endpoint is set")
		}
	}

	return nil
}
