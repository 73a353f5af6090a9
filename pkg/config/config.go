package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the reconciliation configuration surface. It is read fresh at
// every scheduler pass and record decision.
type Config struct {
	// ManagementServerID identifies this management server in the ledger
	ManagementServerID string `yaml:"management_server_id"`

	Enabled     bool          `yaml:"enabled"`
	Period      time.Duration `yaml:"period"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`

	GracePeriod  time.Duration `yaml:"grace_period"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// LeaseTTL defaults to Period
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// ProbeRate is the sustained probes per second; ProbeBurst the bucket size
	ProbeRate  float64 `yaml:"probe_rate"`
	ProbeBurst int     `yaml:"probe_burst"`

	// HostTimeout is how long a host may miss heartbeats before it is marked down
	HostTimeout time.Duration `yaml:"host_timeout"`
}

// Default returns the configuration used for unset fields
func Default() Config {
	return Config{
		Enabled:      false,
		Period:       60 * time.Second,
		Workers:      5,
		MaxAttempts:  5,
		GracePeriod:  10 * time.Minute,
		ProbeTimeout: 30 * time.Second,
		ProbeRate:    50,
		ProbeBurst:   10,
		HostTimeout:  3 * time.Minute,
	}
}

// Validate checks the configuration is usable
func (c Config) Validate() error {
	var errs []error
	if c.ManagementServerID == "" {
		errs = append(errs, errors.New("management_server_id is required"))
	}
	if c.Period <= 0 {
		errs = append(errs, fmt.Errorf("period must be positive, got %s", c.Period))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL))
	}
	if c.ProbeRate <= 0 || c.ProbeBurst < 1 {
		errs = append(errs, fmt.Errorf("probe_rate and probe_burst must be positive"))
	}
	return errors.Join(errs...)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = cfg.Period
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses a YAML config file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// ForServer returns the defaults with a management server ID filled in,
// generating one when id is empty
func ForServer(id string) Config {
	cfg := Default()
	if id == "" {
		id = uuid.New().String()
	}
	cfg.ManagementServerID = id
	cfg.LeaseTTL = cfg.Period
	return cfg
}

// Summary renders the config as YAML with human-readable durations
func (c Config) Summary() ([]byte, error) {
	return yaml.Marshal(map[string]interface{}{
		"management_server_id": c.ManagementServerID,
		"enabled":              c.Enabled,
		"period":               c.Period.String(),
		"workers":              c.Workers,
		"max_attempts":         c.MaxAttempts,
		"grace_period":         c.GracePeriod.String(),
		"probe_timeout":        c.ProbeTimeout.String(),
		"lease_ttl":            c.LeaseTTL.String(),
		"probe_rate":           c.ProbeRate,
		"probe_burst":          c.ProbeBurst,
		"host_timeout":         c.HostTimeout.String(),
	})
}

// Source supplies the current configuration
type Source interface {
	Current() Config
}

// Static is a Source that never changes
type Static Config

// Current returns the fixed configuration
func (s Static) Current() Config {
	return Config(s)
}
