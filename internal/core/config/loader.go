package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

// Load reads configuration from a YAML file, expanding ${VAR} references first.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Authority.Environment == 0 {
		cfg.Authority.Environment = soap.Production
	}
	if cfg.Authority.DistributionURL == "" && cfg.Authority.Environment.Valid() {
		cfg.Authority.DistributionURL = cfg.Authority.Environment.DistributionURL()
	}
	if cfg.Authority.EventsURL == "" && cfg.Authority.Environment.Valid() {
		cfg.Authority.EventsURL = cfg.Authority.Environment.EventsURL()
	}

	defaults := transport.DefaultConfig()
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = defaults.Timeout
	}
	if cfg.Transport.MaxAttempts == 0 {
		cfg.Transport.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Transport.BaseDelay == 0 {
		cfg.Transport.BaseDelay = defaults.BaseDelay
	}

	if cfg.Sync.MaxIterations == 0 {
		cfg.Sync.MaxIterations = 20
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = 120 * time.Second
	}
	if cfg.Sync.BlockDuration == 0 {
		cfg.Sync.BlockDuration = time.Hour
	}
	if cfg.Sync.StaleJobAfter == 0 {
		cfg.Sync.StaleJobAfter = 10 * time.Minute
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 10 * time.Minute
	}
	if cfg.Sync.CaughtUpInterval == 0 {
		cfg.Sync.CaughtUpInterval = time.Hour
	}
}

// Validate checks settings that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if !c.Authority.Environment.Valid() {
		return fmt.Errorf("authority.environment must be 1 or 2, got %d", c.Authority.Environment)
	}
	if c.Sync.CaughtUpInterval < time.Hour {
		return fmt.Errorf("sync.caught_up_interval must be at least 1h, got %s", c.Sync.CaughtUpInterval)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if !soap.ValidTaxID(t.CNPJ) {
			return fmt.Errorf("tenant %s: invalid cnpj %q", t.ID, t.CNPJ)
		}
		if len(t.UF) != 2 || strings.Trim(t.UF, "0123456789") != "" {
			return fmt.Errorf("tenant %s: uf must be a 2 digit IBGE code, got %q", t.ID, t.UF)
		}
		if t.PFXPath == "" {
			return fmt.Errorf("tenant %s: pfx_path is required", t.ID)
		}
	}
	return nil
}
