package config

import (
	"time"

	redisclient "github.com/vietddude/dfesync/internal/infra/redis"
	"github.com/vietddude/dfesync/internal/infra/soap"
	"github.com/vietddude/dfesync/internal/infra/storage/postgres"
	"github.com/vietddude/dfesync/internal/infra/transport"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Authority AuthorityConfig    `yaml:"authority"`
	Transport transport.Config   `yaml:"transport"`
	Sync      SyncConfig         `yaml:"sync"`
	Tenants   []TenantConfig     `yaml:"tenants"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AuthorityConfig selects the web service environment. Empty URLs fall back to the
// national endpoints of the environment.
type AuthorityConfig struct {
	Environment     soap.Environment `yaml:"environment"` // 1 production, 2 homologation
	DistributionURL string           `yaml:"distribution_url"`
	EventsURL       string           `yaml:"events_url"`
}

// SyncConfig holds loop limits and scheduling.
type SyncConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	Timeout          time.Duration `yaml:"timeout"`
	BlockDuration    time.Duration `yaml:"block_duration"`
	StaleJobAfter    time.Duration `yaml:"stale_job_after"`
	Interval         time.Duration `yaml:"interval"`
	CaughtUpInterval time.Duration `yaml:"caught_up_interval"`
	AutoManifest     *bool         `yaml:"auto_manifest"` // default true
}

// AutoManifestEnabled reports the global auto-manifest switch.
func (s SyncConfig) AutoManifestEnabled() bool {
	return s.AutoManifest == nil || *s.AutoManifest
}

// TenantConfig holds the identity and certificate of one recipient.
type TenantConfig struct {
	ID         string `yaml:"id"`
	CNPJ       string `yaml:"cnpj"`
	UF         string `yaml:"uf"` // IBGE code of the authoring state, e.g. "35"
	PFXPath    string `yaml:"pfx_path"`
	Passphrase string `yaml:"passphrase"`
	// AutoManifest overrides sync.auto_manifest when set.
	AutoManifest *bool `yaml:"auto_manifest"`
}

// ManifestEnabled reports whether imported documents are acknowledged automatically.
func (t TenantConfig) ManifestEnabled(sync SyncConfig) bool {
	if t.AutoManifest != nil {
		return *t.AutoManifest
	}
	return sync.AutoManifestEnabled()
}

// Tenant returns the tenant with the given id.
func (c *AppConfig) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}
