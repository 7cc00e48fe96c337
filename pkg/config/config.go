// Package config holds the typed configuration structs the core's
// constructors are built from. Parsing config files or environment
// variables into these structs is an explicit out-of-scope external
// collaborator (see spec §1); this package only defines the shape,
// the same division the teacher draws between its cmd/ flag parsing
// and manager.NewManager(cfg).
package config

import (
	"fmt"
	"time"

	"github.com/cuemby/hvorchestrator/pkg/auth"
	"github.com/cuemby/hvorchestrator/pkg/inventory"
	"github.com/cuemby/hvorchestrator/pkg/scheduler"
)

// Config is the top-level, hand-assembled configuration for one
// hvorchestratord process. YAML struct tags are carried for shape
// parity with the teacher's config files even though no parser is
// wired here — the excluded "configuration file parsing" collaborator
// produces a Config by whatever means it likes.
type Config struct {
	HTTPAddr  string          `yaml:"http_addr"`
	Hosts     []string        `yaml:"hosts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Inventory InventoryConfig `yaml:"inventory"`
	Auth      AuthConfig      `yaml:"auth"`
}

// SchedulerConfig controls the remote task scheduler's worker pool
// dynamics (spec §4.3).
type SchedulerConfig struct {
	MinWorkers               int           `yaml:"min_workers"`
	MaxWorkers               int           `yaml:"max_workers"`
	IdleSeconds              time.Duration `yaml:"idle_seconds"`
	ScaleUpBacklog           int           `yaml:"scale_up_backlog"`
	ScaleUpDurationThreshold time.Duration `yaml:"scale_up_duration_threshold"`
}

// InventoryConfig controls the refresh cadence and startup readiness
// budget (spec §4.5).
type InventoryConfig struct {
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	InitialRefreshBudget time.Duration `yaml:"initial_refresh_budget"`
}

// AuthConfig controls OIDC discovery, JWKS caching, the permission
// hierarchy's role mapping, and session cookie lifetime (spec §4.8).
type AuthConfig struct {
	Issuer        string        `yaml:"issuer"`
	JWKSURL       string        `yaml:"jwks_url"`
	AuthorizeURL  string        `yaml:"authorize_url"`
	TokenURL      string        `yaml:"token_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	RedirectURL   string        `yaml:"redirect_url"`
	Audiences     []string      `yaml:"audiences"`
	JWKSTTL       time.Duration `yaml:"jwks_ttl"`
	RolePrefixes  []string      `yaml:"role_prefixes"`
	AdminRole     string        `yaml:"admin_role"`
	WriterRole    string        `yaml:"writer_role"`
	ReaderRole    string        `yaml:"reader_role"`
	LegacyRole    string        `yaml:"legacy_role"`
	MaxTokenAge   time.Duration `yaml:"max_token_age"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
}

// Validate applies the defaults-and-sanity pass a ConfigError surfaces
// at startup (spec §7): readyz reports config_error and the job and
// inventory services never start when this fails.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8443"
	}
	if c.Scheduler.MinWorkers <= 0 {
		c.Scheduler.MinWorkers = 2
	}
	if c.Scheduler.MaxWorkers <= 0 {
		c.Scheduler.MaxWorkers = max(16, c.Scheduler.MinWorkers)
	}
	if c.Scheduler.MaxWorkers < c.Scheduler.MinWorkers {
		return fmt.Errorf("config: scheduler.max_workers (%d) must be >= min_workers (%d)", c.Scheduler.MaxWorkers, c.Scheduler.MinWorkers)
	}
	if c.Inventory.RefreshInterval <= 0 {
		c.Inventory.RefreshInterval = 30 * time.Second
	}
	if c.Auth.JWKSTTL <= 0 {
		c.Auth.JWKSTTL = 5 * time.Minute
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}
	if c.Auth.WriterRole == "" {
		c.Auth.WriterRole = "writer"
	}
	if c.Auth.ReaderRole == "" {
		c.Auth.ReaderRole = "reader"
	}
	return nil
}

// SchedulerConfig adapts to scheduler.Config.
func (c SchedulerConfig) ToScheduler() scheduler.Config {
	return scheduler.Config{
		MinWorkers:               c.MinWorkers,
		MaxWorkers:               c.MaxWorkers,
		IdleSeconds:              c.IdleSeconds,
		ScaleUpBacklog:           c.ScaleUpBacklog,
		ScaleUpDurationThreshold: c.ScaleUpDurationThreshold,
	}
}

// InventoryConfig adapts to inventory.Config.
func (c InventoryConfig) ToInventory() inventory.Config {
	return inventory.Config{
		RefreshInterval:      c.RefreshInterval,
		InitialRefreshBudget: c.InitialRefreshBudget,
	}
}

// RoleMapping adapts to auth.RoleMapping.
func (c AuthConfig) RoleMapping() auth.RoleMapping {
	return auth.RoleMapping{
		AdminRole:  c.AdminRole,
		WriterRole: c.WriterRole,
		ReaderRole: c.ReaderRole,
		LegacyRole: c.LegacyRole,
	}
}

// TokenConfig adapts to auth.TokenConfig (the JWKS cache itself is
// constructed separately since it owns an HTTP client and a logger).
func (c AuthConfig) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Issuer:       c.Issuer,
		Audiences:    c.Audiences,
		RolePrefixes: c.RolePrefixes,
		MaxAge:       c.MaxTokenAge,
		Roles:        c.RoleMapping(),
	}
}
