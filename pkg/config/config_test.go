package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":8443", cfg.HTTPAddr)
	require.Equal(t, 2, cfg.Scheduler.MinWorkers)
	require.Equal(t, 30*time.Second, cfg.Inventory.RefreshInterval)
	require.Equal(t, 5*time.Minute, cfg.Auth.JWKSTTL)
	require.Equal(t, "admin", cfg.Auth.AdminRole)
	require.Equal(t, "writer", cfg.Auth.WriterRole)
	require.Equal(t, "reader", cfg.Auth.ReaderRole)
}

func TestValidateRejectsMaxWorkersBelowMin(t *testing.T) {
	cfg := Config{Scheduler: SchedulerConfig{MinWorkers: 4, MaxWorkers: 2}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidatePreservesExplicitValues(t *testing.T) {
	cfg := Config{
		HTTPAddr:  ":9000",
		Scheduler: SchedulerConfig{MinWorkers: 3, MaxWorkers: 10},
		Auth:      AuthConfig{AdminRole: "superuser"},
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, 3, cfg.Scheduler.MinWorkers)
	require.Equal(t, "superuser", cfg.Auth.AdminRole)
	require.Equal(t, "writer", cfg.Auth.WriterRole, "unset roles still get their default")
}

func TestSchedulerConfigAdapter(t *testing.T) {
	cfg := SchedulerConfig{MinWorkers: 2, MaxWorkers: 8, IdleSeconds: time.Minute}
	sched := cfg.ToScheduler()
	require.Equal(t, 2, sched.MinWorkers)
	require.Equal(t, 8, sched.MaxWorkers)
	require.Equal(t, time.Minute, sched.IdleSeconds)
}

func TestAuthConfigRoleMappingAndTokenConfig(t *testing.T) {
	cfg := AuthConfig{
		Issuer:       "https://idp.example.com",
		Audiences:    []string{"hvorchestrator"},
		AdminRole:    "admin",
		WriterRole:   "writer",
		ReaderRole:   "reader",
		LegacyRole:   "operator",
		RolePrefixes: []string{"https://schemas.example.com/roles/"},
	}

	mapping := cfg.RoleMapping()
	require.Equal(t, "admin", mapping.AdminRole)
	require.Equal(t, "operator", mapping.LegacyRole)

	tc := cfg.TokenConfig()
	require.Equal(t, "https://idp.example.com", tc.Issuer)
	require.Equal(t, []string{"hvorchestrator"}, tc.Audiences)
	require.Equal(t, mapping, tc.Roles)
}
