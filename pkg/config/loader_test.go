package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	configDir := setupTestConfigDir(t)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify the registry is populated
	require.NotNil(t, cfg.Roles)
	assert.True(t, cfg.Roles.Has("pm"))
	assert.True(t, cfg.Roles.Has("coder"))
	assert.Equal(t, []string{"coder", "pm"}, cfg.Roles.Names())

	// User overrides merged over built-in defaults
	assert.Equal(t, 5, cfg.Guardrails.MaxTaskDepth)
	assert.Equal(t, 50, cfg.Guardrails.MaxTasksPerGroup)
	assert.Equal(t, 3, cfg.Guardrails.RejectionCycleLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Fleet.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Fleet.StaleAfter)

	// Per-role defaults
	pm, err := cfg.GetRole("pm")
	require.NoError(t, err)
	assert.Equal(t, 1, pm.MaxInstances)
	assert.Equal(t, "sonnet", pm.Model)
	require.NotNil(t, pm.Provider)
	assert.Equal(t, ProviderKindStub, pm.Provider.Kind)

	coder, err := cfg.GetRole("coder")
	require.NoError(t, err)
	assert.Equal(t, "opus", coder.Model)
	assert.Equal(t, 4, coder.MaxInstances)
	require.NotNil(t, coder.AutoScale)
	assert.True(t, coder.AutoScale.Enabled)
	assert.Equal(t, 2, coder.AutoScale.ScaleUpThreshold)
	assert.Equal(t, 60, coder.AutoScale.ScaleDownIdleSeconds)
	assert.Equal(t, 30, coder.AutoScale.CooldownSeconds)
	require.NotNil(t, coder.Provider)
	assert.Equal(t, ProviderKindCommand, coder.Provider.Kind)

	stats := cfg.Stats()
	assert.Equal(t, 2, stats.Roles)
	assert.Equal(t, 1, stats.Autoscale)
}

func TestInitializeConfigNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := Initialize(ctx, "/nonexistent/directory")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := t.TempDir()

	err := os.WriteFile(filepath.Join(configDir, "team.yaml"), []byte("{{{"), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	configDir := setupTestConfigDir(t)

	// Route to a role that does not exist
	brokenRole := `
role: reviewer
display_name: Reviewer
prefix: RV
accepts: [review]
routes_to:
  - role: ghost
    task_types: [haunting]
`
	err := os.WriteFile(filepath.Join(configDir, "roles", "reviewer.yaml"), []byte(brokenRole), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "ghost")
}

func TestLoadDuplicateRole(t *testing.T) {
	configDir := setupTestConfigDir(t)

	dup := `
role: pm
display_name: Second PM
prefix: P2
accepts: [goal]
`
	err := os.WriteFile(filepath.Join(configDir, "roles", "zz-dup.yaml"), []byte(dup), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
}

func TestLoadMissingRoleName(t *testing.T) {
	configDir := setupTestConfigDir(t)

	err := os.WriteFile(filepath.Join(configDir, "roles", "broken.yaml"), []byte("display_name: Nameless\n"), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = Initialize(ctx, configDir)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestLoadEnvExpansion(t *testing.T) {
	configDir := setupTestConfigDir(t)
	t.Setenv("CONDUCTOR_TEST_DB", "/tmp/expanded.db")

	teamYAML := `
team:
  name: expanded
  database_path: "{{.CONDUCTOR_TEST_DB}}"
  entry_role: pm
  entry_task_type: goal
  default_model: sonnet
`
	err := os.WriteFile(filepath.Join(configDir, "team.yaml"), []byte(teamYAML), 0644)
	require.NoError(t, err)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Team.DatabasePath)
}

func setupTestConfigDir(t *testing.T) string {
	dir := t.TempDir()

	teamYAML := `
team:
  name: demo
  database_path: demo.db
  entry_role: pm
  entry_task_type: goal
  routing_mode: restricted
  default_model: sonnet

guardrails:
  max_task_depth: 5

fleet:
  heartbeat_interval: 250ms
`
	err := os.WriteFile(filepath.Join(dir, "team.yaml"), []byte(teamYAML), 0644)
	require.NoError(t, err)

	rolesDir := filepath.Join(dir, "roles")
	require.NoError(t, os.MkdirAll(rolesDir, 0755))

	pmYAML := `
role: pm
display_name: Product Manager
prefix: PM
accepts: [goal, verification]
produces: [implementation]
routes_to:
  - role: coder
    task_types: [implementation]
`
	err = os.WriteFile(filepath.Join(rolesDir, "pm.yaml"), []byte(pmYAML), 0644)
	require.NoError(t, err)

	coderYAML := `
role: coder
display_name: Coder
prefix: CD
model: opus
accepts: [implementation]
produces: [verification]
routes_to:
  - role: pm
    task_types: [verification]
max_instances: 4
auto_scale:
  enabled: true
  scale_up_threshold: 2
provider:
  kind: command
  command: ["echo", "{}"]
`
	err = os.WriteFile(filepath.Join(rolesDir, "coder.yaml"), []byte(coderYAML), 0644)
	require.NoError(t, err)

	return dir
}
