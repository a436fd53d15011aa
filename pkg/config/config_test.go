package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.NotEmpty(t, cfg.Roles)
	assert.NotEmpty(t, cfg.PhaseTemplates)
	assert.Equal(t, DefaultMaxReviewAttempts, cfg.Review.MaxAttempts)
	assert.NotEmpty(t, cfg.Handoff.ReportFile)
}

func TestLoadAppliesDefaultsOverPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	doc := `
review:
  max_attempts: 5
lead_rules:
  - keywords: [api]
    role: backend_lead
    focus: service design
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Review.MaxAttempts)
	assert.Equal(t, []string{"Build", "Tests"}, cfg.Handoff.RequiredSections)
	assert.Equal(t, "docs/handoff_report.md", cfg.Handoff.ReportFile)
	assert.Equal(t, "balanced", cfg.Policy.Default)
}

func TestLoadRejectsUnknownLeadRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	doc := `
lead_rules:
  - keywords: [api]
    role: wizard
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestSelectLeadFirstMatchWins(t *testing.T) {
	cfg := Default()

	role, focus := cfg.SelectLead("Expose a new API for the billing service")
	assert.Equal(t, LeadRoleBackend, role)
	assert.NotEmpty(t, focus)

	// Both backend and frontend keywords present: rule order decides.
	role, _ = cfg.SelectLead("API work plus a dashboard page")
	assert.Equal(t, LeadRoleBackend, role)

	role, focus = cfg.SelectLead("tighten the prose in the README")
	assert.Equal(t, LeadRoleArchitect, role)
	assert.Equal(t, "overall system design", focus)
}

func TestPresetFallsBackToDefaultAndBoost(t *testing.T) {
	cfg := Default()
	cfg.Policy = PolicyConfig{
		Default: "balanced",
		Presets: map[string]PolicyPreset{
			"balanced":       {},
			"cost-sensitive": {DisableRoutes: []string{"swarm"}, Boost: 0.1},
		},
	}
	t.Setenv("MODEL_POLICY", "")

	name, preset := cfg.Preset("")
	assert.Equal(t, "balanced", name)
	assert.Equal(t, 0.15, preset.Boost)

	name, preset = cfg.Preset("cost-sensitive")
	assert.Equal(t, "cost-sensitive", name)
	assert.Equal(t, []string{"swarm"}, preset.DisableRoutes)
	assert.Equal(t, 0.1, preset.Boost)
}

func TestRoleNamesSorted(t *testing.T) {
	cfg := Default()
	names := cfg.RoleNames()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}
