// Package config loads the static workflow configuration: per-role
// prompts and output files, review checklists, router thresholds, policy
// presets, and the ordered keyword-to-lead-role rule table. The document
// is loaded once at startup and treated as read-only afterwards.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LeadRole is a tagged identity for the planning lead, selected by an
// explicit ordered rule table rather than free-form strings.
type LeadRole string

const (
	LeadRoleArchitect LeadRole = "architect"
	LeadRoleBackend   LeadRole = "backend_lead"
	LeadRoleFrontend  LeadRole = "frontend_lead"
	LeadRoleData      LeadRole = "data_lead"
	LeadRoleOps       LeadRole = "ops_lead"
)

// validLeadRoles is the closed set accepted from configuration.
var validLeadRoles = map[LeadRole]bool{
	LeadRoleArchitect: true,
	LeadRoleBackend:   true,
	LeadRoleFrontend:  true,
	LeadRoleData:      true,
	LeadRoleOps:       true,
}

// Section is a titled template block rendered into a role document.
type Section struct {
	Title    string `yaml:"title"`
	Template string `yaml:"template"`
}

// Role configures one planning stage: its prompt, output file, and the
// structured defaults it contributes to the plan.
type Role struct {
	SystemPrompt  string            `yaml:"system_prompt,omitempty"`
	OutputFile    string            `yaml:"output_file,omitempty"`
	Sections      []Section         `yaml:"sections,omitempty"`
	Checklist     []string          `yaml:"checklist,omitempty"`
	Corrections   map[string]string `yaml:"corrections,omitempty"`
	SuccessMetric string            `yaml:"success_metric,omitempty"`
	Intro         string            `yaml:"intro,omitempty"`
}

// PhaseTemplate seeds one implementation phase before owners are bound.
type PhaseTemplate struct {
	Name       string `yaml:"name"`
	Focus      string `yaml:"focus,omitempty"`
	Owner      string `yaml:"owner,omitempty"`
	TestPolicy string `yaml:"test_policy,omitempty"`
}

// LeadRule maps request keywords to a lead role. Rules are evaluated in
// order; the first match wins.
type LeadRule struct {
	Keywords []string `yaml:"keywords"`
	Role     LeadRole `yaml:"role"`
	Focus    string   `yaml:"focus,omitempty"`
}

// RouterConfig tunes route scoring.
type RouterConfig struct {
	Thresholds             map[string]float64 `yaml:"thresholds,omitempty"`
	GraphMinLatency        float64            `yaml:"graph_min_latency,omitempty"`
	SwarmComplexityKeyword string             `yaml:"swarm_complexity_keyword,omitempty"`
}

// PolicyPreset influences routing for a named model policy
// (cost-sensitive, latency-sensitive, and so on).
type PolicyPreset struct {
	PreferredRoute string   `yaml:"preferred_route,omitempty"`
	ForceRoute     string   `yaml:"force_route,omitempty"`
	DisableRoutes  []string `yaml:"disable_routes,omitempty"`
	Boost          float64  `yaml:"boost,omitempty"`
}

// PolicyConfig selects among presets.
type PolicyConfig struct {
	Default string                  `yaml:"default,omitempty"`
	Presets map[string]PolicyPreset `yaml:"presets,omitempty"`
}

// ReviewConfig bounds the review/revision loops.
type ReviewConfig struct {
	// MaxAttempts caps review cycles per gate before the run fails.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// HandoffConfig names the sections a handoff report must carry.
type HandoffConfig struct {
	RequiredSections []string `yaml:"required_sections,omitempty"`
	ReportFile       string   `yaml:"report_file,omitempty"`
}

// Config is the full workflow configuration document.
type Config struct {
	Roles          map[string]Role `yaml:"roles,omitempty"`
	PhaseTemplates []PhaseTemplate `yaml:"phase_templates,omitempty"`
	LeadRules      []LeadRule      `yaml:"lead_rules,omitempty"`
	Router         RouterConfig    `yaml:"router,omitempty"`
	Policy         PolicyConfig    `yaml:"policy,omitempty"`
	Review         ReviewConfig    `yaml:"review,omitempty"`
	Handoff        HandoffConfig   `yaml:"handoff,omitempty"`
}

// DefaultMaxReviewAttempts bounds review/revision loops when the config
// does not set one.
const DefaultMaxReviewAttempts = 3

// Load reads and validates a workflow configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workflow config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Roles: map[string]Role{
			"product_owner": {
				OutputFile: "docs/product.md",
				Sections: []Section{
					{Title: "Problem", Template: "Describe the user problem behind '{request}'."},
					{Title: "Outcome", Template: "Define the measurable outcome for '{request}'."},
				},
			},
			"ui_ux": {
				OutputFile: "docs/ui_ux.md",
				Sections: []Section{
					{Title: "Flows", Template: "Sketch the user flows touched by '{request}'."},
				},
			},
			"architect": {
				SystemPrompt: "You are the architecture planner. Keep documents current.",
				OutputFile:   "docs/architecture.md",
				Sections: []Section{
					{Title: "Vision", Template: "Define how '{request}' fits the {stack} architecture."},
					{Title: "System Changes", Template: "List the components '{request}' touches."},
					{Title: "Guardrails", Template: "List guardrails before merging '{request}'."},
				},
				SuccessMetric: "Workflow checkpoints recorded for every gate of '{request}'.",
			},
			"reviewer": {
				Checklist: []string{
					"Guardrails listed before merge",
					"Acceptance tests reference a runnable scenario",
				},
				Corrections: map[string]string{
					"guardrails": "List documentation and telemetry guardrails before merging.",
				},
			},
			"lead": {
				OutputFile: "docs/lead.md",
			},
			"tech_lead": {
				OutputFile: "docs/tech_lead.md",
				Intro:      "Execution plan converting the approved architecture into milestones.",
			},
			"implementation_planner": {
				OutputFile: "docs/implementation.md",
			},
		},
		PhaseTemplates: []PhaseTemplate{
			{Name: "Design Hardening", Focus: "Finalize architecture and docs for {request}.", Owner: "architect"},
			{Name: "Backend Implementation", Focus: "Land services and storage for {request}.", Owner: "backend", TestPolicy: "debugger"},
			{Name: "Frontend Implementation", Focus: "Land user-facing surfaces for {request}.", Owner: "frontend"},
			{Name: "Validation", Focus: "Run scenarios and tests proving {request} works.", Owner: "ops"},
		},
		LeadRules: []LeadRule{
			{Keywords: []string{"api", "service", "backend", "database"}, Role: LeadRoleBackend, Focus: "service and storage design"},
			{Keywords: []string{"ui", "frontend", "dashboard", "page"}, Role: LeadRoleFrontend, Focus: "user-facing surfaces"},
			{Keywords: []string{"pipeline", "etl", "ingest", "analytics"}, Role: LeadRoleData, Focus: "data flow and quality"},
			{Keywords: []string{"deploy", "infra", "monitoring", "ci"}, Role: LeadRoleOps, Focus: "delivery and operations"},
		},
		Handoff: HandoffConfig{
			RequiredSections: []string{"Build", "Tests"},
			ReportFile:       "docs/handoff_report.md",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Review.MaxAttempts <= 0 {
		c.Review.MaxAttempts = DefaultMaxReviewAttempts
	}
	if c.Router.GraphMinLatency <= 0 {
		c.Router.GraphMinLatency = 6
	}
	if c.Router.SwarmComplexityKeyword == "" {
		c.Router.SwarmComplexityKeyword = "high"
	}
	if len(c.Handoff.RequiredSections) == 0 {
		c.Handoff.RequiredSections = []string{"Build", "Tests"}
	}
	if c.Handoff.ReportFile == "" {
		c.Handoff.ReportFile = "docs/handoff_report.md"
	}
	if c.Policy.Default == "" {
		c.Policy.Default = "balanced"
	}
}

func (c *Config) validate() error {
	for i, rule := range c.LeadRules {
		if !validLeadRoles[rule.Role] {
			return fmt.Errorf("lead rule %d: unknown role %q", i, rule.Role)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("lead rule %d (%s): no keywords", i, rule.Role)
		}
	}
	return nil
}

// SelectLead walks the ordered rule table and returns the first role
// whose keywords match the request. Falls back to the architect.
func (c *Config) SelectLead(request string) (LeadRole, string) {
	lowered := strings.ToLower(request)
	for _, rule := range c.LeadRules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				return rule.Role, rule.Focus
			}
		}
	}
	return LeadRoleArchitect, "overall system design"
}

// Preset resolves the active policy preset for a run. Resolution order:
// explicit context value, MODEL_POLICY env, configured default.
func (c *Config) Preset(contextPolicy string) (string, PolicyPreset) {
	name := contextPolicy
	if name == "" {
		name = os.Getenv("MODEL_POLICY")
	}
	if name == "" {
		name = c.Policy.Default
	}
	preset := c.Policy.Presets[name]
	if preset.Boost == 0 {
		preset.Boost = 0.15
	}
	return name, preset
}

// RoleNames returns the configured role names sorted for stable output.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
