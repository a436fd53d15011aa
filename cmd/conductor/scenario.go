package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
)

// Scenario is one runnable request definition, loaded from a YAML file
// under demo/. It carries everything the run context needs that is not
// an operator flag.
type Scenario struct {
	ID             string              `yaml:"id"`
	Persona        string              `yaml:"persona"`
	Mode           string              `yaml:"mode"`
	Stack          string              `yaml:"stack"`
	Request        string              `yaml:"request"`
	RepoPath       string              `yaml:"repo_path"`
	RepoURL        string              `yaml:"repo_url"`
	TargetBranch   string              `yaml:"target_branch"`
	WorkstreamID   string              `yaml:"workstream_id"`
	ModelPolicy    string              `yaml:"model_policy"`
	ForceRoute     string              `yaml:"force_route"`
	DisableRoutes  []string            `yaml:"disable_routes"`
	TaskComplexity string              `yaml:"task_complexity"`
	WorkflowIntent bool                `yaml:"workflow_intent"`
	LatencyBudgetS float64             `yaml:"latency_budget_s"`
	CostBudgetUSD  float64             `yaml:"cost_budget_usd"`
	PhaseOwners    map[string][]string `yaml:"phase_owners"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if strings.TrimSpace(scenario.Request) == "" {
		return nil, fmt.Errorf("scenario %s: request is required", path)
	}
	if scenario.ID == "" {
		scenario.ID = "feature_request"
	}
	return &scenario, nil
}

// RunContext builds the run context from the scenario plus operator
// flags.
func (s *Scenario) RunContext(planOnly, dryRun, resume, forceRerun bool) proto.RunContext {
	disabled := make([]proto.Route, 0, len(s.DisableRoutes))
	for _, route := range s.DisableRoutes {
		disabled = append(disabled, proto.Route(route))
	}
	return proto.RunContext{
		Persona:        s.Persona,
		Mode:           s.Mode,
		Stack:          s.Stack,
		ScenarioID:     s.ID,
		FeatureRequest: s.Request,
		RepoPath:       s.RepoPath,
		RepoURL:        s.RepoURL,
		TargetBranch:   s.TargetBranch,
		WorkstreamID:   s.WorkstreamID,
		ModelPolicy:    s.ModelPolicy,
		ForceRoute:     proto.Route(s.ForceRoute),
		DisableRoutes:  disabled,
		TaskComplexity: s.TaskComplexity,
		WorkflowIntent: s.WorkflowIntent,
		LatencyBudgetS: s.LatencyBudgetS,
		CostBudgetUSD:  s.CostBudgetUSD,
		PlanOnly:       planOnly,
		DryRun:         dryRun,
		Resume:         resume,
		ForceRerun:     forceRerun,
		PhaseOwners:    s.PhaseOwners,
	}
}
