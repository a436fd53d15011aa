// Package proto defines the shared value types threaded through a run:
// the run state aggregate, the feature plan, phases, checkpoints, and
// route decisions. Stages receive the aggregate, mutate their own
// sub-object, and hand it to the next stage; nothing here is shared
// across runs.
package proto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State identifies a workflow phase-machine state.
type State string

func (s State) String() string {
	return string(s)
}

// Route identifies the capability selected to handle one user turn.
type Route string

const (
	RouteRAG            Route = "rag"
	RouteGraphRAG       Route = "graph_rag"
	RouteSkills         Route = "skills"
	RouteHandoff        Route = "handoff"
	RouteSwarm          Route = "swarm"
	RouteLangChainAgent Route = "langchain_agent"
	RouteWorkflow       Route = "workflow"
	RouteHybrid         Route = "hybrid"
)

// RouteDecision is the router's per-turn output. Ephemeral; one per turn.
type RouteDecision struct {
	Route  Route             `json:"route"`
	Reason string            `json:"reason"`
	Scores map[Route]float64 `json:"scores"`
}

// Message is a minimal chat message representation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Telemetry carries running spend totals, republished after every stage so
// the router's budget checks observe current consumption.
type Telemetry struct {
	LatencyS        float64 `json:"latency_s"`
	Tokens          int     `json:"tokens"`
	CostEstimateUSD float64 `json:"cost_estimate_usd"`
	LastStage       string  `json:"last_stage,omitempty"`
}

// RunContext holds the caller-supplied knobs for one run.
type RunContext struct {
	Persona        string   `json:"persona,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Stack          string   `json:"stack,omitempty"`
	ScenarioID     string   `json:"scenario_id,omitempty"`
	FeatureRequest string   `json:"feature_request,omitempty"`
	RepoPath       string   `json:"repo_path,omitempty"`
	RepoURL        string   `json:"repo_url,omitempty"`
	TargetBranch   string   `json:"target_branch,omitempty"`
	WorkstreamID   string   `json:"workstream_id,omitempty"`
	ModelPolicy    string   `json:"model_policy,omitempty"`
	ForceRoute     Route    `json:"force_route,omitempty"`
	DisableRoutes  []Route  `json:"disable_routes,omitempty"`
	AllowHybrid    *bool    `json:"allow_hybrid,omitempty"`
	RequiresGraph  bool     `json:"requires_graph,omitempty"`
	TaskComplexity string   `json:"task_complexity,omitempty"`
	WorkflowIntent bool     `json:"workflow_intent,omitempty"`
	LatencyBudgetS float64  `json:"latency_budget_s,omitempty"`
	CostBudgetUSD  float64  `json:"cost_budget_usd,omitempty"`
	PlanOnly       bool     `json:"plan_only,omitempty"`
	DryRun         bool     `json:"dry_run,omitempty"`
	Resume         bool     `json:"resume,omitempty"`
	ForceRerun     bool     `json:"force_rerun,omitempty"`
	PhaseOwners    map[string][]string `json:"phase_owners,omitempty"`
	EvidenceLedger []EvidenceEntry     `json:"evidence_ledger,omitempty"`
}

// HybridAllowed reports whether the hybrid route may be considered.
// Unset defaults to true, matching the router contract.
func (c *RunContext) HybridAllowed() bool {
	if c.AllowHybrid == nil {
		return true
	}
	return *c.AllowHybrid
}

// EvidenceEntry backs a completion claim with concrete file references.
type EvidenceEntry struct {
	Claim string          `json:"claim"`
	Files []EvidenceFile  `json:"files"`
}

// EvidenceFile points at a file (and optionally lines) supporting a claim.
type EvidenceFile struct {
	Path  string `json:"path"`
	Lines string `json:"lines,omitempty"`
}

// Checkpoint is one entry in the append-only audit trail, recorded on
// every phase-machine transition and per executed phase.
type Checkpoint struct {
	Phase  string    `json:"phase"`
	Owners []string  `json:"owners,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// RunState is the aggregate threaded through every stage of a run.
// It is owned exclusively by one run.
type RunState struct {
	Messages        []Message         `json:"messages"`
	Context         RunContext        `json:"context"`
	Route           Route             `json:"route,omitempty"`
	RouteHistory    []Route           `json:"route_history,omitempty"`
	RouterReason    string            `json:"router_reason,omitempty"`
	RouterScores    map[Route]float64 `json:"router_scores,omitempty"`
	Plan            *FeaturePlan      `json:"plan,omitempty"`
	WorkflowPhase   State             `json:"workflow_phase,omitempty"`
	Checkpoints     []Checkpoint      `json:"checkpoints,omitempty"`
	AttemptCounters map[string]int    `json:"attempt_counters,omitempty"`
	Telemetry       Telemetry         `json:"telemetry"`
	WorkingMemory   map[string]any    `json:"working_memory,omitempty"`
	Output          string            `json:"output,omitempty"`
}

// NewRunState builds a run state from a prompt and context.
func NewRunState(prompt string, rc RunContext) *RunState {
	return &RunState{
		Messages:        []Message{{Role: "user", Content: prompt}},
		Context:         rc,
		AttemptCounters: make(map[string]int),
	}
}

// LastUserMessage returns the content of the most recent user message.
func (s *RunState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return strings.TrimSpace(s.Messages[i].Content)
		}
	}
	return ""
}

// AppendMessage appends a message to the conversation.
func (s *RunState) AppendMessage(role, content, name string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Name: name})
}

// AddCheckpoint appends to the audit trail.
func (s *RunState) AddCheckpoint(phase, status string, owners []string) {
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Phase:  phase,
		Owners: owners,
		Status: status,
		At:     time.Now().UTC(),
	})
}

// IncrementAttempt bumps and returns the attempt counter for a phase key.
func (s *RunState) IncrementAttempt(key string) int {
	if s.AttemptCounters == nil {
		s.AttemptCounters = make(map[string]int)
	}
	s.AttemptCounters[key]++
	return s.AttemptCounters[key]
}

// Snapshot serializes the run state to JSON for telemetry sizing and
// audit persistence. Marshal failures degrade to an empty document.
func (s *RunState) Snapshot() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// RunIdentity derives the content-based identity isolating this run from
// concurrent runs: hash of scenario id, mode, repo, branch, and prompt.
func (s *RunState) RunIdentity() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		s.Context.ScenarioID,
		s.Context.Mode,
		s.Context.RepoPath,
		s.Context.TargetBranch,
		s.LastUserMessage(),
	)
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}
