package proto

import "strings"

// ReviewStatus is the reviewer's verdict on a plan or phase breakdown.
// Rejection is a status driving a branch back to an earlier stage, not an
// error.
type ReviewStatus string

const (
	ReviewPending       ReviewStatus = ""
	ReviewApproved      ReviewStatus = "approved"
	ReviewNeedsRevision ReviewStatus = "needs_revision"
	ReviewNeedsReview   ReviewStatus = "needs_review"
)

// TestPolicy controls the executor's failure handling for a phase.
type TestPolicy string

const (
	// TestPolicyStandard records failure and continues.
	TestPolicyStandard TestPolicy = "standard"
	// TestPolicyDebugger enables the one-shot debug escalation loop.
	TestPolicyDebugger TestPolicy = "debugger"
)

// PhaseStatus is the final status of an executed phase.
type PhaseStatus string

const (
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseBlocked   PhaseStatus = "blocked"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PlanMetadata carries run-scoped plan facts and role output file pointers.
type PlanMetadata struct {
	Persona          string `json:"persona,omitempty"`
	Stack            string `json:"stack,omitempty"`
	Priority         string `json:"priority,omitempty"`
	RepoPath         string `json:"repo_path,omitempty"`
	TargetBranch     string `json:"target_branch,omitempty"`
	WorkstreamID     string `json:"workstream_id,omitempty"`
	WorkflowMode     string `json:"workflow_mode,omitempty"`
	ProductFile      string `json:"product_file,omitempty"`
	UIUXFile         string `json:"ui_ux_file,omitempty"`
	ArchitectureFile string `json:"architecture_file,omitempty"`
	LeadFile         string `json:"lead_file,omitempty"`
	TechLeadFile     string `json:"tech_lead_file,omitempty"`
	ImplementationFile string `json:"implementation_file,omitempty"`
}

// FilePointers lists the non-empty role output files in stable order.
func (m *PlanMetadata) FilePointers() []string {
	candidates := []string{
		m.ProductFile, m.UIUXFile, m.ArchitectureFile,
		m.LeadFile, m.TechLeadFile, m.ImplementationFile,
	}
	pointers := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			pointers = append(pointers, c)
		}
	}
	return pointers
}

// ArchitecturePlan is the architecture stage's structured output.
type ArchitecturePlan struct {
	Vision          string   `json:"vision,omitempty"`
	SystemChanges   string   `json:"system_changes,omitempty"`
	Guardrails      []string `json:"guardrails,omitempty"`
	APIDesign       string   `json:"api_design,omitempty"`
	AcceptanceTests []string `json:"acceptance_tests,omitempty"`
	SuccessMetric   string   `json:"success_metric,omitempty"`
	Risks           []string `json:"risks,omitempty"`
}

// Review is a reviewer verdict with its revision history.
type Review struct {
	Status   ReviewStatus `json:"status"`
	Issues   []string     `json:"issues,omitempty"`
	Attempts int          `json:"attempts"`
}

// LeadAssignment names the planning lead selected for the request.
type LeadAssignment struct {
	Role  string `json:"role"`
	File  string `json:"file,omitempty"`
	Focus string `json:"focus,omitempty"`
}

// ImplementationPlan is the tech-lead stage's structured output.
type ImplementationPlan struct {
	StackRecommendation string            `json:"stack_recommendation,omitempty"`
	Phases              []PhaseOutline    `json:"phases,omitempty"`
	Deliverables        []string          `json:"deliverables,omitempty"`
	Dependencies        map[string]string `json:"dependencies,omitempty"`
}

// PhaseOutline is a named milestone before owners are assigned.
type PhaseOutline struct {
	Name  string `json:"name"`
	Focus string `json:"focus,omitempty"`
}

// PhasePlan is a discrete implementation milestone. A phase is eligible
// for dispatch only if Owners and AcceptanceTests are both non-empty.
type PhasePlan struct {
	Name            string     `json:"name"`
	Owners          []string   `json:"owners"`
	Deliverables    []string   `json:"deliverables,omitempty"`
	AcceptanceTests []string   `json:"acceptance_tests"`
	TestPolicy      TestPolicy `json:"test_policy,omitempty"`
	HandoffReport   string     `json:"handoff_report,omitempty"` // report path relative to repo
}

// Dispatchable reports whether the phase meets the validator's bar.
func (p *PhasePlan) Dispatchable() bool {
	return len(p.Owners) > 0 && len(p.AcceptanceTests) > 0
}

// HasOwner reports whether any owner contains the given fragment,
// case-insensitively. Used for backend/frontend classification.
func (p *PhasePlan) HasOwner(fragment string) bool {
	for _, owner := range p.Owners {
		if strings.Contains(strings.ToLower(owner), fragment) {
			return true
		}
	}
	return false
}

// FeaturePlan is the plan aggregate owned by one run and mutated by
// successive planning stages.
type FeaturePlan struct {
	Request        string              `json:"request"`
	Metadata       PlanMetadata        `json:"metadata"`
	ProductBrief   string              `json:"product_brief,omitempty"`
	UXNotes        string              `json:"ux_notes,omitempty"`
	Architecture   ArchitecturePlan    `json:"architecture"`
	Review         Review              `json:"review"`
	PhaseReview    Review              `json:"phase_review"`
	Lead           LeadAssignment      `json:"lead"`
	Implementation ImplementationPlan  `json:"implementation"`
	Phases         []PhasePlan         `json:"phases,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	ReviewFeedback []string            `json:"review_feedback,omitempty"`
}

// SessionRef identifies a coding-tool session, stable per phase and
// reused across dispatches.
type SessionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ToolCall is one dispatched instruction and its result.
type ToolCall struct {
	Instruction string `json:"instruction"`
	Result      string `json:"result"`
}

// PhaseExecutionRecord is the executor's per-phase outcome.
type PhaseExecutionRecord struct {
	PhaseName     string      `json:"phase_name"`
	Session       SessionRef  `json:"session"`
	ToolCalls     []ToolCall  `json:"tool_calls,omitempty"`
	HandoffStatus string      `json:"handoff_status,omitempty"`
	Status        PhaseStatus `json:"status"`
}
