// Package workflow drives the planning phase machine: role stages from
// intake through plan summary, approval gates with bounded revision
// loops, and the branch into phase execution. Each planning stage both
// dispatches a documentation-update instruction to the coding tool and
// updates its FeaturePlan sub-object from configured templates, so
// downstream stages see structured data before the tool's edits land.
package workflow

import (
	"fmt"

	"conductor/pkg/proto"
)

// Workflow state constants. The transition map below is the single
// source of truth for the planning machine.
const (
	StateIntake                 proto.State = "intake"
	StateProductOwner           proto.State = "product_owner"
	StateUIUXDesign             proto.State = "ui_ux_design"
	StateArchitecture           proto.State = "architecture"
	StateReview                 proto.State = "review"
	StateArchitectureRevision   proto.State = "architecture_revision"
	StateLeadPlanning           proto.State = "lead_planning"
	StateTechLead               proto.State = "tech_lead"
	StateImplementationPlanning proto.State = "implementation_planning"
	StatePhaseValidation        proto.State = "phase_validation"
	StatePhaseRevision          proto.State = "phase_revision"
	StatePlanSummary            proto.State = "plan_summary"
	StateExecution              proto.State = "execution"
	StateCodeReview             proto.State = "code_review"
	StateEvaluation             proto.State = "evaluation"
	StateDone                   proto.State = "done"
)

// workflowTransitions defines the canonical state transition map for the
// planning machine.
var workflowTransitions = map[proto.State][]proto.State{
	StateIntake:       {StateProductOwner},
	StateProductOwner: {StateUIUXDesign},
	StateUIUXDesign:   {StateArchitecture},
	StateArchitecture: {StateReview},

	// REVIEW branches on the reviewer verdict: approved proceeds to lead
	// planning, rejection loops back through a revision stage.
	StateReview:               {StateLeadPlanning, StateArchitectureRevision},
	StateArchitectureRevision: {StateReview},

	StateLeadPlanning:           {StateTechLead},
	StateTechLead:               {StateImplementationPlanning},
	StateImplementationPlanning: {StatePhaseValidation},

	// PHASE_VALIDATION branches on the validator verdict: ok proceeds to
	// the summary, needs_review loops through the phase revision stage.
	StatePhaseValidation: {StatePlanSummary, StatePhaseRevision},
	StatePhaseRevision:   {StatePhaseValidation},

	// PLAN_SUMMARY proceeds to execution, or straight to evaluation for
	// plan-only runs.
	StatePlanSummary: {StateExecution, StateEvaluation},
	StateExecution:   {StateCodeReview},
	StateCodeReview:  {StateEvaluation},
	StateEvaluation:  {StateDone},
}

// ValidateTransition checks that from → to is an allowed edge.
func ValidateTransition(from, to proto.State) error {
	allowed, ok := workflowTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", proto.ErrInvalidTransition, from)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", proto.ErrInvalidTransition, from, to)
}

// ValidStates returns all states of the planning machine.
func ValidStates() []proto.State {
	return []proto.State{
		StateIntake, StateProductOwner, StateUIUXDesign, StateArchitecture,
		StateReview, StateArchitectureRevision, StateLeadPlanning,
		StateTechLead, StateImplementationPlanning, StatePhaseValidation,
		StatePhaseRevision, StatePlanSummary, StateExecution,
		StateCodeReview, StateEvaluation, StateDone,
	}
}
