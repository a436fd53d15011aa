package workflow

import (
	"context"
	"fmt"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// PhaseRunner executes the approved phases of a plan. Implemented by the
// executor package; injected so the machine is testable without one.
type PhaseRunner interface {
	ExecutePlan(ctx context.Context, state *proto.RunState) error
}

// Machine sequences the planning roles and approval gates for one run.
type Machine struct {
	cfg         *config.Config
	tool        tools.CodingTool
	runner      PhaseRunner
	maxAttempts int
	logger      *logx.Logger
}

// New creates a planning machine. runner may be nil for plan-only use.
func New(cfg *config.Config, tool tools.CodingTool, runner PhaseRunner) *Machine {
	maxAttempts := cfg.Review.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxReviewAttempts
	}
	return &Machine{
		cfg:         cfg,
		tool:        tool,
		runner:      runner,
		maxAttempts: maxAttempts,
		logger:      logx.NewLogger("workflow"),
	}
}

// Run drives the machine from intake to done, threading the run state
// through every stage. Cancellation is honored between stages only.
func (m *Machine) Run(ctx context.Context, state *proto.RunState) error {
	current := StateIntake
	for current != StateDone {
		select {
		case <-ctx.Done():
			return fmt.Errorf("workflow cancelled in %s: %w", current, ctx.Err())
		default:
		}

		if err := m.runStage(ctx, current, state); err != nil {
			return err
		}

		next, err := m.next(current, state)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current, next); err != nil {
			return err
		}
		m.logger.DebugState("workflow", string(current), string(next))
		current = next
	}
	return nil
}

func (m *Machine) runStage(ctx context.Context, state proto.State, run *proto.RunState) error {
	run.WorkflowPhase = state
	switch state {
	case StateIntake:
		return m.intake(ctx, run)
	case StateProductOwner:
		return m.productOwner(ctx, run)
	case StateUIUXDesign:
		return m.uiuxDesign(ctx, run)
	case StateArchitecture:
		return m.architecture(ctx, run)
	case StateReview:
		return m.review(ctx, run)
	case StateArchitectureRevision:
		return m.architectureRevision(ctx, run)
	case StateLeadPlanning:
		return m.leadPlanning(ctx, run)
	case StateTechLead:
		return m.techLead(ctx, run)
	case StateImplementationPlanning:
		return m.implementationPlanning(ctx, run)
	case StatePhaseValidation:
		return m.phaseValidation(run)
	case StatePhaseRevision:
		return m.phaseRevision(ctx, run)
	case StatePlanSummary:
		return m.planSummary(run)
	case StateExecution:
		return m.execution(ctx, run)
	case StateCodeReview:
		return m.codeReview(run)
	case StateEvaluation:
		return m.evaluation(run)
	default:
		return fmt.Errorf("workflow has no stage for state %s", state)
	}
}

// next selects the following state. Branch points consult the plan's
// review verdicts; linear states take their single outgoing edge.
func (m *Machine) next(current proto.State, run *proto.RunState) (proto.State, error) {
	switch current {
	case StateReview, StatePhaseValidation:
		return Branch(run.Plan), nil
	case StatePlanSummary:
		if run.Context.PlanOnly {
			return StateEvaluation, nil
		}
		return StateExecution, nil
	}
	edges := workflowTransitions[current]
	if len(edges) != 1 {
		return "", fmt.Errorf("workflow state %s has no unambiguous successor", current)
	}
	return edges[0], nil
}

// Branch routes after a review gate: phase_review verdicts take priority
// over the architecture review, approved plans proceed to lead planning.
func Branch(plan *proto.FeaturePlan) proto.State {
	if plan == nil {
		return StateArchitectureRevision
	}
	if plan.PhaseReview.Status == proto.ReviewNeedsReview {
		return StatePhaseRevision
	}
	if plan.PhaseReview.Status == proto.ReviewApproved && len(plan.Phases) > 0 {
		return StatePlanSummary
	}
	if plan.Review.Status == proto.ReviewNeedsRevision {
		return StateArchitectureRevision
	}
	return StateLeadPlanning
}

// dispatchDoc sends a documentation-update instruction to the coding
// tool and records the exchange on the conversation.
func (m *Machine) dispatchDoc(ctx context.Context, run *proto.RunState, role, instruction string) {
	if m.tool == nil {
		return
	}
	outcome := m.tool.Dispatch(ctx, tools.Request{
		Instruction: instruction,
		RepoPath:    run.Context.RepoPath,
		Branch:      run.Context.TargetBranch,
		Phase:       role,
		DryRun:      run.Context.DryRun,
	})
	if !outcome.Success {
		m.logger.Warn("doc update for %s failed: %s", role, outcome.Text)
	}
	run.AppendMessage("assistant", outcome.Text, role)
}
