package workflow

import (
	"context"
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

// review gates the architecture plan. Missing guardrails or acceptance
// tests reject the plan with the field names recorded as issues and a
// revision instruction dispatched; repeated rejection past the attempt
// cap fails the run.
func (m *Machine) review(ctx context.Context, run *proto.RunState) error {
	plan := run.Plan
	attempts := run.IncrementAttempt("plan_review")

	var missing []string
	if len(plan.Architecture.Guardrails) == 0 {
		missing = append(missing, "guardrails")
	}
	if len(plan.Architecture.AcceptanceTests) == 0 {
		missing = append(missing, "acceptance_tests")
	}

	if len(missing) > 0 {
		issues := make([]string, 0, len(missing))
		for _, field := range missing {
			issues = append(issues, "missing "+field)
		}
		plan.Review = proto.Review{
			Status:   proto.ReviewNeedsRevision,
			Issues:   issues,
			Attempts: attempts,
		}
		feedback := fmt.Sprintf("Reviewer requested updates for: %s.", strings.Join(missing, ", "))
		plan.ReviewFeedback = append(plan.ReviewFeedback, feedback)
		run.AddCheckpoint("review", "needs_revision", nil)
		run.AppendMessage("assistant", feedback, "plan_reviewer")

		if attempts >= m.maxAttempts {
			return fmt.Errorf("%w: architecture review rejected %d times (%s)",
				proto.ErrReviewExhausted, attempts, strings.Join(missing, ", "))
		}
		m.dispatchDoc(ctx, run, "plan_reviewer", m.docInstruction(
			"plan_reviewer", m.cfg.Roles["reviewer"], plan,
			"Revise the architecture document to address: "+strings.Join(missing, ", ")+"."))
		return nil
	}

	plan.Review = proto.Review{Status: proto.ReviewApproved, Attempts: attempts}
	run.AddCheckpoint("review", "approved", nil)
	run.AppendMessage("assistant", "Plan reviewer approved the architecture.", "plan_reviewer")
	m.logger.Info("review approved after %d attempt(s)", attempts)
	return nil
}

// architectureRevision backfills the fields the reviewer flagged, using
// the reviewer role's configured corrections, then loops back to review.
func (m *Machine) architectureRevision(ctx context.Context, run *proto.RunState) error {
	plan := run.Plan
	reviewer := m.cfg.Roles["reviewer"]

	if len(plan.Architecture.Guardrails) == 0 {
		guardrail := reviewer.Corrections["guardrails"]
		if guardrail == "" {
			guardrail = "List documentation and telemetry guardrails before merging."
		}
		plan.Architecture.Guardrails = []string{guardrail}
	}
	if len(plan.Architecture.AcceptanceTests) == 0 {
		plan.Architecture.AcceptanceTests = m.defaultAcceptanceTests(run)
	}

	run.AddCheckpoint("architecture_revision", "applied", nil)
	m.dispatchDoc(ctx, run, "architect", m.docInstruction(
		"architect", m.cfg.Roles["architect"], plan,
		"Apply the reviewer corrections to the architecture document."))
	return nil
}

// phaseRevision backfills owners and acceptance tests the validator
// flagged, bounded by the same attempt cap as the architecture review.
func (m *Machine) phaseRevision(ctx context.Context, run *proto.RunState) error {
	plan := run.Plan
	attempts := run.IncrementAttempt("phase_review")
	if attempts >= m.maxAttempts {
		return fmt.Errorf("%w: phase validation rejected %d times", proto.ErrReviewExhausted, attempts)
	}

	scenario := m.scenarioFile(run)
	templateOwners := make(map[string]string, len(m.cfg.PhaseTemplates))
	for _, tpl := range m.cfg.PhaseTemplates {
		templateOwners[tpl.Name] = tpl.Owner
	}
	for i := range plan.Phases {
		phase := &plan.Phases[i]
		if len(phase.Owners) == 0 {
			owner := templateOwners[phase.Name]
			if owner == "" {
				owner = "tech_lead"
			}
			phase.Owners = []string{owner}
		}
		if len(phase.AcceptanceTests) == 0 {
			phase.AcceptanceTests = []string{fmt.Sprintf("Scenario validation: %s", scenario)}
		}
	}

	run.AddCheckpoint("phase_revision", "applied", nil)
	m.dispatchDoc(ctx, run, "implementation_planner", m.docInstruction(
		"implementation_planner", m.cfg.Roles["implementation_planner"], plan,
		"Fill in the missing owners and acceptance tests flagged by validation."))
	return nil
}
