package workflow

import (
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

// Validator checks that every phase is eligible for dispatch: owners and
// acceptance tests both non-empty after normalization.
type Validator struct{}

// Normalize trims and drops empty owner and acceptance entries in place.
func (Validator) Normalize(phase *proto.PhasePlan) {
	phase.Owners = cleanList(phase.Owners)
	phase.AcceptanceTests = cleanList(phase.AcceptanceTests)
	phase.Deliverables = cleanList(phase.Deliverables)
}

// Issues returns one entry per missing requirement across all phases.
func (v Validator) Issues(phases []proto.PhasePlan) []string {
	var issues []string
	for i := range phases {
		v.Normalize(&phases[i])
		if len(phases[i].Owners) == 0 {
			issues = append(issues, fmt.Sprintf("%s: missing owners", phases[i].Name))
		}
		if len(phases[i].AcceptanceTests) == 0 {
			issues = append(issues, fmt.Sprintf("%s: missing acceptance tests", phases[i].Name))
		}
	}
	return issues
}

// Branch returns "needs_review" when any phase fails the bar, "ok"
// otherwise.
func (v Validator) Branch(phases []proto.PhasePlan) string {
	if len(v.Issues(phases)) > 0 {
		return "needs_review"
	}
	return "ok"
}

// phaseValidation applies the validator to the plan and records the
// verdict on phase_review for the machine's branch.
func (m *Machine) phaseValidation(run *proto.RunState) error {
	plan := run.Plan
	var v Validator
	issues := v.Issues(plan.Phases)

	if len(issues) > 0 {
		plan.PhaseReview = proto.Review{
			Status:   proto.ReviewNeedsReview,
			Issues:   issues,
			Attempts: run.AttemptCounters["phase_review"],
		}
		run.AddCheckpoint("phase_validation", "needs_review", nil)
		run.AppendMessage("assistant",
			"Phase validation flagged:\n- "+strings.Join(issues, "\n- "), "phase_validator")
		return nil
	}

	plan.PhaseReview = proto.Review{
		Status:   proto.ReviewApproved,
		Attempts: run.AttemptCounters["phase_review"],
	}
	run.AddCheckpoint("phase_validation", "ok", nil)
	return nil
}

func cleanList(values []string) []string {
	cleaned := values[:0]
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
