package executor

import (
	"context"
	"fmt"
	"strings"

	"conductor/pkg/handoff"
	"conductor/pkg/memory"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

const goldenRulePrefix = "Golden Rule:"

// goldenRuleWordLimit bounds a distilled rule; tool responses over the
// limit are rejected in favor of the locally derived fallback.
const goldenRuleWordLimit = 30

// debugEscalation runs the one-shot advisor loop for a failing
// debugger-policy phase: the advisor writes a suggestions file, the
// primary tool applies it and re-runs, and the result is re-evaluated.
// A successful fix is distilled into a golden rule keyed to the repo.
func (e *Executor) debugEscalation(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath string, record *proto.PhaseExecutionRecord, reportText string, outcome tools.Outcome,
) bool {
	if e.advisor == nil {
		return false
	}
	failure := failureSignature(reportText, outcome)
	e.logger.Info("debug escalation for %s: %s", phase.Name, failure)

	advisorOutcome := e.advisor.Dispatch(ctx, tools.Request{
		Instruction: fmt.Sprintf(
			"Diagnose this failure in phase %s and write your suggestions to debug_suggestions.md. "+
				"Do not edit any source file.\nFailure: %s",
			phase.Name, failure),
		RepoPath: repoPath,
		Branch:   run.Context.TargetBranch,
		Phase:    phase.Name,
		DryRun:   run.Context.DryRun,
	})
	record.ToolCalls = append(record.ToolCalls, proto.ToolCall{
		Instruction: "debug advisor: " + failure,
		Result:      advisorOutcome.Text,
	})

	fixOutcome := e.dispatch(ctx, run, phase, repoPath, record,
		"Apply the suggestions in debug_suggestions.md, then re-run the failing commands and update the handoff report.")

	var success bool
	if phase.HandoffReport != "" {
		success = handoff.Ready(e.readReport(repoPath, phase.HandoffReport), e.cfg.Handoff.RequiredSections)
	} else {
		success = outputLooksSuccessful(fixOutcome.Text)
	}

	if success {
		e.persistGoldenRule(ctx, run, phase, repoPath, failure)
	}
	return success
}

// persistGoldenRule distills a reusable lesson from the failure→fix
// pair and stores it in temporal memory keyed to the repository.
func (e *Executor) persistGoldenRule(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath, failure string,
) {
	if e.memory == nil {
		return
	}
	rule := e.distillRule(ctx, run, phase, repoPath, failure)
	if _, err := e.memory.WriteSync(ctx, memory.Record{
		Text:       rule,
		Category:   "golden_rule",
		Importance: 0.8,
		Source:     "debug_escalation",
		Metadata:   map[string]string{"repo": repoPath, "phase": phase.Name},
	}); err != nil {
		e.logger.Warn("failed to persist golden rule: %v", err)
	}
}

// distillRule asks the review tool for a strict-format rule, falling
// back to a locally derived one when the tool is unavailable or its
// output is unusable.
func (e *Executor) distillRule(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath, failure string,
) string {
	if e.reviewer != nil {
		outcome := e.reviewer.Dispatch(ctx, tools.Request{
			Instruction: fmt.Sprintf(
				"A phase failed with %q and was fixed by applying debug suggestions. "+
					"Reply with exactly one line of the form %q where <rule> is a reusable lesson under %d words.",
				failure, goldenRulePrefix+" <rule>", goldenRuleWordLimit),
			RepoPath: repoPath,
			Phase:    phase.Name,
			DryRun:   run.Context.DryRun,
		})
		if outcome.Success {
			if rule, ok := parseGoldenRule(outcome.Text); ok {
				return rule
			}
		}
	}
	return localRule(failure)
}

// parseGoldenRule extracts the rule from a strict-format tool reply.
func parseGoldenRule(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, goldenRulePrefix) {
			continue
		}
		rule := strings.TrimSpace(strings.TrimPrefix(trimmed, goldenRulePrefix))
		if rule == "" || len(strings.Fields(rule)) >= goldenRuleWordLimit {
			return "", false
		}
		return rule, true
	}
	return "", false
}

// localRule derives a fallback rule from the failure signature alone.
func localRule(failure string) string {
	failure = strings.TrimSpace(failure)
	if failure == "" {
		failure = "an unclassified failure"
	}
	return fmt.Sprintf("Before re-running, check for %s and verify the fix with the handoff report commands.",
		strings.ToLower(failure))
}

// failureSignature picks the most specific description of the failure:
// a parsed error signature from the report, else the tool's own text.
func failureSignature(reportText string, outcome tools.Outcome) string {
	for _, entry := range handoff.Failures(handoff.Parse(reportText)) {
		if entry.ErrorSignature != "" {
			return entry.ErrorSignature
		}
	}
	text := strings.TrimSpace(outcome.Text)
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "unknown failure"
	}
	return text
}

// goldenRules returns up to three remembered rules for this repository.
func (e *Executor) goldenRules(ctx context.Context, repoPath string) []string {
	if e.memory == nil {
		return nil
	}
	results, err := e.memory.Search(ctx, "golden_rule "+repoPath, 10, 0)
	if err != nil {
		e.logger.Warn("golden rule lookup failed: %v", err)
		return nil
	}
	var rules []string
	for _, r := range results {
		if r.Category != "golden_rule" || r.Metadata["repo"] != repoPath {
			continue
		}
		rules = append(rules, r.Text)
		if len(rules) == 3 {
			break
		}
	}
	return rules
}
