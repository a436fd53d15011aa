// Package executor runs the approved phases of a plan against a
// repository workspace. It dispatches phase instructions to the primary
// coding tool, gates frontend work on the backend handoff report, and
// escalates failing debugger-policy phases through a one-shot advisor
// loop whose lessons are distilled into durable golden rules.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/handoff"
	"conductor/pkg/logx"
	"conductor/pkg/memory"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// CallRecorder persists tool dispatches for post-run inspection.
type CallRecorder interface {
	RecordToolCall(call persistence.ToolCall) error
}

// sessionNamespace keeps phase session IDs stable across dispatches.
var sessionNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// Executor dispatches plan phases to external coding tools.
type Executor struct {
	cfg      *config.Config
	primary  tools.CodingTool
	advisor  tools.CodingTool // writes suggestion files only
	reviewer tools.CodingTool // distills golden rules
	memory   *memory.Store
	ws       *Workspace
	calls    CallRecorder
	logger   *logx.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithAdvisor sets the debug advisor tool.
func WithAdvisor(t tools.CodingTool) Option { return func(e *Executor) { e.advisor = t } }

// WithReviewer sets the golden-rule distillation tool.
func WithReviewer(t tools.CodingTool) Option { return func(e *Executor) { e.reviewer = t } }

// WithMemory sets the store golden rules persist to.
func WithMemory(s *memory.Store) Option { return func(e *Executor) { e.memory = s } }

// WithWorkspace overrides the workspace resolver.
func WithWorkspace(w *Workspace) Option { return func(e *Executor) { e.ws = w } }

// WithCallRecorder persists every primary tool dispatch to the audit store.
func WithCallRecorder(r CallRecorder) Option { return func(e *Executor) { e.calls = r } }

// New creates an executor around the primary coding tool.
func New(cfg *config.Config, primary tools.CodingTool, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		primary: primary,
		ws:      NewWorkspace(""),
		logger:  logx.NewLogger("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutePlan runs every phase of the plan in order, recording a
// checkpoint and an execution record per phase. Failed phases do not
// abort the run; subsequent phases proceed unless the handoff gate
// blocks them.
func (e *Executor) ExecutePlan(ctx context.Context, run *proto.RunState) error {
	plan := run.Plan
	if plan == nil || len(plan.Phases) == 0 {
		return fmt.Errorf("%w: no phases to execute", proto.ErrStructural)
	}

	repoPath, err := e.ws.Resolve(ctx, run.Context)
	if err != nil {
		return err
	}

	hasBackend := false
	for _, p := range plan.Phases {
		if p.HasOwner("backend") {
			hasBackend = true
		}
	}

	completed := e.completedPhases(run)
	backendReady := e.backendAlreadyReady(run, plan, completed, repoPath)
	initialized := make(map[string]bool)
	var summaries []string
	var records []proto.PhaseExecutionRecord

	for _, phase := range plan.Phases {
		select {
		case <-ctx.Done():
			return fmt.Errorf("execution cancelled before phase %s: %w", phase.Name, ctx.Err())
		default:
		}

		record := proto.PhaseExecutionRecord{
			PhaseName: phase.Name,
			Session:   e.session(run, phase.Name),
		}

		switch {
		case !phase.Dispatchable():
			record.Status = proto.PhaseSkipped
			summaries = append(summaries, fmt.Sprintf("%s: skipped (not dispatchable)", phase.Name))

		case run.Context.Resume && completed[phase.Name] && !run.Context.ForceRerun:
			record.Status = proto.PhaseCompleted
			if phase.HasOwner("backend") {
				backendReady = true
			}
			summaries = append(summaries, fmt.Sprintf("%s: already completed, skipped", phase.Name))

		case phase.HasOwner("frontend") && hasBackend && !backendReady:
			record.Status = proto.PhaseBlocked
			summaries = append(summaries, fmt.Sprintf("%s: blocked waiting on backend handoff", phase.Name))

		default:
			e.runPhase(ctx, run, &phase, repoPath, initialized, &record)
			if record.Status == proto.PhaseCompleted && phase.HasOwner("backend") {
				backendReady = true
			}
			summaries = append(summaries, fmt.Sprintf("%s: %s", phase.Name, record.Status))
		}

		run.AddCheckpoint(phase.Name, string(record.Status), phase.Owners)
		if record.Status == proto.PhaseCompleted {
			run.Context.EvidenceLedger = append(run.Context.EvidenceLedger, e.phaseEvidence(&phase, repoPath))
		}
		records = append(records, record)
	}

	if run.WorkingMemory == nil {
		run.WorkingMemory = make(map[string]any)
	}
	run.WorkingMemory["phase_records"] = records
	run.Output = strings.Join(summaries, "\n")
	run.WorkflowPhase = "execution"
	return nil
}

// phaseEvidence records the file backing a completed phase so downstream
// evidence checks see the claim grounded. The handoff report is the best
// reference when the phase produces one; otherwise the owning role's
// output file, falling back to the repo root.
func (e *Executor) phaseEvidence(phase *proto.PhasePlan, repoPath string) proto.EvidenceEntry {
	path := phase.HandoffReport
	if path == "" && len(phase.Owners) > 0 {
		if role, ok := e.cfg.Roles[phase.Owners[0]]; ok {
			path = role.OutputFile
		}
	}
	if path == "" {
		path = repoPath
	}
	return proto.EvidenceEntry{
		Claim: fmt.Sprintf("%s %s", phase.Name, proto.PhaseCompleted),
		Files: []proto.EvidenceFile{{Path: path}},
	}
}

// runPhase drives one dispatchable phase: session init, the task
// dispatch, the handoff follow-up, the success check, and at most one
// debug escalation.
func (e *Executor) runPhase(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath string, initialized map[string]bool, record *proto.PhaseExecutionRecord,
) {
	e.maybeInitSession(ctx, run, phase, repoPath, initialized, record)

	instruction := e.phaseInstruction(ctx, run, phase, repoPath)
	outcome := e.dispatch(ctx, run, phase, repoPath, record, instruction)

	var reportText string
	if !run.Context.DryRun {
		reportText = e.ensureHandoffReport(ctx, run, phase, repoPath, record)
	}
	success := e.phaseSucceeded(phase, reportText, outcome)
	if run.Context.DryRun {
		// Nothing executed, so no report or exit status to inspect.
		success = outcome.Success
	}

	if !success && phase.TestPolicy == proto.TestPolicyDebugger {
		if run.IncrementAttempt("debug_escalation:"+phase.Name) == 1 {
			success = e.debugEscalation(ctx, run, phase, repoPath, record, reportText, outcome)
		}
	}

	if success {
		record.Status = proto.PhaseCompleted
	} else {
		record.Status = proto.PhaseFailed
	}
	if phase.HandoffReport != "" {
		record.HandoffStatus = e.handoffStatus(repoPath, phase.HandoffReport)
	}
}

// maybeInitSession sends the one-time session-init message when the
// owning role carries a system prompt.
func (e *Executor) maybeInitSession(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath string, initialized map[string]bool, record *proto.PhaseExecutionRecord,
) {
	if initialized[record.Session.ID] || len(phase.Owners) == 0 {
		return
	}
	role, ok := e.cfg.Roles[phase.Owners[0]]
	if !ok || role.SystemPrompt == "" {
		return
	}
	initialized[record.Session.ID] = true
	e.dispatch(ctx, run, phase, repoPath, record,
		fmt.Sprintf("Session init for %s:\n%s", phase.Name, role.SystemPrompt))
}

// dispatch sends one instruction to the primary tool and appends the
// exchange to the phase's tool-call log.
func (e *Executor) dispatch(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath string, record *proto.PhaseExecutionRecord, instruction string,
) tools.Outcome {
	outcome := e.primary.Dispatch(ctx, tools.Request{
		Instruction: instruction,
		RepoPath:    repoPath,
		Branch:      run.Context.TargetBranch,
		SessionID:   record.Session.ID,
		SessionName: record.Session.Name,
		Phase:       phase.Name,
		DryRun:      run.Context.DryRun,
	})
	record.ToolCalls = append(record.ToolCalls, proto.ToolCall{
		Instruction: instruction,
		Result:      outcome.Text,
	})
	if e.calls != nil {
		err := e.calls.RecordToolCall(persistence.ToolCall{
			RunID:       run.RunIdentity(),
			Tool:        e.primary.Name(),
			Phase:       phase.Name,
			SessionID:   record.Session.ID,
			Instruction: instruction,
			Result:      outcome.Text,
			Success:     outcome.Success,
			ExitCode:    outcome.ExitCode,
			Duration:    outcome.Duration,
		})
		if err != nil {
			e.logger.Warn("tool call not audited: %v", err)
		}
	}
	return outcome
}

// phaseInstruction assembles the task dispatch: the feature request,
// deliverables, acceptance tests, handoff requirements, and any golden
// rules remembered for this repository.
func (e *Executor) phaseInstruction(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan, repoPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\nFeature request: %s\n", phase.Name, run.Plan.Request)
	if len(phase.Deliverables) > 0 {
		b.WriteString("Deliverables:\n")
		for _, d := range phase.Deliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(phase.AcceptanceTests) > 0 {
		b.WriteString("Acceptance tests:\n")
		for _, a := range phase.AcceptanceTests {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if phase.HandoffReport != "" {
		fmt.Fprintf(&b, "Write a handoff report to %s with sections: %s. Each section needs fenced Command and Result blocks.\n",
			phase.HandoffReport, strings.Join(e.cfg.Handoff.RequiredSections, ", "))
	}
	for _, rule := range e.goldenRules(ctx, repoPath) {
		fmt.Fprintf(&b, "Golden rule: %s\n", rule)
	}
	return b.String()
}

// ensureHandoffReport reads the phase's report and, when required
// sections are missing, issues exactly one follow-up dispatch asking the
// tool to complete it before re-reading.
func (e *Executor) ensureHandoffReport(ctx context.Context, run *proto.RunState, phase *proto.PhasePlan,
	repoPath string, record *proto.PhaseExecutionRecord,
) string {
	if phase.HandoffReport == "" {
		return ""
	}
	text := e.readReport(repoPath, phase.HandoffReport)
	missing := handoff.Missing(text, e.cfg.Handoff.RequiredSections)
	if len(missing) == 0 {
		return text
	}
	e.dispatch(ctx, run, phase, repoPath, record, fmt.Sprintf(
		"The handoff report %s is missing sections: %s. Complete it with Command and Result blocks for each.",
		phase.HandoffReport, strings.Join(missing, ", ")))
	return e.readReport(repoPath, phase.HandoffReport)
}

// phaseSucceeded applies the success rule: a complete, failure-free
// handoff report when one is required, otherwise the raw-output
// heuristic.
func (e *Executor) phaseSucceeded(phase *proto.PhasePlan, reportText string, outcome tools.Outcome) bool {
	if phase.HandoffReport != "" {
		return handoff.Ready(reportText, e.cfg.Handoff.RequiredSections)
	}
	return outputLooksSuccessful(outcome.Text)
}

func outputLooksSuccessful(text string) bool {
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "timed out") || strings.Contains(lowered, "error") {
		return false
	}
	return strings.Contains(lowered, "exit=0")
}

func (e *Executor) handoffStatus(repoPath, reportFile string) string {
	text := e.readReport(repoPath, reportFile)
	if text == "" {
		return "missing"
	}
	if handoff.Ready(text, e.cfg.Handoff.RequiredSections) {
		return "ready"
	}
	return "incomplete"
}

func (e *Executor) readReport(repoPath, reportFile string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, reportFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// backendAlreadyReady checks the on-disk report for resumed runs so a
// prior backend phase keeps the gate open.
func (e *Executor) backendAlreadyReady(run *proto.RunState, plan *proto.FeaturePlan,
	completed map[string]bool, repoPath string,
) bool {
	if !run.Context.Resume {
		return false
	}
	for _, p := range plan.Phases {
		if p.HasOwner("backend") && completed[p.Name] && p.HandoffReport != "" {
			if e.handoffStatus(repoPath, p.HandoffReport) == "ready" {
				return true
			}
		}
	}
	return false
}

// completedPhases reconstructs prior phase statuses from checkpoints.
func (e *Executor) completedPhases(run *proto.RunState) map[string]bool {
	completed := make(map[string]bool)
	if !run.Context.Resume {
		return completed
	}
	for _, cp := range run.Checkpoints {
		if cp.Status == string(proto.PhaseCompleted) {
			completed[cp.Phase] = true
		}
	}
	return completed
}

// session derives the stable per-phase session identity from the run's
// content hash, so re-dispatches and resumes land in the same session.
func (e *Executor) session(run *proto.RunState, phaseName string) proto.SessionRef {
	id := uuid.NewSHA1(sessionNamespace, []byte(run.RunIdentity()+"|"+phaseName))
	return proto.SessionRef{
		ID:   id.String(),
		Name: "conductor-" + slug(phaseName),
	}
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}
