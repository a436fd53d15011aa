package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/memory"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

func runStateWithPhases(t *testing.T, phases []proto.PhasePlan) *proto.RunState {
	t.Helper()
	state := proto.NewRunState("ship the feature", proto.RunContext{
		RepoPath: t.TempDir(),
	})
	state.Plan = &proto.FeaturePlan{
		Request: "ship the feature",
		Review:  proto.Review{Status: proto.ReviewApproved},
		Phases:  phases,
	}
	return state
}

func phaseCalls(calls []tools.Request, phase string) []tools.Request {
	var out []tools.Request
	for _, c := range calls {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func TestFrontendBlockedWhenBackendNotReady(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "error: tests failing", Success: false}
		},
	}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
		{Name: "Frontend", Owners: []string{"frontend"}, AcceptanceTests: []string{"tests"}},
	})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	assert.Empty(t, phaseCalls(primary.Calls(), "Frontend"), "blocked phase must not dispatch")

	statuses := map[string]string{}
	for _, cp := range state.Checkpoints {
		statuses[cp.Phase] = cp.Status
	}
	assert.Equal(t, string(proto.PhaseFailed), statuses["Backend"])
	assert.Equal(t, string(proto.PhaseBlocked), statuses["Frontend"])
}

func TestFrontendProceedsAfterBackendSuccess(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "all good, exit=0", Success: true}
		},
	}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
		{Name: "Frontend", Owners: []string{"frontend"}, AcceptanceTests: []string{"tests"}},
	})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	assert.NotEmpty(t, phaseCalls(primary.Calls(), "Frontend"))
	assert.Contains(t, state.Output, "Backend: completed")
	assert.Contains(t, state.Output, "Frontend: completed")
}

func TestHandoffReportGatesBackendSuccess(t *testing.T) {
	cfg := config.Default()
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "done, exit=0", Success: true}
		},
	}
	e := New(cfg, primary)
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		HandoffReport:   "handoff.md",
	}})

	report := "## Build\nCommand:\n```\nmake\n```\nResult:\n```\nok, exit=0\n```\n" +
		"## Tests\nCommand:\n```\ngo test ./...\n```\nResult:\n```\nok, failures: 0\n```\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(state.Context.RepoPath, "handoff.md"), []byte(report), 0o644))

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	records := state.WorkingMemory["phase_records"].([]proto.PhaseExecutionRecord)
	require.Len(t, records, 1)
	assert.Equal(t, proto.PhaseCompleted, records[0].Status)
	assert.Equal(t, "ready", records[0].HandoffStatus)
}

func TestMissingHandoffSectionsTriggerOneFollowUp(t *testing.T) {
	cfg := config.Default()
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "done, exit=0", Success: true}
		},
	}
	e := New(cfg, primary)
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		HandoffReport:   "handoff.md",
	}})

	// Report carries Build but not Tests, and the tool never completes it.
	report := "## Build\nCommand:\n```\nmake\n```\nResult:\n```\nok, exit=0\n```\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(state.Context.RepoPath, "handoff.md"), []byte(report), 0o644))

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	var followUps int
	for _, call := range phaseCalls(primary.Calls(), "Backend") {
		if strings.Contains(call.Instruction, "missing sections") {
			followUps++
		}
	}
	assert.Equal(t, 1, followUps)

	records := state.WorkingMemory["phase_records"].([]proto.PhaseExecutionRecord)
	assert.Equal(t, proto.PhaseFailed, records[0].Status)
}

func TestDebugEscalationRunsAtMostOnce(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			if strings.Contains(req.Instruction, "debug_suggestions.md") {
				return &tools.Outcome{Text: "applied fix, exit=0", Success: true}
			}
			return &tools.Outcome{Text: "error: flaky test", Success: false}
		},
	}
	advisor := &tools.ScriptedTool{ToolName: "advisor"}
	store := memory.New(memory.Config{Path: t.TempDir()}, nil)
	t.Cleanup(store.Close)

	e := New(config.Default(), primary, WithAdvisor(advisor), WithMemory(store))
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		TestPolicy:      proto.TestPolicyDebugger,
	}})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	assert.Len(t, advisor.Calls(), 1)
	assert.Equal(t, 1, state.AttemptCounters["debug_escalation:Backend"])

	records := state.WorkingMemory["phase_records"].([]proto.PhaseExecutionRecord)
	assert.Equal(t, proto.PhaseCompleted, records[0].Status)

	results, err := store.Search(context.Background(), "flaky", 5, 30)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "golden_rule", results[0].Category)
	assert.Equal(t, state.Context.RepoPath, results[0].Metadata["repo"])
}

func TestDebugEscalationSkippedForStandardPolicy(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "error: broken", Success: false}
		},
	}
	advisor := &tools.ScriptedTool{ToolName: "advisor"}
	e := New(config.Default(), primary, WithAdvisor(advisor))
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		TestPolicy:      proto.TestPolicyStandard,
	}})

	require.NoError(t, e.ExecutePlan(context.Background(), state))
	assert.Empty(t, advisor.Calls())
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	primary := &tools.ScriptedTool{}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
	})
	state.Context.Resume = true
	state.AddCheckpoint("Backend", string(proto.PhaseCompleted), []string{"backend"})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	assert.Empty(t, primary.Calls())
	assert.Contains(t, state.Output, "already completed")
}

func TestForceRerunDispatchesCompletedPhases(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "done, exit=0", Success: true}
		},
	}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
	})
	state.Context.Resume = true
	state.Context.ForceRerun = true
	state.AddCheckpoint("Backend", string(proto.PhaseCompleted), []string{"backend"})

	require.NoError(t, e.ExecutePlan(context.Background(), state))
	assert.NotEmpty(t, primary.Calls())
}

func TestSessionStablePerPhase(t *testing.T) {
	e := New(config.Default(), &tools.ScriptedTool{})
	state := runStateWithPhases(t, nil)

	first := e.session(state, "Backend Implementation")
	second := e.session(state, "Backend Implementation")
	other := e.session(state, "Frontend Implementation")

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, "conductor-backend-implementation", first.Name)
}

func TestParseGoldenRule(t *testing.T) {
	rule, ok := parseGoldenRule("Golden Rule: pin the toolchain version before running builds")
	require.True(t, ok)
	assert.Equal(t, "pin the toolchain version before running builds", rule)

	_, ok = parseGoldenRule("no rule here")
	assert.False(t, ok)

	long := "Golden Rule: " + strings.Repeat("word ", 40)
	_, ok = parseGoldenRule(long)
	assert.False(t, ok, "rules at or over the word limit are unusable")
}

func TestOutputHeuristic(t *testing.T) {
	assert.True(t, outputLooksSuccessful("finished, exit=0"))
	assert.False(t, outputLooksSuccessful("error: exit=0 but broken"))
	assert.False(t, outputLooksSuccessful("[primary] timed out after 600s"))
	assert.False(t, outputLooksSuccessful("no exit marker"))
}

func TestExecutePlanRequiresPhases(t *testing.T) {
	e := New(config.Default(), &tools.ScriptedTool{})
	state := runStateWithPhases(t, nil)

	err := e.ExecutePlan(context.Background(), state)
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrStructural)
}

func TestCompletedPhasesBackClaimsWithEvidence(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			if req.Phase == "Frontend" {
				return &tools.Outcome{Text: "error: build broken", Success: false}
			}
			return &tools.Outcome{Text: "done, exit=0", Success: true}
		},
	}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
		{Name: "Frontend", Owners: []string{"frontend"}, AcceptanceTests: []string{"tests"}},
	})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	require.Len(t, state.Context.EvidenceLedger, 1, "only completed phases contribute evidence")
	entry := state.Context.EvidenceLedger[0]
	assert.Equal(t, "Backend completed", entry.Claim)
	require.NotEmpty(t, entry.Files)
	assert.NotEmpty(t, entry.Files[0].Path)
}

func TestEvidencePrefersHandoffReportPath(t *testing.T) {
	primary := &tools.ScriptedTool{
		Handler: func(req tools.Request) *tools.Outcome {
			return &tools.Outcome{Text: "done, exit=0", Success: true}
		},
	}
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		HandoffReport:   "handoff.md",
	}})

	report := "## Build\nCommand:\n```\nmake\n```\nResult:\n```\nok, exit=0\n```\n" +
		"## Tests\nCommand:\n```\ngo test ./...\n```\nResult:\n```\nok, failures: 0\n```\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(state.Context.RepoPath, "handoff.md"), []byte(report), 0o644))

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	require.Len(t, state.Context.EvidenceLedger, 1)
	assert.Equal(t, "handoff.md", state.Context.EvidenceLedger[0].Files[0].Path)
}

func TestDryRunCompletesWithoutExitMarkers(t *testing.T) {
	primary := tools.NewCLITool("coder", tools.CLIConfig{Command: []string{"echo"}})
	e := New(config.Default(), primary)
	state := runStateWithPhases(t, []proto.PhasePlan{{
		Name:            "Backend",
		Owners:          []string{"backend"},
		AcceptanceTests: []string{"tests"},
		HandoffReport:   "handoff.md",
	}})
	state.Context.DryRun = true

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	records := state.WorkingMemory["phase_records"].([]proto.PhaseExecutionRecord)
	require.Len(t, records, 1)
	assert.Equal(t, proto.PhaseCompleted, records[0].Status)
	assert.Contains(t, state.Output, "Backend: completed")
}

func TestDispatchesRecordedInAuditStore(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	audit := persistence.NewAuditStore(db)

	primary := &tools.ScriptedTool{ToolName: "coder"}
	e := New(config.Default(), primary, WithCallRecorder(audit))
	state := runStateWithPhases(t, []proto.PhasePlan{
		{Name: "Backend", Owners: []string{"backend"}, AcceptanceTests: []string{"tests"}},
	})

	require.NoError(t, e.ExecutePlan(context.Background(), state))

	calls, err := audit.ToolCalls(state.RunIdentity())
	require.NoError(t, err)
	require.NotEmpty(t, calls)
	assert.Equal(t, "coder", calls[0].Tool)
	assert.Equal(t, "Backend", calls[0].Phase)
	assert.NotEmpty(t, calls[0].Instruction)
}
