package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchEchoesStdinInstruction(t *testing.T) {
	tool := NewCLITool("echo", CLIConfig{Command: []string{"cat"}, Input: InputStdin})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: "implement phase one"})

	assert.True(t, outcome.Success)
	assert.Equal(t, "implement phase one", outcome.Text)
	assert.Equal(t, 0, outcome.ExitCode)
}

func TestDispatchArgvMode(t *testing.T) {
	tool := NewCLITool("echo", CLIConfig{Command: []string{"echo", "-n"}, Input: InputArgv})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: "hello"})

	assert.True(t, outcome.Success)
	assert.Equal(t, "hello", outcome.Text)
}

func TestDispatchMissingBinaryReturnsFailureText(t *testing.T) {
	tool := NewCLITool("ghost", CLIConfig{Command: []string{"definitely-not-a-real-binary-xyz"}})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: "anything"})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Text, "binary not found")
}

func TestDispatchTimeoutReturnsFailureText(t *testing.T) {
	// stdin mode keeps the argv fixed; sleep ignores the instruction.
	tool := NewCLITool("slow", CLIConfig{
		Command: []string{"sleep", "5"},
		Input:   InputStdin,
		Timeout: 100 * time.Millisecond,
	})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: "ignored"})

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Text, "timed out")
	assert.Equal(t, -1, outcome.ExitCode)
}

func TestDispatchNonzeroExitReportsStderr(t *testing.T) {
	tool := NewCLITool("fail", CLIConfig{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: ""})

	assert.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.Contains(t, outcome.Text, "boom")
}

func TestDryRunSkipsProcessAndAudits(t *testing.T) {
	audit := filepath.Join(t.TempDir(), "audit.jsonl")
	tool := NewCLITool("primary", CLIConfig{
		Command:   []string{"definitely-not-a-real-binary-xyz"},
		AuditPath: audit,
	})

	outcome := tool.Dispatch(context.Background(), Request{Instruction: "noop", DryRun: true, Phase: "Backend"})

	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.Text, "dry-run")

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dry_run":true`)
	assert.Contains(t, string(data), `"phase":"Backend"`)
}

func TestAuditRecordsFailures(t *testing.T) {
	audit := filepath.Join(t.TempDir(), "audit.jsonl")
	tool := NewCLITool("primary", CLIConfig{
		Command:   []string{"definitely-not-a-real-binary-xyz"},
		AuditPath: audit,
	})

	tool.Dispatch(context.Background(), Request{Instruction: "try"})

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success":false`)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TESTTOOL_CMD", "mycli --agent")
	t.Setenv("TESTTOOL_INPUT", "argv")
	t.Setenv("TESTTOOL_TIMEOUT_S", "30")

	cfg, ok := ConfigFromEnv("TESTTOOL")
	require.True(t, ok)
	assert.Equal(t, []string{"mycli", "--agent"}, cfg.Command)
	assert.Equal(t, InputArgv, cfg.Input)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	_, ok = ConfigFromEnv("UNSET_PREFIX_XYZ")
	assert.False(t, ok)
}

func TestTruncateBoundsLongInstructions(t *testing.T) {
	long := strings.Repeat("x", 5000)
	assert.Len(t, truncate(long, 2000), 2000)
}
