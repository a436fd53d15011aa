package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// DefaultTimeout bounds a single tool dispatch.
const DefaultTimeout = 600 * time.Second

// InputMode selects how the instruction reaches the CLI.
type InputMode string

const (
	InputStdin InputMode = "stdin"
	InputArgv  InputMode = "argv"
)

// CLIConfig configures a subprocess-backed coding tool.
type CLIConfig struct {
	Command   []string      // binary plus fixed arguments
	Input     InputMode     // defaults to stdin
	Timeout   time.Duration // defaults to DefaultTimeout
	AuditPath string        // JSONL audit log, empty disables
}

// ConfigFromEnv reads a tool config from <PREFIX>_CMD, <PREFIX>_INPUT,
// and <PREFIX>_TIMEOUT_S. Returns false when the command is unset.
func ConfigFromEnv(prefix string) (CLIConfig, bool) {
	raw := os.Getenv(prefix + "_CMD")
	if strings.TrimSpace(raw) == "" {
		return CLIConfig{}, false
	}
	cfg := CLIConfig{Command: strings.Fields(raw), Input: InputStdin, Timeout: DefaultTimeout}
	if mode := os.Getenv(prefix + "_INPUT"); mode == string(InputArgv) {
		cfg.Input = InputArgv
	}
	if s := os.Getenv(prefix + "_TIMEOUT_S"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}
	cfg.AuditPath = os.Getenv(prefix + "_AUDIT_PATH")
	return cfg, true
}

// CLITool dispatches instructions to an external CLI as a blocking
// subprocess under a hard timeout. Every call, including failures and
// dry runs, is appended to the audit log.
type CLITool struct {
	name   string
	cfg    CLIConfig
	logger *logx.Logger

	auditMu sync.Mutex
}

// NewCLITool creates a subprocess-backed tool.
func NewCLITool(name string, cfg CLIConfig) *CLITool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Input == "" {
		cfg.Input = InputStdin
	}
	return &CLITool{name: name, cfg: cfg, logger: logx.NewLogger("tool-" + name)}
}

func (t *CLITool) Name() string {
	return t.name
}

// Dispatch runs the configured command. A missing binary, nonzero exit,
// or timeout produces a descriptive failure Outcome, never an error
// escaping to the caller.
func (t *CLITool) Dispatch(ctx context.Context, req Request) Outcome {
	start := time.Now()

	if req.DryRun {
		text := fmt.Sprintf("[%s] dry-run: instruction logged, no process spawned", t.name)
		outcome := Outcome{Text: text, Success: true, Duration: time.Since(start)}
		t.audit(req, outcome)
		return outcome
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	args := append([]string(nil), t.cfg.Command[1:]...)
	if t.cfg.Input == InputArgv {
		args = append(args, req.Instruction)
	}
	cmd := exec.CommandContext(ctx, t.cfg.Command[0], args...)
	if req.RepoPath != "" {
		if _, err := os.Stat(req.RepoPath); err == nil {
			cmd.Dir = req.RepoPath
		}
	}
	if t.cfg.Input == InputStdin {
		cmd.Stdin = strings.NewReader(req.Instruction)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outcome := Outcome{Duration: time.Since(start)}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome.Text = fmt.Sprintf("[%s] timed out after %s", t.name, t.cfg.Timeout)
		outcome.ExitCode = -1
	case err != nil && isNotFound(err):
		outcome.Text = fmt.Sprintf("[%s] binary not found: %s", t.name, t.cfg.Command[0])
		outcome.ExitCode = -1
	case err != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		outcome.ExitCode = exitCode
		outcome.Text = fmt.Sprintf("[%s] exited %d: %s", t.name, exitCode,
			firstNonEmpty(strings.TrimSpace(stderr.String()), strings.TrimSpace(stdout.String()), err.Error()))
	default:
		outcome.Success = true
		outcome.Text = stdout.String()
		if outcome.Text == "" {
			outcome.Text = fmt.Sprintf("[%s] completed, exit=0", t.name)
		}
	}

	t.audit(req, outcome)
	if !outcome.Success {
		t.logger.Warn("dispatch failed phase=%s: %s", req.Phase, outcome.Text)
	}
	return outcome
}

type auditRow struct {
	TS          time.Time `json:"ts"`
	Tool        string    `json:"tool"`
	Phase       string    `json:"phase,omitempty"`
	RepoPath    string    `json:"repo_path,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	SessionName string    `json:"session_name,omitempty"`
	Instruction string    `json:"instruction"`
	Success     bool      `json:"success"`
	DryRun      bool      `json:"dry_run,omitempty"`
	DurationS   float64   `json:"duration_s"`
	Result      string    `json:"result"`
}

func (t *CLITool) audit(req Request, outcome Outcome) {
	if t.cfg.AuditPath == "" {
		return
	}
	t.auditMu.Lock()
	defer t.auditMu.Unlock()

	if dir := filepath.Dir(t.cfg.AuditPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.logger.Warn("audit log unavailable: %v", err)
			return
		}
	}
	f, err := os.OpenFile(t.cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.logger.Warn("audit log unavailable: %v", err)
		return
	}
	defer f.Close()

	row := auditRow{
		TS:          time.Now().UTC(),
		Tool:        t.name,
		Phase:       req.Phase,
		RepoPath:    req.RepoPath,
		Branch:      req.Branch,
		SessionID:   req.SessionID,
		SessionName: req.SessionName,
		Instruction: truncate(req.Instruction, 2000),
		Success:     outcome.Success,
		DryRun:      req.DryRun,
		DurationS:   outcome.Duration.Seconds(),
		Result:      truncate(outcome.Text, 2000),
	}
	if err := json.NewEncoder(f).Encode(&row); err != nil {
		t.logger.Warn("audit write failed: %v", err)
	}
}

func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	return os.IsNotExist(err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
