// Package tools abstracts the external coding tools that phases dispatch
// work to. The orchestration core only sees the CodingTool interface, so
// it stays testable without spawning processes; the production
// implementation shells out to a CLI configured via environment.
package tools

import (
	"context"
	"time"
)

// Request is one instruction dispatched to a coding tool.
type Request struct {
	Instruction string `json:"instruction"`
	RepoPath    string `json:"repo_path,omitempty"`
	Branch      string `json:"branch,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	Phase       string `json:"phase,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// Outcome is the tool's status text for one dispatch. Failures are
// reported in Text, never as a panic or lost process error; Success is
// false when the dispatch itself failed (timeout, missing binary,
// nonzero exit).
type Outcome struct {
	Text     string        `json:"text"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CodingTool dispatches instructions to an external code-editing agent.
type CodingTool interface {
	Name() string
	Dispatch(ctx context.Context, req Request) Outcome
}
