package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Workspace resolves the repository directory a run executes against:
// reuse an existing checkout, or clone from the configured URL, then
// switch to the target branch.
type Workspace struct {
	baseDir string
	logger  *logx.Logger
}

// NewWorkspace creates a resolver. baseDir holds fresh clones; empty
// defaults to work/repos.
func NewWorkspace(baseDir string) *Workspace {
	if baseDir == "" {
		baseDir = filepath.Join("work", "repos")
	}
	return &Workspace{baseDir: baseDir, logger: logx.NewLogger("workspace")}
}

// Resolve returns the repository path for the run. Dry runs never touch
// git; they only resolve the path.
func (w *Workspace) Resolve(ctx context.Context, rc proto.RunContext) (string, error) {
	path := rc.RepoPath
	if path == "" && rc.RepoURL != "" {
		path = filepath.Join(w.baseDir, repoSlug(rc.RepoURL))
	}
	if path == "" {
		path = "."
	}

	if rc.DryRun {
		return path, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if rc.RepoURL == "" {
			return "", fmt.Errorf("workspace %s does not exist and no repo url configured", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace parent: %w", err)
		}
		w.logger.Info("cloning %s into %s", rc.RepoURL, path)
		if out, err := w.git(ctx, "", "clone", rc.RepoURL, path); err != nil {
			return "", fmt.Errorf("clone failed: %s: %w", out, err)
		}
	}

	if rc.TargetBranch != "" {
		if out, err := w.git(ctx, path, "checkout", "-B", rc.TargetBranch); err != nil {
			return "", fmt.Errorf("branch checkout failed: %s: %w", out, err)
		}
	}
	return path, nil
}

func (w *Workspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func repoSlug(url string) string {
	trimmed := strings.TrimSuffix(url, ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		trimmed = "repo"
	}
	return trimmed
}
