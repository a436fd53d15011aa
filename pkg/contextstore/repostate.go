package contextstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
)

// RepoState is a point-in-time fingerprint of a working tree. It is
// compared against the stored checkpoint to detect stale summaries.
type RepoState struct {
	GitHead          string   `json:"git_head"`
	TrackedFilesHash string   `json:"tracked_files_hash"`
	DiffFiles        []string `json:"diff_files"`
}

// ComputeRepoState fingerprints the repo at repoPath. When
// baselineCommit is set, DiffFiles lists files changed since it;
// otherwise the current porcelain status is used. Non-git directories
// yield empty fields rather than an error.
func ComputeRepoState(repoPath, baselineCommit string) RepoState {
	head, _ := runGit(repoPath, "rev-parse", "HEAD")
	return RepoState{
		GitHead:          head,
		TrackedFilesHash: trackedFilesHash(repoPath),
		DiffFiles:        diffFiles(repoPath, baselineCommit),
	}
}

// CheckpointMap renders the state as the flat map stored in an entry.
func (r RepoState) CheckpointMap() map[string]string {
	return map[string]string{
		"git_head":           r.GitHead,
		"tracked_files_hash": r.TrackedFilesHash,
	}
}

// Stale reports whether the stored checkpoint no longer matches this
// state. An empty checkpoint is never stale; the first run records it.
func (r RepoState) Stale(checkpoint map[string]string) bool {
	if len(checkpoint) == 0 {
		return false
	}
	if head := checkpoint["git_head"]; head != "" && head != r.GitHead {
		return true
	}
	if hash := checkpoint["tracked_files_hash"]; hash != "" && hash != r.TrackedFilesHash {
		return true
	}
	return false
}

func trackedFilesHash(repoPath string) string {
	files, _ := runGit(repoPath, "ls-files", "-z")
	status, _ := runGit(repoPath, "status", "--porcelain")
	sum := sha256.Sum256([]byte(files + "\n" + status))
	return hex.EncodeToString(sum[:])
}

func diffFiles(repoPath, baselineCommit string) []string {
	if baselineCommit == "" {
		status, _ := runGit(repoPath, "status", "--porcelain")
		var out []string
		for _, line := range strings.Split(status, "\n") {
			if len(line) > 3 && strings.TrimSpace(line) != "" {
				out = append(out, strings.TrimSpace(line[3:]))
			}
		}
		return out
	}
	diff, _ := runGit(repoPath, "diff", "--name-only", baselineCommit+"..HEAD")
	var out []string
	for _, line := range strings.Split(diff, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func runGit(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
