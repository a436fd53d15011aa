package contextstore

import (
	"fmt"
	"strings"
)

// Per-section character budgets keep the rendered bundle inside a
// predictable prompt footprint. Planning carries more narrative;
// implementation leans on diffs and task lists.
var planningBudgets = map[string]int{
	"pinned":    350,
	"diff":      600,
	"repo":      150,
	"decisions": 600,
	"summary":   800,
	"files":     300,
	"retrieved": 300,
}

var implementationBudgets = map[string]int{
	"pinned":    350,
	"diff":      600,
	"tasks":     400,
	"evidence":  150,
	"retrieved": 200,
}

// BundleInput carries the optional extras rendered into a bundle.
type BundleInput struct {
	FilePointers      []string
	RetrievedSnippets []string
	TaskChecklist     []string
}

// BuildBundle renders the prompt-ready context block for one run. Each
// section is truncated to its budget; empty sections are dropped.
func BuildBundle(mode string, entry *Entry, repoState RepoState, input BundleInput) string {
	budgets := implementationBudgets
	if mode == ModePlanning {
		budgets = planningBudgets
	}
	var sections []string

	pinned := entry.PinnedRules
	if len(pinned) == 0 {
		pinned = DefaultPinnedRules
	}
	sections = append(sections, formatSection("Pinned rules", bulleted(pinned), budgets["pinned"]))

	stale := entry.WorkingSummary.Stale
	if mode == ModePlanning {
		if stale {
			sections = append(sections, formatSection("Diff-first summary", diffLines(repoState, stale), budgets["diff"]))
		}
		sections = append(sections, formatSection("Repo checkpoint", []string{repoCheckpointLine(repoState, stale)}, budgets["repo"]))
		sections = append(sections, formatSection("Open decisions", decisionLines(entry.OpenDecisions), budgets["decisions"]))
		if text := strings.TrimSpace(entry.WorkingSummary.Text); text != "" {
			header := "Working summary"
			if stale {
				header = "Working summary (STALE - do not trust)"
			}
			sections = append(sections, formatSection(header, nonEmptyLines(text), budgets["summary"]))
		}
		sections = append(sections, formatSection("File pointers", bulleted(input.FilePointers), budgets["files"]))
		sections = append(sections, formatSection("Retrieved snippets", bulleted(input.RetrievedSnippets), budgets["retrieved"]))
	} else {
		sections = append(sections, formatSection("Diff-first summary", diffLines(repoState, stale), budgets["diff"]))
		sections = append(sections, formatSection("Next steps", bulleted(input.TaskChecklist), budgets["tasks"]))
		sections = append(sections, formatSection("Evidence reminder",
			[]string{"- Claims require file paths and line refs or symbol names."}, budgets["evidence"]))
		sections = append(sections, formatSection("Retrieved snippets", bulleted(input.RetrievedSnippets), budgets["retrieved"]))
	}

	var kept []string
	for _, section := range sections {
		if section != "" {
			kept = append(kept, section)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n\n"))
}

// RenderSummaryMarkdown produces the human-facing summary document
// covering both modes.
func RenderSummaryMarkdown(planning, implementation *Entry) string {
	lines := []string{"# Shared Context Summary", ""}
	lines = append(lines, entrySummaryLines("Planning", planning)...)
	lines = append(lines, "")
	lines = append(lines, entrySummaryLines("Implementation", implementation)...)
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

func entrySummaryLines(label string, entry *Entry) []string {
	if entry == nil {
		return []string{"## " + label, "", "_No data_"}
	}
	lines := []string{"## " + label, ""}
	if text := strings.TrimSpace(entry.WorkingSummary.Text); text != "" {
		lines = append(lines, "Summary:", text, "")
	}
	if len(entry.OpenDecisions) > 0 {
		lines = append(lines, "Open decisions:")
		max := len(entry.OpenDecisions)
		if max > 5 {
			max = 5
		}
		for _, decision := range entry.OpenDecisions[:max] {
			lines = append(lines, "- "+decision.Text)
		}
		lines = append(lines, "")
	}
	if entry.LastRun.Status != "" {
		lines = append(lines, "Last run: "+entry.LastRun.Status)
		if entry.LastRun.Error != "" {
			lines = append(lines, "Error: "+entry.LastRun.Error)
		}
		if entry.LastRun.NextAction != "" {
			lines = append(lines, "Next action: "+entry.LastRun.NextAction)
		}
	}
	return lines
}

func repoCheckpointLine(state RepoState, stale bool) string {
	head := state.GitHead
	if head == "" {
		head = "unknown"
	}
	tracked := state.TrackedFilesHash
	if tracked == "" {
		tracked = "unknown"
	}
	status := "fresh"
	if stale {
		status = "STALE"
	}
	return fmt.Sprintf("head=%s tracked_hash=%s status=%s", head, tracked, status)
}

func diffLines(state RepoState, stale bool) []string {
	if len(state.DiffFiles) == 0 && !stale {
		return nil
	}
	var lines []string
	if stale {
		lines = append(lines, "- Context is STALE; refresh file evidence before changes.")
	}
	if len(state.DiffFiles) > 0 {
		lines = append(lines, "Changed files:")
		max := len(state.DiffFiles)
		if max > 20 {
			max = 20
		}
		for _, path := range state.DiffFiles[:max] {
			lines = append(lines, "- "+path)
		}
	}
	return lines
}

func decisionLines(decisions []Decision) []string {
	start := 0
	if len(decisions) > 5 {
		start = len(decisions) - 5
	}
	var lines []string
	for _, decision := range decisions[start:] {
		text := decision.Text
		if text == "" {
			text = decision.ID
		}
		if text == "" {
			continue
		}
		if decision.Status != "" {
			text = fmt.Sprintf("%s (%s)", text, decision.Status)
		}
		lines = append(lines, "- "+text)
	}
	return lines
}

func formatSection(title string, lines []string, limit int) string {
	if len(lines) == 0 {
		return ""
	}
	header := title + ":"
	out := []string{header}
	used := len(header) + 1
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if used+len(line)+1 > limit {
			break
		}
		out = append(out, line)
		used += len(line) + 1
	}
	if len(out) == 1 {
		return ""
	}
	return strings.Join(out, "\n")
}

func bulleted(items []string) []string {
	var lines []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			lines = append(lines, "- "+item)
		}
	}
	return lines
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
