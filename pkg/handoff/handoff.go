// Package handoff parses the markdown handoff reports that phase owners
// produce before dependent phases may proceed. A report is a sequence of
// "## Section" headers, each followed by fenced Command and Result
// blocks; parsing classifies every command entry so the executor's
// gating and success rules work off structured data.
package handoff

import (
	"crypto/sha1"
	"fmt"
	"regexp"
	"strings"
)

// Status classifies one parsed command entry.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusUnknown Status = "unknown"
)

// Entry is one command execution extracted from a report section.
type Entry struct {
	Section        string `json:"section"`
	Command        string `json:"command"`
	Workdir        string `json:"workdir,omitempty"`
	Status         Status `json:"status"`
	ResultExcerpt  string `json:"result_excerpt,omitempty"`
	ErrorSignature string `json:"error_signature,omitempty"`
	ErrorHash      string `json:"error_hash,omitempty"`
}

var (
	sectionRe = regexp.MustCompile(`(?m)^##\s+(.+)$`)
	workdirRe = regexp.MustCompile("(?i)workdir:\\s*`([^`]+)`")
	metricRe  = regexp.MustCompile(`(?i)(failures|errors)\s*:\s*(\d+)`)
)

// Parse extracts command entries from report markdown. Sections with
// neither a Command nor a Result block are omitted.
func Parse(text string) []Entry {
	var entries []Entry
	for _, sec := range splitSections(text) {
		command := labeledBlock(sec.body, "Command")
		result := labeledBlock(sec.body, "Result")
		if command == "" && result == "" {
			continue
		}
		status := inferStatus(command, result)
		entry := Entry{
			Section:       sec.name,
			Command:       command,
			Workdir:       workdir(sec.body),
			Status:        status,
			ResultExcerpt: excerpt(result, 800),
		}
		if status == StatusFailed {
			entry.ErrorSignature = errorSignature(result)
			entry.ErrorHash = hashSignature(entry.ErrorSignature)
		}
		entries = append(entries, entry)
	}
	return entries
}

// SectionNames returns the section headers present in the report.
func SectionNames(text string) []string {
	secs := splitSections(text)
	names := make([]string, 0, len(secs))
	for _, sec := range secs {
		names = append(names, sec.name)
	}
	return names
}

// Missing returns the required section names absent from the report.
// Matching ignores case.
func Missing(text string, required []string) []string {
	present := make(map[string]bool)
	for _, name := range SectionNames(text) {
		present[strings.ToLower(name)] = true
	}
	var missing []string
	for _, want := range required {
		if !present[strings.ToLower(want)] {
			missing = append(missing, want)
		}
	}
	return missing
}

// Ready reports whether the report satisfies the gate: every required
// section present and no command entry classified failed.
func Ready(text string, required []string) bool {
	if len(Missing(text, required)) > 0 {
		return false
	}
	for _, entry := range Parse(text) {
		if entry.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Failures returns the failed entries only.
func Failures(entries []Entry) []Entry {
	var failed []Entry
	for _, e := range entries {
		if e.Status == StatusFailed {
			failed = append(failed, e)
		}
	}
	return failed
}

// Hints distills failure-then-fix pairs from an entry history into short
// reusable strings: a failed entry followed by a success in the same
// section/workdir produces one hint. Capped at limit.
func Hints(entries []Entry, limit int) []string {
	type key struct{ section, workdir string }
	pending := make(map[key]Entry)
	seen := make(map[string]bool)
	var hints []string
	for _, e := range entries {
		k := key{e.Section, e.Workdir}
		switch e.Status {
		case StatusFailed:
			pending[k] = e
		case StatusSuccess:
			failure, ok := pending[k]
			if !ok || e.Command == "" {
				continue
			}
			signature := failure.ErrorSignature
			if signature == "" {
				signature = "failure"
			}
			workdir := e.Workdir
			if workdir == "" {
				workdir = "."
			}
			hint := fmt.Sprintf("%s failed before (%s); last working command: `%s` (workdir: %s).",
				e.Section, signature, e.Command, workdir)
			if !seen[hint] {
				hints = append(hints, hint)
				seen[hint] = true
			}
			if len(hints) >= limit {
				return hints
			}
		}
	}
	return hints
}

type section struct {
	name string
	body string
}

func splitSections(text string) []section {
	matches := sectionRe.FindAllStringSubmatchIndex(text, -1)
	sections := make([]section, 0, len(matches))
	for i, m := range matches {
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections = append(sections, section{
			name: strings.TrimSpace(text[m[2]:m[3]]),
			body: strings.TrimSpace(text[start:end]),
		})
	}
	return sections
}

// labeledBlock finds the fenced code block following a label like
// "Command" or "Result", falling back to the first non-empty line after
// the label when no fence is present.
func labeledBlock(body, label string) string {
	re := regexp.MustCompile(`(?is)` + regexp.QuoteMeta(label) + ".*?```(?:[a-z]*\\n)?(.*?)```")
	if m := re.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), strings.ToLower(label)) {
			for _, next := range lines[i+1:] {
				if strings.TrimSpace(next) != "" {
					return strings.TrimSpace(next)
				}
			}
		}
	}
	return ""
}

func workdir(body string) string {
	if m := workdirRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func inferStatus(command, result string) Status {
	commandLower := strings.ToLower(strings.TrimSpace(command))
	resultLower := strings.ToLower(strings.TrimSpace(result))
	switch {
	case command == "" || strings.HasPrefix(commandLower, "n/a"):
		return StatusSkipped
	case isSkippedResult(resultLower):
		return StatusSkipped
	case isFailureResult(resultLower):
		return StatusFailed
	case result != "":
		return StatusSuccess
	default:
		return StatusUnknown
	}
}

func isSkippedResult(text string) bool {
	for _, token := range []string{"not run", "skipped", "deferred"} {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

func isFailureResult(text string) bool {
	if strings.Contains(text, "build failure") || strings.Contains(text, "build failed") {
		return true
	}
	if strings.Contains(text, "operation not permitted") || strings.Contains(text, "permission denied") {
		return true
	}
	if nonzeroFailureCounts(text) {
		return true
	}
	return hasErrorLine(text)
}

func nonzeroFailureCounts(text string) bool {
	for _, m := range metricRe.FindAllStringSubmatch(text, -1) {
		if m[2] != "0" {
			return true
		}
	}
	return false
}

func hasErrorLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		lowered := strings.ToLower(strings.TrimSpace(line))
		if lowered == "" {
			continue
		}
		if strings.Contains(lowered, "error") || strings.Contains(lowered, "exception") ||
			strings.Contains(lowered, "failed to") {
			if strings.Contains(lowered, "errors: 0") || strings.Contains(lowered, "failures: 0") {
				continue
			}
			return true
		}
	}
	return false
}

func errorSignature(result string) string {
	for _, line := range strings.Split(result, "\n") {
		trimmed := strings.TrimSpace(line)
		lowered := strings.ToLower(trimmed)
		if lowered == "" {
			continue
		}
		switch {
		case strings.Contains(lowered, "build failure"),
			strings.Contains(lowered, "operation not permitted"),
			strings.Contains(lowered, "permission denied"),
			strings.Contains(lowered, "failed to execute goal"),
			strings.Contains(lowered, "exception"),
			strings.Contains(lowered, "error") && !strings.Contains(lowered, "errors: 0"):
			return excerpt(trimmed, 240)
		}
	}
	return ""
}

func hashSignature(signature string) string {
	if signature == "" {
		return ""
	}
	sum := sha1.Sum([]byte(signature))
	return fmt.Sprintf("%x", sum)[:12]
}

func excerpt(text string, limit int) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > limit {
		return trimmed[:limit]
	}
	return trimmed
}
