package contextstore

import (
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

var completionKeywords = []string{"implemented", "fixed", "completed", "resolved", "done"}

// HasCompletionClaim reports whether text asserts finished work.
func HasCompletionClaim(text string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range completionKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// LedgerViolations lists structural problems in an evidence ledger:
// entries without files, and files without paths.
func LedgerViolations(ledger []proto.EvidenceEntry) []string {
	var violations []string
	for _, entry := range ledger {
		if len(entry.Files) == 0 {
			violations = append(violations, "Evidence ledger entry missing files")
			continue
		}
		for _, file := range entry.Files {
			if file.Path == "" {
				violations = append(violations, "Evidence ledger entry missing file path")
			}
		}
	}
	return violations
}

// CheckEvidence blocks output that claims completion without a valid
// evidence ledger. Output with no completion claim always passes; a
// claim needs at least one well-formed ledger entry behind it.
func CheckEvidence(output string, ledger []proto.EvidenceEntry) error {
	if strings.TrimSpace(output) == "" || !HasCompletionClaim(output) {
		return nil
	}
	if len(ledger) == 0 {
		return fmt.Errorf("add file paths and line refs for completion claims: %w", proto.ErrEvidenceViolation)
	}
	if violations := LedgerViolations(ledger); len(violations) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(violations, "; "), proto.ErrEvidenceViolation)
	}
	return nil
}
