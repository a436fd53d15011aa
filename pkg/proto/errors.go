package proto

import "errors"

// Error taxonomy for the orchestration core.
//
// Structural errors block progression immediately and are never retried.
// Reviewer rejection is a status flag, not an error. External tool
// failures are converted to descriptive result strings so the pipeline
// records failure and continues.
var (
	// ErrStructural marks a plan missing required fields or a stage
	// invoked before its preconditions hold. Fatal to the run.
	ErrStructural = errors.New("structural plan error")

	// ErrReviewExhausted marks a review/revision loop that hit its
	// attempt cap without approval. Fatal to the run.
	ErrReviewExhausted = errors.New("review attempts exhausted")

	// ErrEvidenceViolation marks output claiming completion without a
	// backing evidence ledger. Hard stop.
	ErrEvidenceViolation = errors.New("completion claim without evidence")

	// ErrInvalidTransition marks a phase-machine transition outside the
	// transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
)
