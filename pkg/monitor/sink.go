package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sample is one stage telemetry record.
type Sample struct {
	RunID           string    `json:"run_id"`
	Stage           string    `json:"stage"`
	LatencyS        float64   `json:"latency_s"`
	Tokens          int       `json:"tokens"`
	CostEstimateUSD float64   `json:"cost_estimate_usd"`
	Success         bool      `json:"success"`
	At              time.Time `json:"at"`
}

// Sink buffers telemetry samples in memory and flushes them to a JSONL
// file on demand. Safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	samples []Sample
	path    string
}

// NewSink creates a sink targeting the given JSONL file path.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Record buffers one sample.
func (s *Sink) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

// Samples returns a copy of all buffered samples.
func (s *Sink) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Flush appends all buffered samples to the target file and clears the
// buffer. Creates parent directories as needed.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range s.samples {
		if err := enc.Encode(&s.samples[i]); err != nil {
			return fmt.Errorf("failed to write metrics sample: %w", err)
		}
	}
	s.samples = s.samples[:0]
	return nil
}
