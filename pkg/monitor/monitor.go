// Package monitor instruments pipeline stages with wall-clock latency and
// a token-derived cost estimate. Each completed stage republishes its
// telemetry into the run state so downstream routing can react to budget
// pressure mid-run.
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// CostPerKiloTokens is the flat blended rate used for the cost proxy.
const CostPerKiloTokens = 0.002

// Monitor measures stage latency and estimates token usage and cost from
// the serialized run state after each stage.
type Monitor struct {
	codec    tokenizer.Codec
	recorder *Recorder
	sink     *Sink
	logger   *logx.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRecorder attaches a Prometheus recorder.
func WithRecorder(r *Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithSink attaches a JSONL sample sink.
func WithSink(s *Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

// New creates a Monitor. Token counting uses the GPT-4 encoding; if the
// codec cannot be constructed a word-count approximation is used instead.
func New(opts ...Option) *Monitor {
	m := &Monitor{logger: logx.NewLogger("monitor")}
	if codec, err := tokenizer.ForModel(tokenizer.GPT4); err == nil {
		m.codec = codec
	} else {
		m.logger.Warn("tokenizer unavailable, falling back to word counting: %v", err)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns a stage that runs fn and records latency plus the stage's
// token growth into state.Telemetry. The token proxy is measured before
// and after the stage; the delta is clamped at zero so running totals
// never decrease when a stage shrinks the state.
func (m *Monitor) Wrap(name string, fn func(ctx context.Context, state *proto.RunState) error) func(ctx context.Context, state *proto.RunState) error {
	return func(ctx context.Context, state *proto.RunState) error {
		before := m.countTokens(state.Snapshot())
		start := time.Now()
		err := fn(ctx, state)
		elapsed := time.Since(start)

		tokens := m.countTokens(state.Snapshot()) - before
		if tokens < 0 {
			tokens = 0
		}
		cost := float64(tokens) / 1000.0 * CostPerKiloTokens

		state.Telemetry.LatencyS += elapsed.Seconds()
		state.Telemetry.Tokens += tokens
		state.Telemetry.CostEstimateUSD += cost
		state.Telemetry.LastStage = name

		sample := Sample{
			RunID:           state.RunIdentity(),
			Stage:           name,
			LatencyS:        elapsed.Seconds(),
			Tokens:          tokens,
			CostEstimateUSD: cost,
			Success:         err == nil,
			At:              time.Now().UTC(),
		}
		if m.recorder != nil {
			m.recorder.ObserveStage(sample)
		}
		if m.sink != nil {
			m.sink.Record(sample)
		}

		m.logger.Debug("stage %s: latency=%.3fs tokens=%d cost=$%.6f ok=%t",
			name, sample.LatencyS, tokens, cost, err == nil)
		return err
	}
}

// countTokens estimates the token footprint of the serialized run state.
func (m *Monitor) countTokens(serialized string) int {
	if m.codec != nil {
		if n, err := m.codec.Count(serialized); err == nil {
			return n
		}
	}
	return len(strings.Fields(serialized))
}
