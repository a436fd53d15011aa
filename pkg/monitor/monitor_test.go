package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func TestWrapRepublishesTelemetry(t *testing.T) {
	m := New()
	state := proto.NewRunState("build the widget service", proto.RunContext{ScenarioID: "s1"})

	stage := m.Wrap("router", func(ctx context.Context, st *proto.RunState) error {
		time.Sleep(5 * time.Millisecond)
		st.Output = "routed"
		return nil
	})

	require.NoError(t, stage(context.Background(), state))

	assert.Equal(t, "router", state.Telemetry.LastStage)
	assert.Greater(t, state.Telemetry.LatencyS, 0.0)
	assert.Greater(t, state.Telemetry.Tokens, 0)
	assert.InDelta(t, float64(state.Telemetry.Tokens)/1000.0*CostPerKiloTokens,
		state.Telemetry.CostEstimateUSD, 1e-9)
}

func TestWrapNeverDecreasesRunningTotals(t *testing.T) {
	m := New()
	state := proto.NewRunState("build the widget service", proto.RunContext{})

	grow := m.Wrap("grow", func(ctx context.Context, st *proto.RunState) error {
		st.Output = strings.Repeat("phase summary line with detail\n", 50)
		return nil
	})
	shrink := m.Wrap("shrink", func(ctx context.Context, st *proto.RunState) error {
		st.Output = ""
		return nil
	})

	require.NoError(t, grow(context.Background(), state))
	afterGrow := state.Telemetry
	assert.Greater(t, afterGrow.Tokens, 0)

	require.NoError(t, shrink(context.Background(), state))
	assert.GreaterOrEqual(t, state.Telemetry.Tokens, afterGrow.Tokens)
	assert.GreaterOrEqual(t, state.Telemetry.CostEstimateUSD, afterGrow.CostEstimateUSD)
}

func TestWrapAccumulatesLatencyAcrossStages(t *testing.T) {
	m := New()
	state := proto.NewRunState("hello", proto.RunContext{})

	noop := func(ctx context.Context, st *proto.RunState) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	require.NoError(t, m.Wrap("first", noop)(context.Background(), state))
	first := state.Telemetry.LatencyS
	require.NoError(t, m.Wrap("second", noop)(context.Background(), state))

	assert.Greater(t, state.Telemetry.LatencyS, first)
	assert.Equal(t, "second", state.Telemetry.LastStage)
}

func TestWrapRecordsSampleOnFailure(t *testing.T) {
	sink := NewSink(filepath.Join(t.TempDir(), "metrics.jsonl"))
	m := New(WithSink(sink))
	state := proto.NewRunState("hello", proto.RunContext{})

	stageErr := errors.New("stage exploded")
	err := m.Wrap("executor", func(ctx context.Context, st *proto.RunState) error {
		return stageErr
	})(context.Background(), state)

	require.ErrorIs(t, err, stageErr)
	samples := sink.Samples()
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Success)
	assert.Equal(t, "executor", samples[0].Stage)
}

func TestSinkFlushWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "metrics.jsonl")
	sink := NewSink(path)
	sink.Record(Sample{RunID: "r1", Stage: "router", Tokens: 10, At: time.Now().UTC()})
	sink.Record(Sample{RunID: "r1", Stage: "executor", Tokens: 20, At: time.Now().UTC()})

	require.NoError(t, sink.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"stage":"router"`)
	assert.Empty(t, sink.Samples())
}

func TestRecorderRegistersWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)
	rec.ObserveStage(Sample{Stage: "router", Tokens: 5, LatencyS: 0.1, Success: true})

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "conductor_stages_total")
	assert.Contains(t, names, "conductor_stage_duration_seconds")
}
