package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return New(config.Default())
}

func newState(prompt string, rc proto.RunContext) *proto.RunState {
	return proto.NewRunState(prompt, rc)
}

func TestForcedRouteOverridesMessageContent(t *testing.T) {
	r := newTestRouter(t)

	prompts := []string{
		"tell me about graph relationships in the network",
		"plan and coordinate a multi-step rollout",
		"anything at all",
	}
	for _, prompt := range prompts {
		state := newState(prompt, proto.RunContext{ForceRoute: proto.RouteSkills})
		decision := r.Decide(state)
		assert.Equal(t, proto.RouteSkills, decision.Route, "prompt: %s", prompt)
		assert.Equal(t, "forced_by_context", decision.Reason)
	}
}

func TestForcedRouteIgnoredWhenDisabled(t *testing.T) {
	r := newTestRouter(t)

	state := newState("hello", proto.RunContext{
		ForceRoute:    proto.RouteSwarm,
		DisableRoutes: []proto.Route{proto.RouteSwarm},
	})
	decision := r.Decide(state)
	assert.NotEqual(t, proto.RouteSwarm, decision.Route)
	assert.NotEqual(t, "forced_by_context", decision.Reason)
}

func TestLatencyBudgetDisablesExpensiveRoutes(t *testing.T) {
	r := newTestRouter(t)

	// A message that would otherwise score graph_rag well above threshold.
	prompt := "show the graph of relationship and network structure " +
		strings.Repeat("node edge cluster dependency ", 12)
	state := newState(prompt, proto.RunContext{
		RequiresGraph:  true,
		LatencyBudgetS: 5,
	})
	state.Telemetry.LatencyS = 6

	decision := r.Decide(state)
	for _, banned := range []proto.Route{proto.RouteGraphRAG, proto.RouteSwarm, proto.RouteHybrid} {
		assert.NotEqual(t, banned, decision.Route)
	}
}

func TestCostBudgetDisablesRoutes(t *testing.T) {
	r := newTestRouter(t)

	state := newState("plan and coordinate a multi-step autonomous workflow", proto.RunContext{
		TaskComplexity: "high",
		Mode:           "agentic",
		CostBudgetUSD:  0.50,
	})
	state.Telemetry.CostEstimateUSD = 0.60

	decision := r.Decide(state)
	for _, banned := range []proto.Route{proto.RouteSwarm, proto.RouteLangChainAgent, proto.RouteHybrid} {
		assert.NotEqual(t, banned, decision.Route)
	}
}

func TestArchitectModeForcesWorkflowScore(t *testing.T) {
	r := newTestRouter(t)

	state := newState("please build the thing", proto.RunContext{Mode: "architect"})
	decision := r.Decide(state)
	require.Equal(t, proto.RouteWorkflow, decision.Route)
	assert.Equal(t, "workflow_request", decision.Reason)
	assert.InDelta(t, 1.0, decision.Scores[proto.RouteWorkflow], 1e-9)
}

func TestHybridSelectedForLongComparativeGraphMessage(t *testing.T) {
	r := newTestRouter(t)

	prompt := "compare the graph relationship structure across both deployments " +
		strings.Repeat("and analyze how each service relationship cluster behaves ", 8)
	state := newState(prompt, proto.RunContext{RequiresGraph: true})

	decision := r.Decide(state)
	require.Equal(t, proto.RouteHybrid, decision.Route)
	assert.Equal(t, "graph+rag_combo", decision.Reason)
}

func TestHybridSuppressedWhenDisallowed(t *testing.T) {
	r := newTestRouter(t)

	allow := false
	prompt := "compare the graph relationship structure across both deployments " +
		strings.Repeat("and analyze how each service relationship cluster behaves ", 8)
	state := newState(prompt, proto.RunContext{RequiresGraph: true, AllowHybrid: &allow})

	decision := r.Decide(state)
	assert.NotEqual(t, proto.RouteHybrid, decision.Route)
}

func TestHybridModeShortCircuits(t *testing.T) {
	r := newTestRouter(t)

	state := newState("anything", proto.RunContext{Mode: "hybrid"})
	decision := r.Decide(state)
	assert.Equal(t, proto.RouteHybrid, decision.Route)
}

func TestDefaultFallbackIsRAG(t *testing.T) {
	r := newTestRouter(t)

	state := newState("hi", proto.RunContext{})
	decision := r.Decide(state)
	assert.Equal(t, proto.RouteRAG, decision.Route)
	assert.Equal(t, "default_fallback", decision.Reason)
}

func TestPolicyPresetBoostsPreferredRoute(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.Presets = map[string]config.PolicyPreset{
		"swarm-heavy": {PreferredRoute: "swarm", Boost: 0.30},
	}
	r := New(cfg)

	// Swarm keywords alone score 0.3, below the 0.5 threshold; the
	// preset boost lifts it over the bar.
	state := newState("plan the rollout", proto.RunContext{ModelPolicy: "swarm-heavy"})
	decision := r.Decide(state)
	require.Equal(t, proto.RouteSwarm, decision.Route)
	assert.Contains(t, decision.Reason, "policy=swarm-heavy")
}

func TestRunRecordsHistoryAndScores(t *testing.T) {
	r := newTestRouter(t)

	state := newState("summarize the release notes", proto.RunContext{})
	r.Run(state)
	require.Len(t, state.RouteHistory, 1)
	assert.Equal(t, state.Route, state.RouteHistory[0])
	assert.NotEmpty(t, state.RouterScores)
	assert.NotEmpty(t, state.RouterReason)
}
