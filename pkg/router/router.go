// Package router selects the capability handling one user turn. Scoring
// is heuristic (keyword/regex signals plus context flags) and bounded by
// the run's latency and cost budgets; the router never invokes a model.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// defaultThresholds gate route selection; a route below its threshold is
// never chosen over the rag fallback.
var defaultThresholds = map[proto.Route]float64{
	proto.RouteGraphRAG:       0.45,
	proto.RouteSkills:         0.40,
	proto.RouteHandoff:        0.35,
	proto.RouteSwarm:          0.50,
	proto.RouteLangChainAgent: 0.50,
	proto.RouteWorkflow:       0.50,
}

const fallbackThreshold = 0.30

var (
	graphPattern       = regexp.MustCompile(`(?i)\bgraph\b|\brelationship\b|\bnetwork\b`)
	graphWordPattern   = regexp.MustCompile(`(?i)\bgraph\b`)
	relationPattern    = regexp.MustCompile(`(?i)\brelationship\b`)
	skillsPattern      = regexp.MustCompile(`(?i)\b(write|outline|draft|summarize)\b`)
	swarmPattern       = regexp.MustCompile(`(?i)\b(plan|coordinate|multi-step)\b`)
	agenticPattern     = regexp.MustCompile(`(?i)\bautonomous\b|\bagentic\b|\bworkflow\b`)
	workflowPattern    = regexp.MustCompile(`(?i)\b(feature request|workflow plan|tech lead)\b`)
	comparativePattern = regexp.MustCompile(`(?i)\b(compare|analyze|relationship)\b`)
)

// Router chooses between retrieval, graph reasoning, swarm, and the
// staged workflow under budget and policy constraints.
type Router struct {
	cfg        *config.Config
	thresholds map[proto.Route]float64
	logger     *logx.Logger
}

// New builds a router from the workflow configuration.
func New(cfg *config.Config) *Router {
	thresholds := make(map[proto.Route]float64, len(defaultThresholds))
	for route, value := range defaultThresholds {
		thresholds[route] = value
	}
	for name, value := range cfg.Router.Thresholds {
		thresholds[proto.Route(name)] = value
	}
	return &Router{
		cfg:        cfg,
		thresholds: thresholds,
		logger:     logx.NewLogger("router"),
	}
}

// Run is the stage adapter: decides, then records the decision into the
// run state (route history plus the full score vector for observability).
func (r *Router) Run(state *proto.RunState) {
	decision := r.Decide(state)
	state.Route = decision.Route
	state.RouteHistory = append(state.RouteHistory, decision.Route)
	state.RouterReason = decision.Reason
	state.RouterScores = decision.Scores
	r.logger.Info("Selected route=%s (%s)", decision.Route, decision.Reason)
}

// Decide computes a score per candidate route and picks the best one
// that clears its threshold and is not disabled. Pure except for logging.
func (r *Router) Decide(state *proto.RunState) proto.RouteDecision {
	ctx := &state.Context
	scores := make(map[proto.Route]float64)
	disabled := make(map[proto.Route]bool)
	for _, route := range ctx.DisableRoutes {
		disabled[route] = true
	}

	policyName, preset := r.cfg.Preset(ctx.ModelPolicy)
	for _, route := range preset.DisableRoutes {
		disabled[proto.Route(route)] = true
	}

	forced := ctx.ForceRoute
	if forced == "" && preset.ForceRoute != "" {
		forced = proto.Route(preset.ForceRoute)
	}
	if forced != "" && !disabled[forced] {
		return proto.RouteDecision{Route: forced, Reason: "forced_by_context", Scores: scores}
	}

	latencyBudget := ctx.LatencyBudgetS
	costBudget := ctx.CostBudgetUSD
	elapsed := state.Telemetry.LatencyS
	spent := state.Telemetry.CostEstimateUSD
	if latencyBudget > 0 && elapsed >= latencyBudget {
		disabled[proto.RouteGraphRAG] = true
		disabled[proto.RouteSwarm] = true
		disabled[proto.RouteHybrid] = true
	}
	if costBudget > 0 && spent >= costBudget {
		disabled[proto.RouteSwarm] = true
		disabled[proto.RouteLangChainAgent] = true
		disabled[proto.RouteHybrid] = true
	}

	message := state.LastUserMessage()
	scores[proto.RouteGraphRAG] = r.scoreGraph(message, ctx, latencyBudget, elapsed)
	scores[proto.RouteSkills] = scoreSkills(message, ctx)
	scores[proto.RouteHandoff] = scoreHandoff(message, ctx)
	scores[proto.RouteSwarm] = r.scoreSwarm(message, ctx, latencyBudget, costBudget, elapsed, spent)
	scores[proto.RouteLangChainAgent] = scoreAgent(message, ctx, costBudget, spent)
	scores[proto.RouteWorkflow] = scoreWorkflow(message, ctx)

	if r.shouldUseHybrid(message, ctx, scores, disabled) {
		scores[proto.RouteHybrid] = 1.0
		return proto.RouteDecision{Route: proto.RouteHybrid, Reason: "graph+rag_combo", Scores: scores}
	}

	preferred := proto.Route(preset.PreferredRoute)
	if preferred != "" {
		scores[preferred] = clamp(scores[preferred] + preset.Boost)
	}

	for _, route := range rankedRoutes(scores) {
		if disabled[route] {
			continue
		}
		score := scores[route]
		if score < r.threshold(route) {
			continue
		}
		reason := scoreReason(score)
		if route == preferred {
			reason = reason + ";policy=" + policyName
		}
		if route == proto.RouteWorkflow {
			reason = "workflow_request"
		}
		return proto.RouteDecision{Route: route, Reason: reason, Scores: scores}
	}
	return proto.RouteDecision{Route: proto.RouteRAG, Reason: "default_fallback", Scores: scores}
}

func (r *Router) threshold(route proto.Route) float64 {
	if t, ok := r.thresholds[route]; ok {
		return t
	}
	return fallbackThreshold
}

// rankedRoutes orders routes by descending score, breaking ties by name
// so decisions are deterministic.
func rankedRoutes(scores map[proto.Route]float64) []proto.Route {
	routes := make([]proto.Route, 0, len(scores))
	for route := range scores {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		if scores[routes[i]] != scores[routes[j]] {
			return scores[routes[i]] > scores[routes[j]]
		}
		return routes[i] < routes[j]
	})
	return routes
}

func scoreReason(score float64) string {
	return fmt.Sprintf("score=%.2f", score)
}

func (r *Router) scoreGraph(message string, ctx *proto.RunContext, latencyBudget, elapsed float64) float64 {
	score := 0.0
	if ctx.RequiresGraph {
		score += 0.6
	}
	if graphPattern.MatchString(message) {
		score += 0.3
	}
	if graphWordPattern.MatchString(message) && relationPattern.MatchString(message) {
		score += 0.2
	}
	if wordCount(message) > 40 {
		score += 0.1
	}
	if latencyBudget > 0 && latencyBudget < r.cfg.Router.GraphMinLatency {
		score *= 0.5
	}
	if latencyBudget > 0 && elapsed > 0 {
		ratio := elapsed / latencyBudget
		if ratio >= 1.0 {
			return 0.0
		}
		if ratio >= 0.6 {
			score *= 0.4
		}
	}
	return clamp(score)
}

func scoreSkills(message string, ctx *proto.RunContext) float64 {
	score := 0.0
	if skillsPattern.MatchString(message) {
		score += 0.3
	}
	if ctx.Mode == "skills" {
		score += 0.5
	}
	return clamp(score)
}

func scoreHandoff(message string, ctx *proto.RunContext) float64 {
	if ctx.Persona != "" && ctx.Persona != "researcher" && ctx.Mode == "handoff" {
		return 0.6
	}
	if strings.Contains(strings.ToLower(message), "handoff") {
		return 0.4
	}
	return 0.0
}

func (r *Router) scoreSwarm(message string, ctx *proto.RunContext, latencyBudget, costBudget, elapsed, spent float64) float64 {
	score := 0.0
	if strings.EqualFold(ctx.TaskComplexity, r.cfg.Router.SwarmComplexityKeyword) {
		score += 0.5
	}
	if swarmPattern.MatchString(message) {
		score += 0.3
	}
	if wordCount(message) > 80 {
		score += 0.1
	}
	if latencyBudget > 0 && latencyBudget < 10 {
		score *= 0.7
	}
	if latencyBudget > 0 && elapsed > latencyBudget*0.7 {
		score *= 0.5
	}
	if costBudget > 0 && (costBudget < 0.25 || spent > costBudget*0.8) {
		score *= 0.6
	}
	return clamp(score)
}

func scoreAgent(message string, ctx *proto.RunContext, costBudget, spent float64) float64 {
	score := 0.0
	if ctx.Mode == "agentic" {
		score += 0.7
	}
	if agenticPattern.MatchString(message) {
		score += 0.3
	}
	if costBudget > 0 && spent > costBudget*0.9 {
		score *= 0.4
	}
	return clamp(score)
}

func scoreWorkflow(message string, ctx *proto.RunContext) float64 {
	if ctx.Mode == "architect" {
		return 1.0
	}
	score := 0.0
	if ctx.WorkflowIntent {
		score += 0.6
	}
	if workflowPattern.MatchString(message) {
		score += 0.4
	}
	if strings.Contains(strings.ToLower(ctx.Persona), "architect") {
		score += 0.2
	}
	return clamp(score)
}

func (r *Router) shouldUseHybrid(message string, ctx *proto.RunContext, scores map[proto.Route]float64, disabled map[proto.Route]bool) bool {
	if disabled[proto.RouteHybrid] || !ctx.HybridAllowed() {
		return false
	}
	if ctx.Mode == "hybrid" {
		return true
	}
	if scores[proto.RouteGraphRAG] < r.threshold(proto.RouteGraphRAG) {
		return false
	}
	return wordCount(message) > 60 && comparativePattern.MatchString(message)
}

func wordCount(message string) int {
	return len(strings.Fields(message))
}

func clamp(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}
