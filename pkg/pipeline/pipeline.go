// Package pipeline composes a run: route selection, memory recall,
// then the workflow phase machine, with telemetry wrapped around every
// stage and a terminal audit record regardless of outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/contextstore"
	"conductor/pkg/logx"
	"conductor/pkg/memory"
	"conductor/pkg/monitor"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/retry"
	"conductor/pkg/router"
	"conductor/pkg/workflow"
)

// Stage is one named step of a run. Retryable stages are re-attempted
// under the pipeline's retry policy before counting as failed.
type Stage struct {
	Name      string
	Retryable bool
	Fn        func(ctx context.Context, state *proto.RunState) error
}

// Pipeline threads a RunState through its stages sequentially. A stage
// error stops the run; the terminal audit record is written either way.
type Pipeline struct {
	stages  []Stage
	monitor *monitor.Monitor
	retry   *retry.Policy
	audit   *persistence.AuditStore
	logger  *logx.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMonitor wraps every stage with telemetry collection.
func WithMonitor(m *monitor.Monitor) Option { return func(p *Pipeline) { p.monitor = m } }

// WithRetry re-attempts retryable stages under the given policy.
func WithRetry(policy *retry.Policy) Option { return func(p *Pipeline) { p.retry = policy } }

// WithAudit persists terminal run records and checkpoints.
func WithAudit(store *persistence.AuditStore) Option { return func(p *Pipeline) { p.audit = store } }

// New builds a pipeline over the given stages.
func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: stages,
		logger: logx.NewLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the stages in order. The first stage error aborts the
// run and is returned after the audit record is written.
func (p *Pipeline) Run(ctx context.Context, state *proto.RunState) error {
	startedAt := time.Now()
	var runErr error

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("run canceled before stage %s: %w", stage.Name, err)
			break
		}
		if err := p.runStage(ctx, stage, state); err != nil {
			p.logger.Error("stage %s failed: %v", stage.Name, err)
			runErr = fmt.Errorf("stage %s: %w", stage.Name, err)
			break
		}
		p.logger.Debug("stage %s complete", stage.Name)
	}

	p.recordRun(state, startedAt, runErr)
	return runErr
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, state *proto.RunState) error {
	fn := stage.Fn
	if stage.Retryable && p.retry != nil {
		inner := fn
		fn = func(ctx context.Context, state *proto.RunState) error {
			return p.retry.Do(ctx, func(ctx context.Context) error {
				return inner(ctx, state)
			})
		}
	}
	if p.monitor != nil {
		fn = p.monitor.Wrap(stage.Name, fn)
	}
	return fn(ctx, state)
}

func (p *Pipeline) recordRun(state *proto.RunState, startedAt time.Time, runErr error) {
	if p.audit == nil {
		return
	}
	record := persistence.RunRecordFromState(state, startedAt, runErr)
	if err := p.audit.SaveRun(record); err != nil {
		p.logger.Warn("audit record not saved: %v", err)
		return
	}
	if err := p.audit.SaveCheckpoints(record.RunID, state.Checkpoints); err != nil {
		p.logger.Warn("audit checkpoints not saved: %v", err)
	}
	if state.Route != "" {
		decision := proto.RouteDecision{
			Route:  state.Route,
			Reason: state.RouterReason,
			Scores: state.RouterScores,
		}
		if err := p.audit.RecordRouteDecision(record.RunID, decision); err != nil {
			p.logger.Warn("audit route decision not saved: %v", err)
		}
	}
}

// Standard assembles the default stage order: router, memory recall,
// shared-context load, workflow, evidence gate plus context save. A nil
// memory store or context store skips the corresponding stages.
func Standard(r *router.Router, mem *memory.Store, cstore *contextstore.Store, machine *workflow.Machine) []Stage {
	stages := []Stage{
		{Name: "router", Fn: func(_ context.Context, state *proto.RunState) error {
			r.Run(state)
			return nil
		}},
	}
	if mem != nil {
		stages = append(stages, Stage{Name: "memory", Fn: memoryStage(mem)})
	}
	if cstore != nil {
		stages = append(stages, Stage{Name: "context", Fn: contextLoadStage(cstore)})
	}
	// The machine only runs when the router picked the workflow
	// capability; other routes pass through with a note instead. Machine
	// errors are deterministic, so the stage is never retried.
	stages = append(stages, Stage{Name: "workflow",
		Fn: func(ctx context.Context, state *proto.RunState) error {
			if state.Route != proto.RouteWorkflow {
				state.Output = fmt.Sprintf("route %s selected; planning workflow not engaged for this request", state.Route)
				return nil
			}
			return machine.Run(ctx, state)
		}})
	if cstore != nil {
		stages = append(stages, Stage{Name: "evidence_gate", Fn: contextSaveStage(cstore)})
	}
	return stages
}

func contextMode(state *proto.RunState) string {
	if state.Context.PlanOnly || state.Context.Mode == contextstore.ModePlanning {
		return contextstore.ModePlanning
	}
	return contextstore.ModeImplementation
}

// contextLoadStage surfaces the workstream's shared context bundle into
// working memory before planning starts. A summary whose repo checkpoint
// no longer matches the working tree is marked stale first.
func contextLoadStage(cstore *contextstore.Store) func(ctx context.Context, state *proto.RunState) error {
	return func(_ context.Context, state *proto.RunState) error {
		mode := contextMode(state)
		key := contextstore.ResolveKey(state.Context.RepoPath, state.Context.TargetBranch, state.Context.WorkstreamID)
		entry, err := cstore.Ensure(mode, key, state.Context.FeatureRequest)
		if err != nil {
			return fmt.Errorf("load shared context: %w", err)
		}
		repoState := contextstore.ComputeRepoState(key.Repo, "")
		if repoState.Stale(entry.Checkpoint) {
			entry.WorkingSummary.Stale = true
		}
		if state.WorkingMemory == nil {
			state.WorkingMemory = make(map[string]any)
		}
		if bundle := contextstore.BuildBundle(mode, entry, repoState, contextstore.BundleInput{
			FilePointers: entry.FilePointers,
		}); bundle != "" {
			state.WorkingMemory["shared_context"] = bundle
		}
		return nil
	}
}

// contextSaveStage gates the run's output on the evidence ledger, then
// records the outcome and fresh repo checkpoint back to the store.
func contextSaveStage(cstore *contextstore.Store) func(ctx context.Context, state *proto.RunState) error {
	return func(_ context.Context, state *proto.RunState) error {
		if err := contextstore.CheckEvidence(state.Output, state.Context.EvidenceLedger); err != nil {
			return err
		}
		mode := contextMode(state)
		key := contextstore.ResolveKey(state.Context.RepoPath, state.Context.TargetBranch, state.Context.WorkstreamID)
		save := func() error {
			entry, err := cstore.Ensure(mode, key, state.Context.FeatureRequest)
			if err != nil {
				return err
			}
			entry.Checkpoint = contextstore.ComputeRepoState(key.Repo, "").CheckpointMap()
			entry.EvidenceLedger = state.Context.EvidenceLedger
			entry.LastRun = contextstore.LastRun{Status: "success"}
			entry.WorkingSummary = contextstore.WorkingSummary{
				Text:      state.Output,
				UpdatedAt: contextstore.NowISO(),
			}
			return cstore.Save(mode, entry)
		}
		err := save()
		if errors.Is(err, contextstore.ErrVersionConflict) {
			err = save()
		}
		if err != nil {
			return fmt.Errorf("save shared context: %w", err)
		}
		return nil
	}
}

// memoryStage prunes expired records, surfaces relevant memories into
// working memory, and records the incoming request for future recall.
func memoryStage(mem *memory.Store) func(ctx context.Context, state *proto.RunState) error {
	return func(ctx context.Context, state *proto.RunState) error {
		if err := mem.Prune(); err != nil {
			return fmt.Errorf("prune memories: %w", err)
		}
		request := state.LastUserMessage()
		results, err := mem.Search(ctx, request, 0, 0)
		if err != nil {
			return fmt.Errorf("search memories: %w", err)
		}
		if len(results) > 0 {
			recalled := make([]string, 0, len(results))
			for _, result := range results {
				recalled = append(recalled, result.Record.Text)
			}
			if state.WorkingMemory == nil {
				state.WorkingMemory = make(map[string]any)
			}
			state.WorkingMemory["memory_recall"] = strings.Join(recalled, "\n")
		}
		mem.Write(memory.Record{
			Text:     request,
			Category: "task_state",
			Source:   "pipeline",
			Metadata: map[string]string{"run_id": state.RunIdentity()},
		})
		return nil
	}
}
