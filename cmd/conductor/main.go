package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/pkg/config"
	"conductor/pkg/contextstore"
	"conductor/pkg/executor"
	"conductor/pkg/logx"
	"conductor/pkg/memory"
	"conductor/pkg/monitor"
	"conductor/pkg/persistence"
	"conductor/pkg/pipeline"
	"conductor/pkg/proto"
	"conductor/pkg/retry"
	"conductor/pkg/router"
	"conductor/pkg/tools"
	"conductor/pkg/workflow"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		scenarioPath = flag.String("scenario", "", "Path to scenario YAML file (required)")
		configPath   = flag.String("config", "", "Path to workflow config YAML (default: built-in)")
		dbPath       = flag.String("db", "data/conductor.db", "Path to the audit database")
		metricsOut   = flag.String("metrics-out", "data/metrics/samples.jsonl", "Path for per-stage telemetry samples")
		workspaceDir = flag.String("workspace", "", "Base directory for repository checkouts")
		planOnly     = flag.Bool("plan-only", false, "Stop after plan approval, skip execution")
		dryRun       = flag.Bool("dry-run", false, "Log tool dispatches without spawning processes")
		resume       = flag.Bool("resume", false, "Skip phases already completed in a previous run")
		forceRerun   = flag.Bool("force-rerun", false, "Re-dispatch completed phases even when resuming")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: conductor -scenario demo/feature_request.yaml [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	os.Exit(run(*scenarioPath, *configPath, *dbPath, *metricsOut, *workspaceDir,
		*planOnly, *dryRun, *resume, *forceRerun))
}

// run contains the main application logic and returns an exit code so
// defers execute before os.Exit.
func run(scenarioPath, configPath, dbPath, metricsOut, workspaceDir string,
	planOnly, dryRun, resume, forceRerun bool) int {
	logger := logx.NewLogger("conductor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scenario load failed: %v\n", err)
		return 1
	}

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config load failed: %v\n", err)
			return 1
		}
	}

	db, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Database open failed: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	audit := persistence.NewAuditStore(db)

	memCfg := memory.Config{}
	memCfg.ApplyDefaults()
	mem := memory.New(memCfg, nil)
	defer mem.Close()

	cstore := contextstore.NewStore("")

	primary := buildTool("coder", "CODING_TOOL", logger)
	execOpts := []executor.Option{
		executor.WithMemory(mem),
		executor.WithWorkspace(executor.NewWorkspace(workspaceDir)),
		executor.WithCallRecorder(audit),
	}
	if advisor := optionalTool("advisor", "DEBUG_ADVISOR"); advisor != nil {
		execOpts = append(execOpts, executor.WithAdvisor(advisor))
	}
	if reviewer := optionalTool("reviewer", "REVIEW_TOOL"); reviewer != nil {
		execOpts = append(execOpts, executor.WithReviewer(reviewer))
	}
	exec := executor.New(cfg, primary, execOpts...)
	machine := workflow.New(cfg, primary, exec)

	sink := monitor.NewSink(metricsOut)
	mon := monitor.New(
		monitor.WithRecorder(monitor.NewRecorder(prometheus.DefaultRegisterer)),
		monitor.WithSink(sink),
	)

	p := pipeline.New(
		pipeline.Standard(router.New(cfg), mem, cstore, machine),
		pipeline.WithMonitor(mon),
		pipeline.WithRetry(retry.NewPolicy("stage", retry.DefaultConfig)),
		pipeline.WithAudit(audit),
	)

	state := proto.NewRunState(scenario.Request, scenario.RunContext(planOnly, dryRun, resume, forceRerun))
	runErr := p.Run(ctx, state)

	if err := sink.Flush(); err != nil {
		logger.Warn("telemetry flush failed: %v", err)
	}

	if state.Output != "" {
		fmt.Println(state.Output)
	}
	logger.Info("run %s finished: route=%s latency=%.2fs tokens=%d cost=$%.4f",
		state.RunIdentity(), state.Route, state.Telemetry.LatencyS,
		state.Telemetry.Tokens, state.Telemetry.CostEstimateUSD)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return 1
	}
	return 0
}

// buildTool returns the CLI tool configured under envPrefix, or a
// scripted stand-in when none is configured so plan-only and demo runs
// work out of the box.
func buildTool(name, envPrefix string, logger *logx.Logger) tools.CodingTool {
	if cfg, ok := tools.ConfigFromEnv(envPrefix); ok {
		return tools.NewCLITool(name, cfg)
	}
	logger.Warn("%s_CMD not set; dispatching %s to a scripted stand-in", envPrefix, name)
	return &tools.ScriptedTool{ToolName: name}
}

// optionalTool returns a CLI tool only when its environment prefix is
// configured.
func optionalTool(name, envPrefix string) tools.CodingTool {
	if cfg, ok := tools.ConfigFromEnv(envPrefix); ok {
		return tools.NewCLITool(name, cfg)
	}
	return nil
}
