// Package cli wires forgeplan's Cobra commands to the executor core. All
// paths are canonicalized before any engine logic runs, the same
// deterministic-boundary discipline the prior invocation parser
// applies.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mirakim/forgeplan/internal/breadcrumb"
	"github.com/mirakim/forgeplan/internal/config"
	"github.com/mirakim/forgeplan/internal/graph"
	"github.com/mirakim/forgeplan/internal/ledger"
	"github.com/mirakim/forgeplan/internal/logging"
	"github.com/mirakim/forgeplan/internal/metrics"
	"github.com/mirakim/forgeplan/internal/plan"
	"github.com/mirakim/forgeplan/internal/scheduler"
	"github.com/mirakim/forgeplan/internal/taskset"
	"github.com/mirakim/forgeplan/internal/worker"
	"github.com/mirakim/forgeplan/pkg/action"
)

// Semantic exit codes, reinterpreted from the prior CLIInvocation
// enumeration for this domain.
const (
	ExitSuccess = 0
	ExitGraphFailure = 1 // plan construction or execution failed (e.g. a propagated ActionFailed)
	ExitInvalidInvocation = 2
	ExitConfigError = 3
	ExitInternalError = 4
)

// InvocationError carries the exit code a CLI-level failure should
// produce, mirroring the prior InvocationError.
type InvocationError struct {
	ExitCode int
	Message string
}

func (e *InvocationError) Error() string { return e.Message }

func invalidInvocationf(format string, args...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// NewRootCommand builds the `forgeplan` command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use: "forgeplan",
		Short: "forgeplan executes a parallel build plan",
		SilenceUsage: true,
	}
	root.AddCommand(newBuildCommand())
	root.AddCommand(newReplayCommand())
	root.AddCommand(newWorkerExecCommand())
	return root
}

// Run is a high-level entrypoint suitable for black-box tests: it parses
// args against a fresh command tree and returns the semantic exit code
// alongside any error.
func Run(ctx context.Context, args []string) (int, error) {
	root := NewRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return ExitCodeFor(err), err
}

func newBuildCommand() *cobra.Command {
	var workDir, planPath, configPath, rootTask string

	cmd := &cobra.Command{
		Use: "build",
		Short: "Build a plan file's root task and everything it depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), workDir, planPath, configPath, rootTask, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "Absolute working directory (required)")
	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the plan file (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a forgeplan YAML config (optional)")
	cmd.Flags().StringVar(&rootTask, "root", "", "Root task name to build (required)")
	return cmd
}

func newReplayCommand() *cobra.Command {
	var workDir, planPath, configPath, breadcrumbsPath string

	cmd := &cobra.Command{
		Use: "replay",
		Short: "Replay a recorded breadcrumb file, bypassing plan construction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), workDir, planPath, configPath, breadcrumbsPath)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "Absolute working directory (required)")
	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the plan file (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a forgeplan YAML config (optional)")
	cmd.Flags().StringVar(&breadcrumbsPath, "breadcrumbs", "", "Path to the breadcrumb file to replay (required)")
	return cmd
}

func newWorkerExecCommand() *cobra.Command {
	var op, component, resultFile, workDir, planPath string

	cmd := &cobra.Command{
		Use: worker.WorkerExecSubcommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerExec(cmd.Context(), workDir, planPath, op, component, resultFile)
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "")
	cmd.Flags().StringVar(&component, "component", "", "")
	cmd.Flags().StringVar(&resultFile, "result-file", "", "")
	cmd.Flags().StringVar(&workDir, "workdir", "", "")
	cmd.Flags().StringVar(&planPath, "plan", "", "")
	return cmd
}

func canonicalizeWorkDir(workDir string) (string, error) {
	if workDir == "" {
		return "", invalidInvocationf("--workdir is required")
	}
	clean := filepath.Clean(workDir)
	if !filepath.IsAbs(clean) {
		return "", invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	return clean, nil
}

func loadTaskSet(workDir, planPath string) (*taskset.Set, error) {
	if planPath == "" {
		return nil, invalidInvocationf("--plan is required")
	}
	tasks, err := taskset.LoadPlanFile(planPath)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	set, err := taskset.NewSet(workDir, tasks)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	return set, nil
}

func loadConfig(configPath string) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configErrorf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, configErrorf("%v", err)
	}
	return cfg, nil
}

func runBuild(ctx context.Context, workDir, planPath, configPath, rootTask string, out io.Writer) error {
	workDir, err := canonicalizeWorkDir(workDir)
	if err != nil {
		return err
	}
	if rootTask == "" {
		return invalidInvocationf("--root is required")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	set, err := loadTaskSet(workDir, planPath)
	if err != nil {
		return err
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.NewCollector()
		go func() { _ = metrics.ServeAddr(ctx, cfg.MetricsAddr, collector) }()
	}

	worker.SetPreforkAllocationReserveRatio(cfg.PreforkAllocationReserveRatio)
	outputDir := filepath.Join(workDir, ".forgeplan", "results")
	pool := worker.NewPool(cfg.MaxForks, outputDir, selfExe, collector)

	store, err := ledger.NewStore(workDir)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	runID := ledger.NewRunID()
	_ = store.StartRun(ledger.Run{RunID: runID, Mode: ledger.ModeBuild})

	recorder, err := breadcrumb.NewRecorder(cfg.BreadcrumbsTo)
	if err != nil {
		return fmt.Errorf("open breadcrumb recorder: %w", err)
	}
	defer recorder.Close()

	builder := plan.NewBuilder(set)
	p, err := builder.Build(ctx, action.Load, set.RootComponent(rootTask))
	if err != nil {
		_ = store.RecordFailure(runID, err)
		_ = store.FinishRun(runID, ledger.StatusFailed)
		return graphFailure(err)
	}

	sched := scheduler.New(set, set, pool, logger, collector, recorder)
	if err := sched.Execute(ctx, p); err != nil {
		_ = store.RecordFailure(runID, err)
		_ = store.FinishRun(runID, ledger.StatusFailed)
		return graphFailure(err)
	}

	_ = store.FinishRun(runID, ledger.StatusSuccess)
	fmt.Fprintf(out, "build complete: %s\n", rootTask)
	return nil
}

func runReplay(ctx context.Context, workDir, planPath, configPath, breadcrumbsPath string) error {
	workDir, err := canonicalizeWorkDir(workDir)
	if err != nil {
		return err
	}
	if breadcrumbsPath == "" {
		return invalidInvocationf("--breadcrumbs is required")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	set, err := loadTaskSet(workDir, planPath)
	if err != nil {
		return err
	}

	keys, err := breadcrumb.Read(breadcrumbsPath)
	if err != nil {
		return configErrorf("%v", err)
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}
	logger := logging.New(cfg.LogLevel)
	worker.SetPreforkAllocationReserveRatio(cfg.PreforkAllocationReserveRatio)
	outputDir := filepath.Join(workDir, ".forgeplan", "results")
	pool := worker.NewPool(cfg.MaxForks, outputDir, selfExe, nil)

	store, err := ledger.NewStore(workDir)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	runID := ledger.NewRunID()
	_ = store.StartRun(ledger.Run{RunID: runID, Mode: ledger.ModeReplay})

	synthetic := synthesizePlan(keys)
	sched := scheduler.New(replayOracle{set}, set, pool, logger, nil, nil)
	if err := sched.Execute(ctx, synthetic); err != nil {
		_ = store.RecordFailure(runID, err)
		_ = store.FinishRun(runID, ledger.StatusFailed)
		return graphFailure(err)
	}
	_ = store.FinishRun(runID, ledger.StatusSuccess)
	return nil
}

// replayOracle reports no action as already done, so replay performs every
// recorded action even when the persisted build state marks it done.
type replayOracle struct{ *taskset.Set }

func (replayOracle) AlreadyDone(action.Kind, action.Component) bool { return false }

func runWorkerExec(ctx context.Context, workDir, planPath, opStr, componentPath, resultFile string) error {
	if opStr == "" || componentPath == "" || resultFile == "" {
		return invalidInvocationf("__worker-exec requires --op, --component, and --result-file")
	}
	workDir, err := canonicalizeWorkDir(workDir)
	if err != nil {
		return err
	}
	set, err := loadTaskSet(workDir, planPath)
	if err != nil {
		return err
	}
	component := action.Component{Path: splitComponentPath(componentPath)}
	worker.RunChild(ctx, action.Kind(opStr), component, resultFile, set)
	return nil // unreachable: RunChild always calls os.Exit
}

func splitComponentPath(canonical string) []string {
	if canonical == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(canonical); i++ {
		if canonical[i] == '/' {
			parts = append(parts, canonical[start:i])
			start = i + 1
		}
	}
	parts = append(parts, canonical[start:])
	return parts
}

func graphFailure(err error) error {
	return &InvocationError{ExitCode: ExitGraphFailure, Message: err.Error()}
}

// ExitCodeFor extracts the semantic exit code a returned error should
// produce, defaulting to ExitInternalError for anything unclassified.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if invErr, ok := err.(*InvocationError); ok {
		return invErr.ExitCode
	}
	return ExitInternalError
}

// synthesizePlan builds a Plan whose discovery order is exactly the
// breadcrumb file's order: replay does not re-derive the dependency
// graph, it replays a known-good recorded sequence. Every entry is
// foreground-only (BackgroundOK left false) so execution is strictly
// sequential and matches the recorded order exactly.
func synthesizePlan(keys []action.Key) *plan.Plan {
	entries := make([]plan.Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, plan.Entry{Key: k, Component: action.Component{Path: action.Reify(k).Path}})
	}
	return &plan.Plan{Actions: entries, Graph: newLinearGraph(keys)}
}

// newLinearGraph builds a dependency graph that forces keys to become
// ready in exactly the given order: key[i] depends on key[i-1].
func newLinearGraph(keys []action.Key) *graph.Graph {
	g := graph.New()
	for i, k := range keys {
		if i == 0 {
			g.RecordEdge(nil, k)
			g.Enqueue(k, true)
			continue
		}
		parent := k
		g.RecordEdge(&parent, keys[i-1])
	}
	return g
}
