package scheduler_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/internal/logging"
	"github.com/mirakim/forgeplan/internal/plan"
	"github.com/mirakim/forgeplan/internal/resultfile"
	"github.com/mirakim/forgeplan/internal/scheduler"
	"github.com/mirakim/forgeplan/internal/worker"
	"github.com/mirakim/forgeplan/pkg/action"
)

const helperProcessEnv = "FORGEPLAN_SCHEDULER_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperProcessEnv) == "1" {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	var resultFile string
	for i, a := range os.Args {
		if a == "--result-file" && i+1 < len(os.Args) {
			resultFile = os.Args[i+1]
		}
	}
	mode := os.Getenv("FORGEPLAN_SCHEDULER_TEST_MODE")
	switch mode {
	case "fail":
		_ = resultfile.Write(resultFile, resultfile.Record{Condition: "background failure"})
	default:
		_ = resultfile.Write(resultFile, resultfile.Record{Result: "ok"})
	}
	os.Exit(0)
}

func comp(path ...string) action.Component { return action.Component{Path: path} }

// fakeOracle is a minimal DependencyOracle keyed by canonical key string.
type fakeOracle struct {
	prereqs     map[string][]action.Key
	neededImage map[string]bool
	alreadyDone map[string]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		prereqs:     make(map[string][]action.Key),
		neededImage: make(map[string]bool),
		alreadyDone: make(map[string]bool),
	}
}

func (f *fakeOracle) Prerequisites(ctx context.Context, op action.Kind, component action.Component) ([]action.Key, error) {
	return f.prereqs[action.NewKey(op, component).String()], nil
}

func (f *fakeOracle) NeededInImage(op action.Kind, component action.Component) bool {
	return f.neededImage[action.NewKey(op, component).String()]
}

func (f *fakeOracle) AlreadyDone(op action.Kind, component action.Component) bool {
	return f.alreadyDone[action.NewKey(op, component).String()]
}

var _ build.DependencyOracle = (*fakeOracle)(nil)

// fakePerformer records calls and lets tests script failures/retries.
type fakePerformer struct {
	mu   sync.Mutex
	log  []string
	fail map[string]error

	retrySucceeds bool
}

func newFakePerformer() *fakePerformer {
	return &fakePerformer{fail: make(map[string]error)}
}

func (f *fakePerformer) Perform(ctx context.Context, op action.Kind, component action.Component) error {
	key := action.NewKey(op, component)
	f.mu.Lock()
	f.log = append(f.log, key.String())
	err := f.fail[key.String()]
	f.mu.Unlock()
	return err
}

func (f *fakePerformer) PerformWithRestarts(ctx context.Context, op action.Kind, component action.Component) error {
	key := action.NewKey(op, component)
	f.mu.Lock()
	f.log = append(f.log, "retry:"+key.String())
	f.mu.Unlock()
	if f.retrySucceeds {
		return nil
	}
	return errors.New("retry also failed")
}

func (f *fakePerformer) MarkOperationDone(op action.Kind, component action.Component) error {
	return nil
}

func (f *fakePerformer) OperationDescription(op action.Kind, component action.Component) string {
	return action.NewKey(op, component).String()
}

func (f *fakePerformer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	copy(out, f.log)
	return out
}

var _ build.Performer = (*fakePerformer)(nil)

func newLogger() *logging.Logger {
	return logging.NewWithWriters(os.Stdout, os.Stderr, "error")
}

func TestSchedulerSerialFallbackRespectsOrder(t *testing.T) {
	unsafe := false
	worker.SetForkSafetyOverrideForTests(&unsafe)
	t.Cleanup(func() { worker.SetForkSafetyOverrideForTests(nil) })

	oracle := newFakeOracle()
	root := action.NewKey(action.Load, comp("app"))
	mid := action.NewKey(action.Compile, comp("lib"))
	leaf := action.NewKey(action.Compile, comp("base"))
	oracle.prereqs[root.String()] = []action.Key{mid}
	oracle.prereqs[mid.String()] = []action.Key{leaf}

	p, err := plan.NewBuilder(oracle).Build(context.Background(), action.Load, comp("app"))
	require.NoError(t, err)

	performer := newFakePerformer()
	pool := worker.NewPool(4, t.TempDir(), "unused", nil)
	s := scheduler.New(oracle, performer, pool, newLogger(), nil, nil)

	require.NoError(t, s.Execute(context.Background(), p))
	assert.Equal(t, []string{leaf.String(), mid.String(), root.String()}, performer.callLog())
}

func newSelfExecPool(t *testing.T, mode string) *worker.Pool {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	t.Setenv(helperProcessEnv, "1")
	t.Setenv("FORGEPLAN_SCHEDULER_TEST_MODE", mode)

	safe := true
	worker.SetForkSafetyOverrideForTests(&safe)
	t.Cleanup(func() { worker.SetForkSafetyOverrideForTests(nil) })

	return worker.NewPool(4, t.TempDir(), exe, nil)
}

func TestSchedulerBackgroundDispatchCompletes(t *testing.T) {
	oracle := newFakeOracle()

	p, err := plan.NewBuilder(oracle).Build(context.Background(), action.Compile, comp("lib"))
	require.NoError(t, err)
	require.True(t, p.Actions[0].BackgroundOK)

	performer := newFakePerformer()
	pool := newSelfExecPool(t, "ok")
	s := scheduler.New(oracle, performer, pool, newLogger(), nil, nil)

	require.NoError(t, s.Execute(context.Background(), p))
	assert.True(t, p.Graph.IsEmpty())
	assert.Equal(t, 0, pool.Outstanding())
}

func TestSchedulerRetriesFailedBackgroundActionInForeground(t *testing.T) {
	oracle := newFakeOracle()
	p, err := plan.NewBuilder(oracle).Build(context.Background(), action.Compile, comp("lib"))
	require.NoError(t, err)

	performer := newFakePerformer()
	performer.retrySucceeds = true
	pool := newSelfExecPool(t, "fail")
	s := scheduler.New(oracle, performer, pool, newLogger(), nil, nil)

	require.NoError(t, s.Execute(context.Background(), p))
	log := performer.callLog()
	require.Len(t, log, 1)
	assert.Contains(t, log[0], "retry:")
}

func TestSchedulerPropagatesWhenRetryAlsoFails(t *testing.T) {
	oracle := newFakeOracle()
	p, err := plan.NewBuilder(oracle).Build(context.Background(), action.Compile, comp("lib"))
	require.NoError(t, err)

	performer := newFakePerformer()
	performer.retrySucceeds = false
	pool := newSelfExecPool(t, "fail")
	s := scheduler.New(oracle, performer, pool, newLogger(), nil, nil)

	err = s.Execute(context.Background(), p)
	require.Error(t, err)
	var actionErr *build.ActionFailedError
	assert.ErrorAs(t, err, &actionErr)
}

func TestSchedulerDiamondCompletesAllActionsOnce(t *testing.T) {
	oracle := newFakeOracle()
	root := action.NewKey(action.Load, comp("app"))
	a := action.NewKey(action.Compile, comp("a"))
	b := action.NewKey(action.Compile, comp("b"))
	base := action.NewKey(action.Compile, comp("base"))
	oracle.prereqs[root.String()] = []action.Key{a, b}
	oracle.prereqs[a.String()] = []action.Key{base}
	oracle.prereqs[b.String()] = []action.Key{base}

	p, err := plan.NewBuilder(oracle).Build(context.Background(), action.Load, comp("app"))
	require.NoError(t, err)

	performer := newFakePerformer()
	pool := newSelfExecPool(t, "ok")
	s := scheduler.New(oracle, performer, pool, newLogger(), nil, nil)

	require.NoError(t, s.Execute(context.Background(), p))
	assert.True(t, p.Graph.IsEmpty())

	log := performer.callLog()
	seen := make(map[string]int)
	for _, l := range log {
		seen[l]++
	}
	assert.Equal(t, 1, seen[root.String()], "load is never background-safe, runs in foreground exactly once")
}
