package ledger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/internal/ledger"
	"github.com/mirakim/forgeplan/pkg/action"
)

func TestStartAndLoadRunRoundTrips(t *testing.T) {
	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)

	runID := ledger.NewRunID()
	require.NoError(t, store.StartRun(ledger.Run{RunID: runID, Mode: ledger.ModeBuild, Status: ledger.StatusRunning}))

	run, err := store.LoadRun(runID)
	require.NoError(t, err)
	assert.Equal(t, runID, run.RunID)
	assert.Equal(t, ledger.ModeBuild, run.Mode)
	assert.Equal(t, ledger.StatusRunning, run.Status)
	assert.False(t, run.StartTime.IsZero())
}

func TestFinishRunUpdatesStatus(t *testing.T) {
	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)

	runID := ledger.NewRunID()
	require.NoError(t, store.StartRun(ledger.Run{RunID: runID, Mode: ledger.ModeReplay}))
	require.NoError(t, store.FinishRun(runID, ledger.StatusSuccess))

	run, err := store.LoadRun(runID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, run.Status)
}

func TestClassifyErrorMapsEachKind(t *testing.T) {
	key := action.NewKey(action.Compile, action.Component{Path: []string{"widgets", "core"}})

	cases := []struct {
		name string
		err  error
		want ledger.FailureClass
	}{
		{"cycle", &build.CycleError{Summary: "a -> b -> a"}, ledger.FailureClassCycle},
		{"fork_unsafe", &build.ForkUnsafeError{Reason: "windows"}, ledger.FailureClassForkUnsafe},
		{"worker_crash", &build.WorkerCrashedError{Key: key, ExitStatus: 1, Reason: "signal"}, ledger.FailureClassWorkerCrash},
		{"action_failed", &build.ActionFailedError{Key: key, Description: "compile widgets/core", Cause: errors.New("boom")}, ledger.FailureClassAction},
		{"oracle", &build.OracleError{Key: key, Cause: errors.New("timeout")}, ledger.FailureClassOracle},
		{"io", &build.IoError{Path: "/tmp/x", Cause: errors.New("disk full")}, ledger.FailureClassIO},
		{"unknown", errors.New("mystery"), ledger.FailureClassUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := ledger.ClassifyError(tc.err)
			assert.Equal(t, tc.want, f.Class)
			assert.NotEmpty(t, f.ErrorMessage)
		})
	}
}

func TestRecordAndLoadFailure(t *testing.T) {
	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)

	runID := ledger.NewRunID()
	require.NoError(t, store.StartRun(ledger.Run{RunID: runID, Mode: ledger.ModeBuild}))
	require.NoError(t, store.RecordFailure(runID, &build.CycleError{Summary: "x -> y -> x"}))

	f, err := store.LoadFailure(runID)
	require.NoError(t, err)
	assert.Equal(t, ledger.FailureClassCycle, f.Class)
}

func TestNewStoreRejectsEmptyBaseDir(t *testing.T) {
	_, err := ledger.NewStore("")
	assert.Error(t, err)
}
