package taskset_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirakim/forgeplan/internal/taskset"
	"github.com/mirakim/forgeplan/pkg/action"
)

const samplePlan = `{
  "tasks": [
    {"name": "base", "run": "true"},
    {"name": "lib", "prerequisites": ["base"], "run": "true"},
    {"name": "app", "prerequisites": ["lib"], "op": "load", "run": "true"}
  ]
}`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlanFileParsesTasks(t *testing.T) {
	path := writePlan(t, samplePlan)
	tasks, err := taskset.LoadPlanFile(path)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestLoadPlanFileRejectsUnknownFields(t *testing.T) {
	path := writePlan(t, `{"tasks": [{"name": "x", "bogus": true}]}`)
	_, err := taskset.LoadPlanFile(path)
	assert.Error(t, err)
}

func TestLoadPlanFileRejectsTrailingData(t *testing.T) {
	path := writePlan(t, samplePlan+`{"tasks": []}`)
	_, err := taskset.LoadPlanFile(path)
	assert.Error(t, err)
}

func TestLoadPlanFileRejectsEmptyTaskList(t *testing.T) {
	path := writePlan(t, `{"tasks": []}`)
	_, err := taskset.LoadPlanFile(path)
	assert.Error(t, err)
}

func TestSetPrerequisitesResolvesNamedTasks(t *testing.T) {
	path := writePlan(t, samplePlan)
	tasks, err := taskset.LoadPlanFile(path)
	require.NoError(t, err)

	workDir := t.TempDir()
	s, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)

	prereqs, err := s.Prerequisites(context.Background(), action.Load, s.RootComponent("app"))
	require.NoError(t, err)
	require.Len(t, prereqs, 1)
	assert.Equal(t, action.NewKey(action.Compile, action.Component{Path: []string{"lib"}}), prereqs[0])
}

func TestSetPerformRunsCommand(t *testing.T) {
	workDir := t.TempDir()
	marker := filepath.Join(workDir, "marker")
	tasks := []taskset.Task{{Name: "touch", Run: "touch " + marker}}
	s, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)

	err = s.Perform(context.Background(), action.Compile, s.RootComponent("touch"))
	require.NoError(t, err)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr)
}

func TestSetPerformPropagatesCommandFailure(t *testing.T) {
	workDir := t.TempDir()
	tasks := []taskset.Task{{Name: "bad", Run: "exit 3"}}
	s, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)

	err = s.Perform(context.Background(), action.Compile, s.RootComponent("bad"))
	assert.Error(t, err)
}

func TestMarkOperationDoneIsObservedByAlreadyDone(t *testing.T) {
	workDir := t.TempDir()
	tasks := []taskset.Task{{Name: "x", Run: "true"}}
	s, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)

	comp := s.RootComponent("x")
	assert.False(t, s.AlreadyDone(action.Compile, comp))
	require.NoError(t, s.MarkOperationDone(action.Compile, comp))
	assert.True(t, s.AlreadyDone(action.Compile, comp))
}

func TestMarkOperationDonePersistsAcrossSetInstances(t *testing.T) {
	workDir := t.TempDir()
	tasks := []taskset.Task{{Name: "x", Run: "true"}}
	s1, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)
	require.NoError(t, s1.MarkOperationDone(action.Compile, s1.RootComponent("x")))

	s2, err := taskset.NewSet(workDir, tasks)
	require.NoError(t, err)
	assert.True(t, s2.AlreadyDone(action.Compile, s2.RootComponent("x")))
}
