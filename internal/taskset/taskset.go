// Package taskset is the reference dependency oracle and performer: a
// small file-backed build system described by a plan file, used to
// drive `forgeplan build` end to end. It is adapted from the prior
// declarative task model (name, inputs, a shell command, declared
// environment) with prerequisites-by-name added so a plan file can
// express the dependency shape the scheduler needs.
package taskset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/pkg/action"
)

// Task is one declarative unit of work in a plan file.
type Task struct {
	// Name is the task's identity; it is also the component path
	// segment used to build its action.Key.
	Name string `json:"name"`

	// Prerequisites names other tasks that must complete first.
	Prerequisites []string `json:"prerequisites,omitempty"`

	// Run is the shell command executed for this task. Empty for a
	// Load-kind task that only needs MarkOperationDone bookkeeping.
	Run string `json:"run,omitempty"`

	// Op is "compile" or "load"; defaults to "compile".
	Op string `json:"op,omitempty"`

	// Env is the allowlisted set of environment variables visible to Run;
	// like the prior Executor, the command otherwise runs with an
	// empty environment.
	Env map[string]string `json:"env,omitempty"`
}

type planFile struct {
	Tasks []Task `json:"tasks"`
}

// LoadPlanFile reads and strictly parses a plan file: unknown fields and
// trailing data are rejected, the same discipline the prior graph
// loader applies to its JSON input.
func LoadPlanFile(path string) ([]Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var pf planFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse plan file: trailing data")
		}
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if len(pf.Tasks) == 0 {
		return nil, fmt.Errorf("parse plan file: no tasks")
	}
	return pf.Tasks, nil
}

// Set is a loaded plan file plus the persisted build-state store that
// backs AlreadyDone/MarkOperationDone. It implements both
// build.DependencyOracle and build.Performer.
type Set struct {
	workDir string
	byName map[string]Task
	statePath string

	mu sync.Mutex
	done map[string]time.Time
}

// NewSet loads tasks and the persisted done-state from workDir's state
// file, if any.
func NewSet(workDir string, tasks []Task) (*Set, error) {
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task with empty name")
		}
		byName[t.Name] = t
	}
	s := &Set{
		workDir: workDir,
		byName: byName,
		statePath: filepath.Join(workDir, ".forgeplan", "state.json"),
		done: make(map[string]time.Time),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// RootComponent returns the component for a named task, for use as the
// plan builder's root request.
func (s *Set) RootComponent(name string) action.Component {
	return action.Component{Path: []string{name}}
}

func (s *Set) taskFor(component action.Component) (Task, error) {
	if len(component.Path) != 1 {
		return Task{}, fmt.Errorf("unexpected component path %v", component.Path)
	}
	t, ok := s.byName[component.Path[0]]
	if !ok {
		return Task{}, fmt.Errorf("unknown task %q", component.Path[0])
	}
	return t, nil
}

func opForName(byName map[string]Task, name string) action.Kind {
	if t, ok := byName[name]; ok && t.Op == string(action.Load) {
		return action.Load
	}
	return action.Compile
}

// Prerequisites implements build.DependencyOracle.
func (s *Set) Prerequisites(ctx context.Context, op action.Kind, component action.Component) ([]action.Key, error) {
	t, err := s.taskFor(component)
	if err != nil {
		return nil, err
	}
	keys := make([]action.Key, 0, len(t.Prerequisites))
	for _, name := range t.Prerequisites {
		if _, ok := s.byName[name]; !ok {
			return nil, fmt.Errorf("task %q: unknown prerequisite %q", t.Name, name)
		}
		preOp := opForName(s.byName, name)
		keys = append(keys, action.NewKey(preOp, action.Component{Path: []string{name}}))
	}
	return keys, nil
}

// NeededInImage implements build.DependencyOracle.
func (s *Set) NeededInImage(op action.Kind, component action.Component) bool {
	return action.DefaultCapabilities(op).NeededInImage
}

// AlreadyDone implements build.DependencyOracle.
func (s *Set) AlreadyDone(op action.Kind, component action.Component) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[action.NewKey(op, component).String()]
	return ok
}

// Perform implements build.Performer: it runs the task's shell command
// with an allowlisted environment, mirroring the prior Executor.
func (s *Set) Perform(ctx context.Context, op action.Kind, component action.Component) error {
	t, err := s.taskFor(component)
	if err != nil {
		return err
	}
	if t.Run == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", t.Run)
	cmd.Dir = s.workDir
	cmd.Env = allowlistedEnv(t.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task %q: %w: %s", t.Name, err, stderr.String())
	}
	return nil
}

// PerformWithRestarts is the coordinator-only retry path. This reference
// performer has no interactive restart UI to offer (that belongs to a
// richer external collaborator), so it simply re-runs Perform once more
// with full in-process context.
func (s *Set) PerformWithRestarts(ctx context.Context, op action.Kind, component action.Component) error {
	return s.Perform(ctx, op, component)
}

// MarkOperationDone implements build.Performer, persisting the done-state
// store atomically.
func (s *Set) MarkOperationDone(op action.Kind, component action.Component) error {
	s.mu.Lock()
	s.done[action.NewKey(op, component).String()] = time.Now().UTC()
	snapshot := make(map[string]time.Time, len(s.done))
	for k, v := range s.done {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return s.saveState(snapshot)
}

// OperationDescription implements build.Performer.
func (s *Set) OperationDescription(op action.Kind, component action.Component) string {
	return fmt.Sprintf("%s %s", op, component.CanonicalPath())
}

var _ build.DependencyOracle = (*Set)(nil)
var _ build.Performer = (*Set)(nil)

func allowlistedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type stateRecord struct {
	Done map[string]time.Time `json:"done"`
}

func (s *Set) loadState() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read build state: %w", err)
	}
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse build state: %w", err)
	}
	s.done = rec.Done
	if s.done == nil {
		s.done = make(map[string]time.Time)
	}
	return nil
}

func (s *Set) saveState(done map[string]time.Time) error {
	data, err := json.MarshalIndent(stateRecord{Done: done}, "", " ")
	if err != nil {
		return fmt.Errorf("marshal build state: %w", err)
	}
	dir := filepath.Dir(s.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir build state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "state.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp build state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.statePath)
}
