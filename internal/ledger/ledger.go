// Package ledger provides durable, atomic-write storage for run and
// failure records : post-mortem tooling only, never
// consulted by the scheduler to decide what to run.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirakim/forgeplan/internal/build"
)

// Mode mirrors the invocation mode that produced a run: a fresh plan build
// or a breadcrumb replay.
type Mode string

const (
	ModeBuild Mode = "build"
	ModeReplay Mode = "replay"
)

// Status is the terminal status of one invocation.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed Status = "failed"
)

// Run is the persistent metadata for one invocation.
type Run struct {
	RunID string `json:"run_id"`
	Mode Mode `json:"mode"`
	StartTime time.Time `json:"start_time"`
	Status Status `json:"status"`
}

// FailureClass classifies a terminal error into a small fixed taxonomy.
type FailureClass string

const (
	FailureClassCycle FailureClass = "cycle"
	FailureClassForkUnsafe FailureClass = "fork_unsafe"
	FailureClassWorkerCrash FailureClass = "worker_crash"
	FailureClassAction FailureClass = "action_failed"
	FailureClassOracle FailureClass = "oracle"
	FailureClassIO FailureClass = "io"
	FailureClassUnknown FailureClass = "unknown"
)

// Failure is the recorded reason a run terminated fatally.
type Failure struct {
	Class FailureClass `json:"class"`
	ActionKey string `json:"action_key,omitempty"`
	ErrorMessage string `json:"error_message"`
}

// ClassifyError maps one of the six build error kinds onto a FailureClass.
func ClassifyError(err error) Failure {
	var cycleErr *build.CycleError
	var forkErr *build.ForkUnsafeError
	var crashErr *build.WorkerCrashedError
	var actionErr *build.ActionFailedError
	var oracleErr *build.OracleError
	var ioErr *build.IoError

	switch {
	case errors.As(err, &cycleErr):
		return Failure{Class: FailureClassCycle, ErrorMessage: err.Error()}
	case errors.As(err, &forkErr):
		return Failure{Class: FailureClassForkUnsafe, ErrorMessage: err.Error()}
	case errors.As(err, &crashErr):
		return Failure{Class: FailureClassWorkerCrash, ActionKey: crashErr.Key.String(), ErrorMessage: err.Error()}
	case errors.As(err, &actionErr):
		return Failure{Class: FailureClassAction, ActionKey: actionErr.Key.String(), ErrorMessage: err.Error()}
	case errors.As(err, &oracleErr):
		return Failure{Class: FailureClassOracle, ActionKey: oracleErr.Key.String(), ErrorMessage: err.Error()}
	case errors.As(err, &ioErr):
		return Failure{Class: FailureClassIO, ErrorMessage: err.Error()}
	default:
		return Failure{Class: FailureClassUnknown, ErrorMessage: err.Error()}
	}
}

// Store persists run/failure records under <workdir>/.forgeplan/runs/<run-id>/.
type Store struct {
	baseDir string
}

// NewStore returns a Store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, ".forgeplan", "runs", runID)
}

// StartRun persists the initial run record.
func (s *Store) StartRun(run Run) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}
	return s.writeJSON(filepath.Join(s.runDir(run.RunID), "run.json"), run)
}

// FinishRun updates the run record's terminal status.
func (s *Store) FinishRun(runID string, status Status) error {
	run, err := s.LoadRun(runID)
	if err != nil {
		return err
	}
	run.Status = status
	return s.writeJSON(filepath.Join(s.runDir(runID), "run.json"), run)
}

// LoadRun reads back a run record.
func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.readJSON(filepath.Join(s.runDir(runID), "run.json"), &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// RecordFailure persists the classified failure for a run.
func (s *Store) RecordFailure(runID string, err error) error {
	if err == nil {
		return errors.New("nil error")
	}
	f := ClassifyError(err)
	return s.writeJSON(filepath.Join(s.runDir(runID), "failure.json"), f)
}

// LoadFailure reads back a recorded failure, if any.
func (s *Store) LoadFailure(runID string) (Failure, error) {
	var f Failure
	if err := s.readJSON(filepath.Join(s.runDir(runID), "failure.json"), &f); err != nil {
		return Failure{}, err
	}
	return f, nil
}

func (s *Store) writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	return writeFileAtomic(path, b, 0o644)
}

func (s *Store) readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// writeFileAtomic writes via a temp file, fsync, and rename so a crash
// mid-write never leaves a partially-written record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
