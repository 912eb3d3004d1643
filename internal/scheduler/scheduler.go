// Package scheduler drains a plan's ready queue against a worker pool,
// applying the background/foreground dispatch split and the
// retry-in-coordinator cleanup policy.
package scheduler

import (
	"context"
	"errors"

	"github.com/mirakim/forgeplan/internal/breadcrumb"
	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/internal/graph"
	"github.com/mirakim/forgeplan/internal/logging"
	"github.com/mirakim/forgeplan/internal/metrics"
	"github.com/mirakim/forgeplan/internal/plan"
	"github.com/mirakim/forgeplan/internal/worker"
	"github.com/mirakim/forgeplan/pkg/action"
)

// Scheduler owns the dependency graph, worker pool, and collaborators
// needed to drive one plan to completion.
type Scheduler struct {
	graph *graph.Graph
	pool *worker.Pool
	oracle build.DependencyOracle
	performer build.Performer
	logger *logging.Logger
	collector *metrics.Collector
	recorder *breadcrumb.Recorder

	byKey map[action.Key]plan.Entry
}

// New returns a Scheduler ready to Execute a plan. recorder may be nil,
// in which case no breadcrumb is appended as actions complete.
func New(oracle build.DependencyOracle, performer build.Performer, pool *worker.Pool, logger *logging.Logger, collector *metrics.Collector, recorder *breadcrumb.Recorder) *Scheduler {
	return &Scheduler{
		oracle: oracle,
		performer: performer,
		pool: pool,
		logger: logger,
		collector: collector,
		recorder: recorder,
	}
}

// Execute drains p's ready queue to completion, forking background
// actions and running foreground actions inline, retrying any failure
// once synchronously in the coordinator before propagating. If
// worker.CanFork() is false at the start, it falls back to serial
// execution over p's discovery order instead.
func (s *Scheduler) Execute(ctx context.Context, p *plan.Plan) error {
	s.graph = p.Graph
	s.byKey = make(map[action.Key]plan.Entry, len(p.Actions))
	for _, e := range p.Actions {
		s.byKey[e.Key] = e
	}

	if !worker.CanFork() {
		s.logger.Warn("forking is unsafe, falling back to serial execution")
		return s.executeSerial(ctx, p)
	}

	remaining := len(p.Actions)

	for s.graph.ReadyLen() > 0 || s.pool.Outstanding() > 0 {
		if s.pool.Outstanding() > 0 && (s.pool.AtCapacity() || s.graph.ReadyLen() == 0) {
			result, err := s.pool.Reap(ctx)
			if err != nil {
				return err
			}
			if err := s.cleanup(ctx, result.Key, result.Err, &remaining); err != nil {
				return err
			}
			continue
		}

		key, ok := s.graph.Dequeue()
		if !ok {
			continue
		}
		entry := s.byKey[key]

		if entry.BackgroundOK {
			if err := s.dispatchBackground(ctx, entry, &remaining); err != nil {
				return err
			}
		} else {
			if err := s.dispatchForeground(ctx, entry, &remaining); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Scheduler) dispatchBackground(ctx context.Context, entry plan.Entry, remaining *int) error {
	s.logger.WillDispatch(s.describe(entry), true, false)
	if s.collector != nil {
		s.collector.RecordDispatch(metrics.ModeBackground)
		s.collector.SetReadyQueueDepth(s.graph.ReadyLen())
	}
	if _, err := s.pool.Fork(ctx, entry.Key.Op, entry.Component); err != nil {
		var forkErr *build.ForkUnsafeError
		if errors.As(err, &forkErr) {
			return s.dispatchForeground(ctx, entry, remaining)
		}
		return err
	}
	return nil
}

func (s *Scheduler) dispatchForeground(ctx context.Context, entry plan.Entry, remaining *int) error {
	skip := s.oracle.AlreadyDone(entry.Key.Op, entry.Component)
	s.logger.WillDispatch(s.describe(entry), false, skip)
	if s.collector != nil {
		s.collector.RecordDispatch(metrics.ModeForeground)
		s.collector.SetReadyQueueDepth(s.graph.ReadyLen())
	}

	var actionErr error
	if !skip {
		actionErr = s.performer.Perform(ctx, entry.Key.Op, entry.Component)
	}
	return s.cleanup(ctx, entry.Key, wrapActionErr(entry, actionErr), remaining)
}

func wrapActionErr(entry plan.Entry, err error) error {
	if err == nil {
		return nil
	}
	return &build.ActionFailedError{Key: entry.Key, Description: entry.Key.String(), Cause: err}
}

// cleanup is the policy shared by background and foreground dispatch: on
// failure, retry synchronously in the coordinator once; on success (first
// try or retry), mark the operation done, advance the graph, and enqueue
// newly-ready actions.
func (s *Scheduler) cleanup(ctx context.Context, key action.Key, outcome error, remaining *int) error {
	component := componentFromKey(key)
	if outcome != nil {
		s.logger.Warn("action failed, retrying in foreground", "action", key.String(), "cause", outcome)
		if s.collector != nil {
			s.collector.RecordCompletion(metrics.OutcomeRetried)
		}
		if retryErr := s.performer.PerformWithRestarts(ctx, key.Op, component); retryErr != nil {
			if s.collector != nil {
				s.collector.RecordCompletion(metrics.OutcomeFailed)
			}
			return &build.ActionFailedError{Key: key, Description: s.performer.OperationDescription(key.Op, component), Cause: retryErr}
		}
	}

	if err := s.performer.MarkOperationDone(key.Op, component); err != nil {
		return &build.IoError{Path: component.CanonicalPath(), Cause: err}
	}
	if err := s.recorder.Record(key); err != nil {
		return &build.IoError{Path: component.CanonicalPath(), Cause: err}
	}

	newlyReady, _ := s.graph.MarkDone(key)
	for _, ready := range newlyReady {
		neededInImage := s.oracle.NeededInImage(ready.Op, componentFromKey(ready))
		s.graph.Enqueue(ready, neededInImage)
	}

	*remaining--
	if s.collector != nil {
		s.collector.RecordCompletion(metrics.OutcomeDone)
		s.collector.SetReadyQueueDepth(s.graph.ReadyLen())
	}
	s.logger.Done(*remaining, s.describeKey(key))
	return nil
}

// executeSerial runs every action in discovery order, which is already a
// valid reverse-topological (prerequisites-first) order.
func (s *Scheduler) executeSerial(ctx context.Context, p *plan.Plan) error {
	remaining := len(p.Actions)
	for _, entry := range p.Actions {
		if err := s.dispatchForeground(ctx, entry, &remaining); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) describe(entry plan.Entry) string {
	return s.performer.OperationDescription(entry.Key.Op, entry.Component)
}

func (s *Scheduler) describeKey(key action.Key) string {
	return s.performer.OperationDescription(key.Op, componentFromKey(key))
}

func componentFromKey(key action.Key) action.Component {
	reified := action.Reify(key)
	return action.Component{Path: reified.Path}
}
