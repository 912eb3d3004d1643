// Package build declares the external collaborators the executor core
// consumes: the dependency oracle that supplies a plan's shape, and the
// performer that does the real work of an action. Both are out of scope
// for this repository's core; only their contracts live here.
package build

import (
	"context"

	"github.com/mirakim/forgeplan/pkg/action"
)

// DependencyOracle answers the three questions the plan builder (C3) needs
// about an action: its prerequisites, whether it must run in the live
// image, and whether it has already run. Implementations may cache; the
// core treats Prerequisites as pure.
type DependencyOracle interface {
	Prerequisites(ctx context.Context, op action.Kind, component action.Component) ([]action.Key, error)
	NeededInImage(op action.Kind, component action.Component) bool
	AlreadyDone(op action.Kind, component action.Component) bool
}

// Performer does the real work of an action: compiling, loading, or
// whatever a given operation kind means to the collaborator that defined
// it. PerformWithRestarts is the coordinator-only variant that may present
// user-facing restart options on failure; the core never calls it from a
// forked worker.
type Performer interface {
	Perform(ctx context.Context, op action.Kind, component action.Component) error
	PerformWithRestarts(ctx context.Context, op action.Kind, component action.Component) error
	MarkOperationDone(op action.Kind, component action.Component) error
	OperationDescription(op action.Kind, component action.Component) string
}
