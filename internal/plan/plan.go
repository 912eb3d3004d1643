// Package plan builds an executable plan from a root request by walking
// a dependency oracle depth-first, populating a graph.Graph as it goes.
package plan

import (
	"context"
	"fmt"

	"github.com/mirakim/forgeplan/internal/build"
	"github.com/mirakim/forgeplan/internal/graph"
	"github.com/mirakim/forgeplan/pkg/action"
)

// Entry is one action discovered during plan construction, in the order
// it was first appended (post-order: prerequisites before dependents).
type Entry struct {
	Key action.Key
	Component action.Component
	BackgroundOK bool
	NeededInImage bool
}

// Plan is the result of a successful traversal: every reachable action,
// in discovery order, plus the populated dependency graph ready for the
// scheduler to drain.
type Plan struct {
	Actions []Entry
	Graph *graph.Graph
}

// Builder runs the depth-first traversal over the dependency oracle.
type Builder struct {
	oracle build.DependencyOracle

	visited map[action.Key]bool
	graph *graph.Graph
	actions []Entry
}

// NewBuilder returns a Builder that will query oracle for prerequisites.
func NewBuilder(oracle build.DependencyOracle) *Builder {
	return &Builder{
		oracle: oracle,
		visited: make(map[action.Key]bool),
		graph: graph.New(),
	}
}

// Build walks the dependency graph rooted at (rootOp, rootComponent) and
// returns the resulting Plan. It calls Graph.CheckAcyclic exactly once,
// after the whole traversal completes.
func (b *Builder) Build(ctx context.Context, rootOp action.Kind, rootComponent action.Component) (*Plan, error) {
	root := action.NewKey(rootOp, rootComponent)
	if err := b.visit(ctx, root, rootComponent, nil); err != nil {
		return nil, err
	}
	if err := b.graph.CheckAcyclic(); err != nil {
		return nil, &build.CycleError{Summary: err.Error()}
	}
	return &Plan{Actions: b.actions, Graph: b.graph}, nil
}

// visit implements the five-step algorithm. parent is nil for the root.
func (b *Builder) visit(ctx context.Context, key action.Key, component action.Component, parent *action.Key) error {
	if parent != nil {
		b.graph.RecordEdge(parent, key)
	}

	// Step 1: already visited, nothing more to do. The edge above (if
	// any) still needs recording even on a revisit, which is why this
	// check happens after RecordEdge rather than before.
	if b.visited[key] {
		return nil
	}
	b.visited[key] = true

	prereqs, err := b.oracle.Prerequisites(ctx, key.Op, component)
	if err != nil {
		return &build.OracleError{Key: key, Cause: err}
	}

	for _, pre := range prereqs {
		preComponent := componentFromKey(pre)
		if err := b.visit(ctx, pre, preComponent, &key); err != nil {
			return err
		}
	}

	neededInImage := b.oracle.NeededInImage(key.Op, component)
	caps := action.DefaultCapabilities(key.Op)
	backgroundOK := caps.CanRunInBackground && !neededInImage && !b.oracle.AlreadyDone(key.Op, component)

	b.actions = append(b.actions, Entry{
		Key: key,
		Component: component,
		BackgroundOK: backgroundOK,
		NeededInImage: neededInImage,
	})
	if b.graph.IsReady(key) {
		b.graph.Enqueue(key, neededInImage)
	}
	return nil
}

// componentFromKey recovers a Component from a Key for the purpose of
// recursing into a prerequisite: the oracle's Prerequisites call returns
// keys, but visit needs a Component to query capabilities and to
// recurse further. Keys encode their component path via Reify.
func componentFromKey(key action.Key) action.Component {
	reified := action.Reify(key)
	return action.Component{Path: reified.Path}
}

// Describe renders a human-readable summary of a plan's discovery order,
// useful for debug logging and breadcrumb-replay diffing.
func Describe(p *Plan) string {
	out := ""
	for i, entry := range p.Actions {
		out += fmt.Sprintf("%d: %s (background_ok=%t)\n", i, entry.Key, entry.BackgroundOK)
	}
	return out
}
