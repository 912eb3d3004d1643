// Package graph implements the plan's dependency graph (C2): bidirectional
// parent/child maps over action keys, ready-set derivation, and the
// destructive acyclic check run once at plan-construction time.
package graph

import (
	"fmt"
	"sort"

	"github.com/mirakim/forgeplan/pkg/action"
)

// Graph tracks children[parent] -> set(child) and parents[child] ->
// set(parent) for every action not yet Done. It also owns the two-tier
// ready queue: actions enqueued as needed-in-image go to the tail in FIFO
// order, all others cut to the front. The tier is chosen from the
// caller's neededInImage flag alone; whether an action is already done
// does not affect its place in the queue.
//
// Invariants (checked by the test suite, not at runtime, to keep the hot
// path allocation-free):
//  1. child in children[parent] iff parent in parents[child].
//  2. The graph is acyclic once CheckAcyclic has been run.
//  3. A key is ready iff children[key] is empty or absent.
//  4. A key exists in parents/children iff its status is Pending, Ready,
//     or Running; MarkDone erases its entries from both maps.
type Graph struct {
	children map[action.Key]map[action.Key]struct{}
	parents  map[action.Key]map[action.Key]struct{}

	ready []action.Key // FIFO queue of ready, undispatched keys
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		children: make(map[action.Key]map[action.Key]struct{}),
		parents:  make(map[action.Key]map[action.Key]struct{}),
	}
}

// RecordEdge ensures child is registered (with an empty parent-set if new).
// If parent is non-nil, the symmetric edge parent->child is added. Calling
// RecordEdge twice for the same pair is a no-op (idempotent).
func (g *Graph) RecordEdge(parent *action.Key, child action.Key) {
	if _, ok := g.children[child]; !ok {
		g.children[child] = make(map[action.Key]struct{})
	}
	if parent == nil {
		return
	}
	if _, ok := g.children[*parent]; !ok {
		g.children[*parent] = make(map[action.Key]struct{})
	}
	g.children[*parent][child] = struct{}{}

	if _, ok := g.parents[child]; !ok {
		g.parents[child] = make(map[action.Key]struct{})
	}
	g.parents[child][*parent] = struct{}{}
}

// Enqueue pushes a ready key. needed selects the tier: needed-in-image
// actions go to the tail (normal priority); everything else cuts to the
// front (cheap to discharge, frees successors sooner).
func (g *Graph) Enqueue(key action.Key, neededInImage bool) {
	if neededInImage {
		g.ready = append(g.ready, key)
		return
	}
	g.ready = append([]action.Key{key}, g.ready...)
}

// Dequeue pops the next ready key in FIFO-modulo-cut-to-front order.
func (g *Graph) Dequeue() (action.Key, bool) {
	if len(g.ready) == 0 {
		return action.Key{}, false
	}
	next := g.ready[0]
	g.ready = g.ready[1:]
	return next, true
}

// ReadyLen reports how many ready, undispatched keys are queued.
func (g *Graph) ReadyLen() int { return len(g.ready) }

// IsReady reports whether key currently has no remaining children
// (invariant 3).
func (g *Graph) IsReady(key action.Key) bool {
	children, ok := g.children[key]
	return !ok || len(children) == 0
}

// MarkDone removes key's own entries from both maps, and for every parent
// waiting on key removes that edge, reporting any parent whose child-set
// becomes empty as newly ready. Symmetrically, every child key was waiting
// on reports any child whose parent-set becomes empty as orphaned — safe
// to drop or rerun; callers currently treat these informationally.
func (g *Graph) MarkDone(key action.Key) (newlyReady, orphanedChildren []action.Key) {
	for p := range g.parents[key] {
		children := g.children[p]
		delete(children, key)
		if len(children) == 0 {
			delete(g.children, p)
			newlyReady = append(newlyReady, p)
		}
	}
	for c := range g.children[key] {
		parents := g.parents[c]
		delete(parents, key)
		if len(parents) == 0 {
			delete(g.parents, c)
			orphanedChildren = append(orphanedChildren, c)
		}
	}
	delete(g.children, key)
	delete(g.parents, key)

	sortKeys(newlyReady)
	sortKeys(orphanedChildren)
	return newlyReady, orphanedChildren
}

// IsEmpty reports whether both maps are empty.
func (g *Graph) IsEmpty() bool {
	return len(g.children) == 0 && len(g.parents) == 0
}

// CycleError is returned by CheckAcyclic when the graph contains a cycle.
// Summary lists, per action still unresolved at the point the simulation
// stalled, its remaining unresolved children.
type CycleError struct {
	Summary map[action.Key][]action.Key
}

func (e *CycleError) Error() string {
	keys := make([]action.Key, 0, len(e.Summary))
	for k := range e.Summary {
		keys = append(keys, k)
	}
	sortKeys(keys)
	msg := "cycle detected among actions:"
	for _, k := range keys {
		msg += fmt.Sprintf("\n  %s waits on %v", k, e.Summary[k])
	}
	return msg
}

// CheckAcyclic performs a destructive simulation on a *copy* of the graph:
// pop ready, call MarkDone, repeat. If the copy does not drain to empty,
// it returns a CycleError summarizing the stuck actions. This is run
// exactly once, at plan-construction time, on a freshly built clone, so
// the scheduler may assume every MarkDone on the live graph eventually
// drains it.
func (g *Graph) CheckAcyclic() error {
	sim := g.clone()

	var readyNow []action.Key
	for k, children := range sim.children {
		if len(children) == 0 {
			readyNow = append(readyNow, k)
		}
	}
	sortKeys(readyNow)

	drained := make(map[action.Key]struct{})
	for len(readyNow) > 0 {
		k := readyNow[0]
		readyNow = readyNow[1:]
		if _, ok := drained[k]; ok {
			continue
		}
		drained[k] = struct{}{}
		newlyReady, _ := sim.MarkDone(k)
		readyNow = append(readyNow, newlyReady...)
	}

	if sim.IsEmpty() {
		return nil
	}

	summary := make(map[action.Key][]action.Key)
	for k, children := range sim.children {
		remaining := make([]action.Key, 0, len(children))
		for c := range children {
			remaining = append(remaining, c)
		}
		sortKeys(remaining)
		summary[k] = remaining
	}
	return &CycleError{Summary: summary}
}

func (g *Graph) clone() *Graph {
	c := New()
	for k, set := range g.children {
		copySet := make(map[action.Key]struct{}, len(set))
		for m := range set {
			copySet[m] = struct{}{}
		}
		c.children[k] = copySet
	}
	for k, set := range g.parents {
		copySet := make(map[action.Key]struct{}, len(set))
		for m := range set {
			copySet[m] = struct{}{}
		}
		c.parents[k] = copySet
	}
	return c
}

func sortKeys(keys []action.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Op != keys[j].Op {
			return keys[i].Op < keys[j].Op
		}
		return keys[i].ComponentKey < keys[j].ComponentKey
	})
}
