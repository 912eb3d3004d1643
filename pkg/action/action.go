// Package action defines the canonical identity of a build action: a pair
// of an operation kind and a component, addressed by its canonical path.
//
// These structures are derived directly from the plan's data model: no
// implied fields (timestamps, pointers) that would make two actions with
// the same (operation, component) compare unequal.
package action

import "strings"

// Kind is a tag naming the operation performed against a component.
type Kind string

const (
	// Compile brings a component's compiled artifact up to date. Compile
	// is background-safe and does not need to run in the live image.
	Compile Kind = "compile"
	// Load brings a component's effects into the live coordinator image.
	// Load must run in the coordinator; it is never background-safe.
	Load Kind = "load"
)

// Capabilities answers the two questions the scheduler needs about an
// operation kind: whether it must run in the coordinator for its effects
// to persist, and whether it is safe to run in a forked worker at all.
type Capabilities struct {
	NeededInImage     bool
	CanRunInBackground bool
}

// DefaultCapabilities returns the capability table for the two built-in
// operation kinds. A dependency oracle may define additional kinds; callers
// that only know about Compile/Load can use this as a fallback table.
func DefaultCapabilities(k Kind) Capabilities {
	switch k {
	case Compile:
		return Capabilities{NeededInImage: false, CanRunInBackground: true}
	case Load:
		return Capabilities{NeededInImage: true, CanRunInBackground: false}
	default:
		return Capabilities{NeededInImage: true, CanRunInBackground: false}
	}
}

// Component identifies a buildable unit by its canonical path: a sequence
// of names from the root of the build system. Equality is by Path alone;
// Meta is opaque payload for the performer collaborator.
type Component struct {
	Path []string
	Meta any
}

// CanonicalPath joins the component's path segments into a single string
// key. The external collaborator defines path normalization; this function
// requires only that equal components produce equal strings.
func (c Component) CanonicalPath() string {
	return strings.Join(c.Path, "/")
}

// Key is the comparable, hashable identity of an action: (operation kind,
// component path). Two Key values are equal iff they denote the same
// action; Key is safe to use directly as a Go map key.
type Key struct {
	Op           Kind
	ComponentKey string
}

// NewKey builds the canonical key for (op, component).
func NewKey(op Kind, component Component) Key {
	return Key{Op: op, ComponentKey: component.CanonicalPath()}
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return string(k.Op) + "(" + k.ComponentKey + ")"
}

// Reified is the (kind-tag, path) pair used for log and breadcrumb
// emission, and as the wire shape read back by FromReified.
type Reified struct {
	KindTag string
	Path    []string
}

// Reify converts a Key back into the (kind-tag, path-components) pair used
// by breadcrumb records and diagnostic printing.
func Reify(key Key) Reified {
	var path []string
	if key.ComponentKey != "" {
		path = strings.Split(key.ComponentKey, "/")
	}
	return Reified{KindTag: string(key.Op), Path: path}
}

// FromReified is the inverse of Reify, used by the breadcrumb replay
// driver to reconstruct an action key from a recorded line.
func FromReified(kindTag string, path []string) Key {
	return Key{Op: Kind(kindTag), ComponentKey: strings.Join(path, "/")}
}

// Status is the runtime lifecycle state of an action within a plan.
type Status int

const (
	Pending Status = iota
	Ready
	Running
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is everything the plan tracks about one action.
type Record struct {
	Key          Key
	Component    Component
	Status       Status
	ResultFile   string
	BackgroundOK bool
}
