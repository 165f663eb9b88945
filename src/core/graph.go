// Representation of the command graph.
// Actions form a DAG, discovered top-down from a target's declared Deps and
// walked bottom-up (producers before consumers) by the scheduler.

package core

import (
	"fmt"
	"sync"

	"github.com/pyr-sh/dag"
)

// A Graph holds every known Action and the dependency edges between them.
// Edges run from a dependent to each of its dependencies, i.e. DownEdges(a)
// are the actions a depends on and UpEdges(a) are the actions depending on a.
type Graph struct {
	g       dag.AcyclicGraph
	actions map[string]*Action
	mutex   sync.Mutex
}

// NewGraph returns a new, empty Graph.
func NewGraph() *Graph {
	return &Graph{actions: map[string]*Action{}}
}

// AddAction adds a new action to the graph. Panics if an action with the
// same name has already been added, matching the teacher's "attempted to
// re-add existing target" invariant: action names are assumed unique within
// a single razel.jsonl load.
func (g *Graph) AddAction(a *Action) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, present := g.actions[a.Name]; present {
		panic(fmt.Sprintf("duplicate action name %q", a.Name))
	}
	g.actions[a.Name] = a
	g.g.Add(a.Name)
}

// Action retrieves an action from the graph by name, or nil if it isn't
// known.
func (g *Graph) Action(name string) *Action {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.actions[name]
}

// Len returns the number of actions in the graph.
func (g *Graph) Len() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.actions)
}

// AllActions returns every action in the graph, in no particular order.
func (g *Graph) AllActions() []*Action {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	actions := make([]*Action, 0, len(g.actions))
	for _, a := range g.actions {
		actions = append(actions, a)
	}
	return actions
}

// Connect links every Action's declared Deps as graph edges. Call this once
// all actions have been added, since a Dep may be declared before the
// action it names is added.
func (g *Graph) Connect() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	for _, a := range g.actions {
		for _, dep := range a.Deps {
			if _, present := g.actions[dep]; !present {
				return fmt.Errorf("action %q depends on unknown action %q", a.Name, dep)
			}
			g.g.Connect(dag.BasicEdge(a.Name, dep))
		}
	}
	if err := g.g.Validate(); err != nil {
		return fmt.Errorf("command graph has a cycle: %w", err)
	}
	return nil
}

// Dependencies returns the actions that the named action directly depends
// on.
func (g *Graph) Dependencies(name string) []*Action {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	deps := g.g.DownEdges(name)
	out := make([]*Action, 0, deps.Len())
	for _, v := range deps.List() {
		out = append(out, g.actions[v.(string)])
	}
	return out
}

// Dependents returns the actions that directly depend on the named action -
// its reverse dependencies. The scheduler does not call this; it builds its
// own dependents map from each action's Deps.
func (g *Graph) Dependents(name string) []*Action {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	deps := g.g.UpEdges(name)
	out := make([]*Action, 0, deps.Len())
	for _, v := range deps.List() {
		out = append(out, g.actions[v.(string)])
	}
	return out
}

// Roots returns the actions with no dependents, i.e. the ones that nothing
// else in the graph depends on. These are the targets a run must execute
// (transitively pulling in everything they depend on) absent a filter.
func (g *Graph) Roots() []*Action {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	out := []*Action{}
	for name := range g.actions {
		if g.g.UpEdges(name).Len() == 0 {
			out = append(out, g.actions[name])
		}
	}
	return out
}
