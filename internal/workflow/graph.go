// Package workflow runs deliverable extraction as a small state graph whose
// stages can be inspected and composed with other steps.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"deliverline/internal/deliverable"
	"deliverline/internal/logging"
)

// End marks the terminal edge target.
const End = "__end__"

var (
	ErrInvalidGraph = errors.New("invalid workflow graph")
	ErrNodeFailed   = errors.New("workflow node failed")
)

// GraphError describes a graph definition problem.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string { return ErrInvalidGraph.Error() + ": " + e.Msg }
func (e *GraphError) Unwrap() error { return ErrInvalidGraph }

func invalidf(format string, args ...any) error {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// NodeError wraps the failure of a named node. The cause keeps its kind.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string   { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }
func (e *NodeError) Unwrap() []error { return []error{ErrNodeFailed, e.Err} }

// State is the set of slots shared by the nodes of one run.
type State struct {
	Text    string               `json:"text"`
	Raw     []deliverable.Raw    `json:"raw_deliverables"`
	Records []deliverable.Record `json:"processed_tasks"`
}

// Node reads the state and returns the updated state.
type Node func(ctx context.Context, s State) (State, error)

// Step is reported after every node.
type Step struct {
	Node  string
	State State
}

// Graph is a mutable definition; Compile freezes it into a Runnable.
type Graph struct {
	nodes map[string]Node
	order []string
	edges map[string]string
	entry string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: map[string]Node{}, edges: map[string]string{}}
}

// AddNode registers fn under name.
func (g *Graph) AddNode(name string, fn Node) *Graph {
	if _, ok := g.nodes[name]; !ok {
		g.order = append(g.order, name)
	}
	g.nodes[name] = fn
	return g
}

// SetEntry sets the first node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// AddEdge routes from -> to. Each node has at most one outgoing edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// Compile validates the graph: the entry exists, edges reference known
// nodes, every path reaches End and there are no cycles.
func (g *Graph) Compile() (*Runnable, error) {
	if g.entry == "" {
		return nil, invalidf("entry point not set")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, invalidf("entry %q is not a node", g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, invalidf("edge from unknown node %q", from)
		}
		if _, ok := g.nodes[to]; !ok && to != End {
			return nil, invalidf("edge %q -> unknown node %q", from, to)
		}
	}
	var path []string
	seen := map[string]bool{}
	for cur := g.entry; cur != End; {
		if seen[cur] {
			return nil, invalidf("cycle at %q", cur)
		}
		seen[cur] = true
		path = append(path, cur)
		next, ok := g.edges[cur]
		if !ok {
			return nil, invalidf("node %q has no outgoing edge", cur)
		}
		cur = next
	}
	for _, name := range g.order {
		if !seen[name] {
			return nil, invalidf("node %q is unreachable", name)
		}
	}
	nodes := make(map[string]Node, len(path))
	for _, n := range path {
		nodes[n] = g.nodes[n]
	}
	return &Runnable{path: path, nodes: nodes}, nil
}

// Runnable is a compiled, immutable graph. It is safe for concurrent use.
type Runnable struct {
	path   []string
	nodes  map[string]Node
	OnStep func(Step)
	Logger *log.Logger
}

// Path returns the node names in execution order.
func (r *Runnable) Path() []string {
	return append([]string(nil), r.path...)
}

// Invoke runs every node from the entry to End.
func (r *Runnable) Invoke(ctx context.Context, in State) (State, error) {
	logger := logging.Or(r.Logger, "workflow")
	state := in
	for _, name := range r.path {
		if err := ctx.Err(); err != nil {
			return state, &NodeError{Node: name, Err: deliverable.Unavailable(err, "workflow interrupted")}
		}
		logger.Debug("node start", "node", name)
		next, err := r.nodes[name](ctx, state)
		if err != nil {
			logger.Debug("node failed", "node", name, "err", err)
			return state, &NodeError{Node: name, Err: err}
		}
		state = next
		if r.OnStep != nil {
			r.OnStep(Step{Node: name, State: state})
		}
	}
	return state, nil
}
