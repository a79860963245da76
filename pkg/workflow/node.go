package workflow

import (
	"fmt"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

// Node is a vertex of a workflow graph. A node either selects columns from
// the workflow input, applies an operator to the output of its parent, or
// concatenates the outputs of several parents.
type Node struct {
	selector []string
	op       Op
	parents  []*Node
	// deps are extra upstream nodes whose outputs are visible to op.
	deps []*Node

	outputSchema frame.Schema
}

// Select returns a node producing the named input columns.
func Select(columns ...string) *Node {
	return &Node{selector: slices.Clone(columns)}
}

// Apply returns a node that applies op to the output of n.
func (n *Node) Apply(op Op) *Node {
	return &Node{op: op, parents: []*Node{n}}
}

// Concat returns a node producing the columns of every given node, in
// order. A later column replaces an earlier one with the same name.
func Concat(nodes ...*Node) *Node {
	return &Node{parents: slices.Clone(nodes)}
}

// DependsOn makes the outputs of nodes visible to n's operator in addition
// to its parent's output.
func (n *Node) DependsOn(nodes ...*Node) *Node {
	n.deps = append(n.deps, nodes...)
	return n
}

// Op returns the node's operator, or nil for selection and concat nodes.
func (n *Node) Op() Op { return n.op }

// OutputSchema returns the schema computed for n by the last schema fit.
func (n *Node) OutputSchema() frame.Schema { return n.outputSchema }

func (n *Node) isSelection() bool { return n.op == nil && len(n.parents) == 0 }

func (n *Node) upstream() []*Node {
	return append(slices.Clone(n.parents), n.deps...)
}

func (n *Node) label() string {
	switch {
	case n.op != nil:
		return n.op.Name()
	case n.isSelection():
		return fmt.Sprintf("select%v", n.selector)
	default:
		return "concat"
	}
}

// collect returns every node reachable from roots, parents before
// children where the graph allows it.
func collect(roots ...*Node) []*Node {
	var (
		out   []*Node
		seen  = make(map[*Node]bool)
		visit func(n *Node)
	)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, p := range n.upstream() {
			visit(p)
		}
		out = append(out, n)
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}

// phases groups nodes into dependency-free phases: every node's upstream
// nodes appear in an earlier phase. It fails with ErrCycle when no node can
// be scheduled.
func phases(nodes []*Node) ([][]*Node, error) {
	pending := make(map[*Node]map[*Node]bool, len(nodes))
	for _, n := range nodes {
		deps := make(map[*Node]bool)
		for _, p := range n.upstream() {
			deps[p] = true
		}
		pending[n] = deps
	}
	var out [][]*Node
	for len(pending) > 0 {
		var current []*Node
		for _, n := range nodes {
			if deps, ok := pending[n]; ok && len(deps) == 0 {
				current = append(current, n)
			}
		}
		if len(current) == 0 {
			var stuck []string
			for _, n := range nodes {
				if _, ok := pending[n]; ok {
					stuck = append(stuck, n.label())
				}
			}
			return nil, fmt.Errorf("%w: no dependency-free node among %v", ErrCycle, stuck)
		}
		for _, n := range current {
			delete(pending, n)
		}
		for _, deps := range pending {
			for _, n := range current {
				delete(deps, n)
			}
		}
		out = append(out, current)
	}
	return out, nil
}

// unique drops repeated names, keeping the first occurrence.
func unique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// mergeSchemas concatenates schemas; a later field replaces an earlier one
// with the same name in place.
func mergeSchemas(schemas ...frame.Schema) frame.Schema {
	var out frame.Schema
	pos := make(map[string]int)
	for _, s := range schemas {
		for _, f := range s {
			if i, ok := pos[f.Name]; ok {
				out[i] = f
				continue
			}
			pos[f.Name] = len(out)
			out = append(out, f)
		}
	}
	return out
}

// mergeFrames concatenates the columns of frames with equal row counts.
func mergeFrames(frames ...*frame.Frame) (*frame.Frame, error) {
	out := &frame.Frame{}
	for _, f := range frames {
		for _, name := range f.Names() {
			if err := out.AddColumn(f.Column(name)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
