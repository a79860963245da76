// Package workflow defines preprocessing graphs of column operators. A
// workflow is fitted once, on training data only, by gathering per
// partition statistics, merging them and finalizing. A fitted workflow
// transforms any partition, and can be saved, loaded, and exported without
// its label columns for serving.
package workflow

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/frame"
)

var (
	// ErrNotFitted is returned when transforming before fitting completed.
	ErrNotFitted = errors.New("workflow is not fitted")
	// ErrAlreadyFitted is returned when fitting a workflow a second time.
	ErrAlreadyFitted = errors.New("workflow is already fitted")
	// ErrCycle is returned for graphs with circular dependencies.
	ErrCycle = errors.New("workflow graph has a cycle")
)

// Workflow is a fitted or unfitted operator graph ending in one output node.
type Workflow struct {
	output *Node
	// nodes in dependency order.
	nodes []*Node
	// fitPhases groups fitter nodes: a fitter's input only depends on
	// fitters of earlier phases.
	fitPhases [][]*Node
	nextPhase int
	// exclude lists output columns removed from the result.
	exclude []string

	inputSchema frame.Schema
}

// New builds a workflow producing the output of node.
func New(output *Node) (*Workflow, error) {
	nodes := collect(output)
	ph, err := phases(nodes)
	if err != nil {
		return nil, err
	}
	w := &Workflow{output: output}
	for _, p := range ph {
		w.nodes = append(w.nodes, p...)
	}

	depth := make(map[*Node]int, len(w.nodes))
	for _, n := range w.nodes {
		d := 0
		for _, p := range n.upstream() {
			pd := depth[p]
			if _, ok := p.op.(Fitter); ok {
				pd++
			}
			d = max(d, pd)
		}
		depth[n] = d
		if _, ok := n.op.(Fitter); ok {
			for len(w.fitPhases) <= d {
				w.fitPhases = append(w.fitPhases, nil)
			}
			w.fitPhases[d] = append(w.fitPhases[d], n)
		}
	}
	return w, nil
}

// NumFitPhases returns the number of distributed passes fitting needs.
func (w *Workflow) NumFitPhases() int { return len(w.fitPhases) }

// Fitted reports whether every fitter has been finalized.
func (w *Workflow) Fitted() bool { return w.nextPhase >= len(w.fitPhases) }

// InputColumns returns the columns the workflow reads from its input, in
// order of first use.
func (w *Workflow) InputColumns() []string {
	var cols []string
	for _, n := range w.nodes {
		if n.isSelection() {
			cols = append(cols, n.selector...)
		}
	}
	return unique(cols)
}

// FitSchema computes every node's output schema for input schema root.
func (w *Workflow) FitSchema(root frame.Schema) error {
	for _, n := range w.nodes {
		switch {
		case n.isSelection():
			var out frame.Schema
			for _, name := range n.selector {
				f, ok := root.Lookup(name)
				if !ok {
					return fmt.Errorf("input column %q not found in %v", name, root.Names())
				}
				out = append(out, f)
			}
			n.outputSchema = out
		case n.op != nil:
			var ins []frame.Schema
			for _, p := range n.upstream() {
				ins = append(ins, p.outputSchema)
			}
			out, err := n.op.OutputSchema(mergeSchemas(ins...))
			if err != nil {
				return fmt.Errorf("computing schema of %s: %w", n.label(), err)
			}
			n.outputSchema = out
		default:
			var ins []frame.Schema
			for _, p := range n.parents {
				ins = append(ins, p.outputSchema)
			}
			n.outputSchema = mergeSchemas(ins...)
		}
	}
	input := make(frame.Schema, 0)
	for _, name := range w.InputColumns() {
		f, _ := root.Lookup(name)
		input = append(input, f)
	}
	w.inputSchema = input
	return nil
}

// InputSchema returns the schema of the workflow's input columns, nil
// before the schema is fitted.
func (w *Workflow) InputSchema() frame.Schema { return w.inputSchema }

// OutputSchema returns the schema Transform produces.
func (w *Workflow) OutputSchema() frame.Schema {
	var out frame.Schema
	for _, f := range w.output.outputSchema {
		if !slices.Contains(w.exclude, f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// CheckInputSchema verifies that a request schema matches the schema the
// workflow was fitted with.
func (w *Workflow) CheckInputSchema(s frame.Schema) error {
	if w.inputSchema == nil {
		return fmt.Errorf("input schema is unknown: %w", ErrNotFitted)
	}
	var selected frame.Schema
	for _, want := range w.inputSchema {
		if f, ok := s.Lookup(want.Name); ok {
			selected = append(selected, f)
		}
	}
	if !slices.Equal(selected, w.inputSchema) {
		return fmt.Errorf(
			"request schema does not match the workflow input schema: request columns %v, workflow input columns %v",
			s.Names(),
			w.inputSchema.Names(),
		)
	}
	return nil
}

func (w *Workflow) ensureSchema(root frame.Schema) error {
	if w.inputSchema != nil {
		return w.CheckInputSchema(root)
	}
	return w.FitSchema(root)
}

// evaluate computes the outputs of the given nodes (which must be in
// dependency order) over f.
func evaluate(nodes []*Node, f *frame.Frame, results map[*Node]*frame.Frame) error {
	for _, n := range nodes {
		if _, done := results[n]; done {
			continue
		}
		var (
			out *frame.Frame
			err error
		)
		switch {
		case n.isSelection():
			out, err = f.Select(n.selector...)
		case n.op != nil:
			var in *frame.Frame
			in, err = upstreamFrame(n.upstream(), results)
			if err == nil {
				out, err = n.op.Transform(in)
			}
		default:
			out, err = upstreamFrame(n.parents, results)
		}
		if err != nil {
			return fmt.Errorf("evaluating %s: %w", n.label(), err)
		}
		if out.NumColumns() > 0 && out.Len() != f.Len() {
			return fmt.Errorf("evaluating %s: produced %d rows from %d", n.label(), out.Len(), f.Len())
		}
		results[n] = out
	}
	return nil
}

func upstreamFrame(nodes []*Node, results map[*Node]*frame.Frame) (*frame.Frame, error) {
	frames := make([]*frame.Frame, len(nodes))
	for i, p := range nodes {
		r, ok := results[p]
		if !ok {
			return nil, fmt.Errorf("upstream %s was not evaluated", p.label())
		}
		frames[i] = r
	}
	return mergeFrames(frames...)
}

// Stats holds the statistics gathered for one fit phase. Stats of the same
// phase from different partitions are combined with MergeStats.
type Stats struct {
	Phase    int
	Rows     int64
	partials map[*Node]Partial
}

// FitPartition gathers the statistics of fit phase phase from one
// partition of the training data.
func (w *Workflow) FitPartition(phase int, f *frame.Frame) (*Stats, error) {
	if w.Fitted() {
		return nil, ErrAlreadyFitted
	}
	if phase != w.nextPhase {
		return nil, fmt.Errorf("fitting phase %d, but phase %d is next", phase, w.nextPhase)
	}
	if err := w.ensureSchema(f.Schema()); err != nil {
		return nil, err
	}
	fitters := w.fitPhases[phase]
	var roots []*Node
	for _, n := range fitters {
		roots = append(roots, n.upstream()...)
	}
	needed := w.ordered(collect(roots...))

	results := make(map[*Node]*frame.Frame, len(needed))
	if err := evaluate(needed, f, results); err != nil {
		return nil, err
	}
	stats := &Stats{Phase: phase, Rows: int64(f.Len()), partials: make(map[*Node]Partial, len(fitters))}
	for _, n := range fitters {
		in, err := upstreamFrame(n.upstream(), results)
		if err != nil {
			return nil, err
		}
		p, err := n.op.(Fitter).Collect(in)
		if err != nil {
			return nil, fmt.Errorf("collecting statistics for %s: %w", n.label(), err)
		}
		stats.partials[n] = p
	}
	return stats, nil
}

// ordered returns subset sorted in the workflow's dependency order.
func (w *Workflow) ordered(subset []*Node) []*Node {
	in := make(map[*Node]bool, len(subset))
	for _, n := range subset {
		in[n] = true
	}
	out := make([]*Node, 0, len(subset))
	for _, n := range w.nodes {
		if in[n] {
			out = append(out, n)
		}
	}
	return out
}

// MergeStats combines statistics of the same phase.
func (w *Workflow) MergeStats(stats ...*Stats) (*Stats, error) {
	if len(stats) == 0 {
		return nil, errors.New("no statistics to merge")
	}
	out := &Stats{Phase: stats[0].Phase, partials: make(map[*Node]Partial)}
	for _, s := range stats {
		if s.Phase != out.Phase {
			return nil, fmt.Errorf("merging statistics of phases %d and %d", out.Phase, s.Phase)
		}
		out.Rows += s.Rows
		for n, p := range s.partials {
			merged, err := n.op.(Fitter).Merge(out.partials[n], p)
			if err != nil {
				return nil, fmt.Errorf("merging statistics for %s: %w", n.label(), err)
			}
			out.partials[n] = merged
		}
	}
	return out, nil
}

// Finalize installs the merged statistics of the next fit phase. After the
// last phase the workflow is fitted.
func (w *Workflow) Finalize(stats *Stats) error {
	if w.Fitted() {
		return ErrAlreadyFitted
	}
	if stats.Phase != w.nextPhase {
		return fmt.Errorf("finalizing phase %d, but phase %d is next", stats.Phase, w.nextPhase)
	}
	for _, n := range w.fitPhases[stats.Phase] {
		if err := n.op.(Fitter).Finalize(stats.partials[n]); err != nil {
			return fmt.Errorf("finalizing %s: %w", n.label(), err)
		}
	}
	w.nextPhase++
	return nil
}

// Fit runs every fit phase over the given training partitions in this
// process.
func (w *Workflow) Fit(parts ...*frame.Frame) error {
	if w.Fitted() {
		return ErrAlreadyFitted
	}
	if len(parts) == 0 {
		return errors.New("fitting requires at least one partition")
	}
	for phase := w.nextPhase; phase < w.NumFitPhases(); phase++ {
		all := make([]*Stats, len(parts))
		for i, p := range parts {
			s, err := w.FitPartition(phase, p)
			if err != nil {
				return err
			}
			all[i] = s
		}
		merged, err := w.MergeStats(all...)
		if err != nil {
			return err
		}
		if err := w.Finalize(merged); err != nil {
			return err
		}
	}
	return nil
}

// Transform applies the fitted workflow to one partition.
func (w *Workflow) Transform(f *frame.Frame) (*frame.Frame, error) {
	if !w.Fitted() {
		return nil, ErrNotFitted
	}
	if err := w.ensureSchema(f.Schema()); err != nil {
		return nil, err
	}
	results := make(map[*Node]*frame.Frame, len(w.nodes))
	if err := evaluate(w.nodes, f, results); err != nil {
		return nil, err
	}
	return results[w.output].Drop(w.exclude...), nil
}

// Embedding is the shape of the embedding table of a categorical column.
type Embedding struct {
	Cardinality int `json:"cardinality"`
	Dim         int `json:"dim"`
}

// EmbeddingSize applies the size heuristic min(max(16, round(1.6 *
// card^0.56)), 512).
func EmbeddingSize(cardinality int) Embedding {
	dim := int(math.Round(1.6 * math.Pow(float64(cardinality), 0.56)))
	return Embedding{Cardinality: cardinality, Dim: min(max(16, dim), 512)}
}

// EmbeddingSizes returns the embedding shape of every categorified output
// column. Cardinalities include the unknown code.
func (w *Workflow) EmbeddingSizes() (map[string]Embedding, error) {
	if !w.Fitted() {
		return nil, ErrNotFitted
	}
	out := make(map[string]Embedding)
	for _, n := range w.nodes {
		c, ok := n.op.(*Categorify)
		if !ok {
			continue
		}
		for name, cats := range c.categories {
			if slices.Contains(w.exclude, name) {
				continue
			}
			out[name] = EmbeddingSize(cats.Cardinality())
		}
	}
	return out, nil
}

// WithoutColumns returns a workflow sharing this one's fitted operators
// whose output omits the given columns. Branches of the output that only
// produce omitted columns are pruned, so they drop out of the input
// columns too.
func (w *Workflow) WithoutColumns(columns ...string) (*Workflow, error) {
	output := w.output
	if output.op == nil && !output.isSelection() {
		var kept []*Node
		for _, p := range output.parents {
			if p.outputSchema == nil {
				return nil, fmt.Errorf("pruning %s: schema not fitted", p.label())
			}
			all := true
			for _, f := range p.outputSchema {
				if !slices.Contains(columns, f.Name) {
					all = false
					break
				}
			}
			if !all {
				kept = append(kept, p)
			}
		}
		output = Concat(kept...)
		var ins []frame.Schema
		for _, p := range kept {
			ins = append(ins, p.outputSchema)
		}
		output.outputSchema = mergeSchemas(ins...)
	}
	pruned, err := New(output)
	if err != nil {
		return nil, err
	}
	if w.Fitted() {
		pruned.nextPhase = len(pruned.fitPhases)
	}
	pruned.exclude = unique(append(slices.Clone(w.exclude), columns...))
	if w.inputSchema != nil {
		for _, name := range pruned.InputColumns() {
			f, _ := w.inputSchema.Lookup(name)
			pruned.inputSchema = append(pruned.inputSchema, f)
		}
	}
	return pruned, nil
}
