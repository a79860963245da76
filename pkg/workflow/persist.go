package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/tabflow/movielens-multigpu/pkg/frame"
	"github.com/tabflow/movielens-multigpu/pkg/template"
)

// FileName is the name of the workflow document inside a saved workflow
// directory.
const FileName = "workflow.json"

const formatVersion = 1

type savedNode struct {
	Selector []string        `json:"selector,omitempty"`
	Op       string          `json:"op,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Parents  []int           `json:"parents,omitempty"`
	Deps     []int           `json:"deps,omitempty"`
}

type savedWorkflow struct {
	Version     int          `json:"version"`
	Nodes       []savedNode  `json:"nodes"`
	Output      int          `json:"output"`
	Exclude     []string     `json:"exclude,omitempty"`
	InputSchema frame.Schema `json:"input_schema"`
	Fitted      bool         `json:"fitted"`
}

// Save writes the workflow to dir: the graph and operator parameters as
// workflow.json, and operator statistics (category tables) beside it.
func (w *Workflow) Save(dir string) error {
	if w.inputSchema == nil {
		return fmt.Errorf("saving workflow: schema not fitted")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating workflow directory: %w", err)
	}
	ids := make(map[*Node]int, len(w.nodes))
	for i, n := range w.nodes {
		ids[n] = i
	}
	doc := savedWorkflow{
		Version:     formatVersion,
		Output:      ids[w.output],
		Exclude:     w.exclude,
		InputSchema: w.inputSchema,
		Fitted:      w.Fitted(),
	}
	for _, n := range w.nodes {
		sn := savedNode{Selector: n.selector}
		for _, p := range n.parents {
			sn.Parents = append(sn.Parents, ids[p])
		}
		for _, p := range n.deps {
			sn.Deps = append(sn.Deps, ids[p])
		}
		if n.op != nil {
			if p, ok := n.op.(persister); ok && w.Fitted() {
				if err := p.saveState(dir); err != nil {
					return fmt.Errorf("saving state of %s: %w", n.label(), err)
				}
			}
			params, err := json.Marshal(n.op)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", n.label(), err)
			}
			sn.Op = n.op.Name()
			sn.Params = params
		}
		doc.Nodes = append(doc.Nodes, sn)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), b, 0644); err != nil {
		return fmt.Errorf("writing workflow: %w", err)
	}
	return nil
}

// Load reads a workflow saved with Save.
func Load(dir string) (*Workflow, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	var doc savedWorkflow
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("unsupported workflow version %d", doc.Version)
	}
	if doc.Output < 0 || doc.Output >= len(doc.Nodes) {
		return nil, fmt.Errorf("output node %d out of range", doc.Output)
	}

	nodes := make([]*Node, len(doc.Nodes))
	for i := range nodes {
		nodes[i] = &Node{selector: doc.Nodes[i].Selector}
	}
	ref := func(i int) (*Node, error) {
		if i < 0 || i >= len(nodes) {
			return nil, fmt.Errorf("node reference %d out of range", i)
		}
		return nodes[i], nil
	}
	for i, sn := range doc.Nodes {
		n := nodes[i]
		for _, p := range sn.Parents {
			parent, err := ref(p)
			if err != nil {
				return nil, err
			}
			n.parents = append(n.parents, parent)
		}
		for _, p := range sn.Deps {
			dep, err := ref(p)
			if err != nil {
				return nil, err
			}
			n.deps = append(n.deps, dep)
		}
		if sn.Op == "" {
			continue
		}
		op, err := decodeOp(sn.Op, sn.Params)
		if err != nil {
			return nil, err
		}
		if p, ok := op.(persister); ok && doc.Fitted {
			if err := p.loadState(dir); err != nil {
				return nil, fmt.Errorf("loading state of %s: %w", sn.Op, err)
			}
		}
		n.op = op
	}

	w, err := New(nodes[doc.Output])
	if err != nil {
		return nil, err
	}
	if doc.Fitted {
		for _, phase := range w.fitPhases {
			for _, n := range phase {
				if !n.op.(Fitter).Fitted() {
					return nil, fmt.Errorf("workflow is marked fitted but %s has no statistics", n.label())
				}
			}
		}
		w.nextPhase = len(w.fitPhases)
	}
	if err := w.FitSchema(doc.InputSchema); err != nil {
		return nil, fmt.Errorf("fitting schema of loaded workflow: %w", err)
	}
	w.exclude = doc.Exclude
	return w, nil
}

//go:embed serving.tmpl
var servingTemplate string

// ExportOptions configures Export.
type ExportOptions struct {
	// Name of the exported model; also its directory name.
	Name         string
	Version      int
	MaxBatchSize int
	// Labels are removed from the exported workflow.
	Labels []string
	Cats   []string
	Conts  []string
}

// ServingTensor is one input or output of the serving config.
type ServingTensor struct {
	Name     string
	DataType string
	Dims     string
}

// Manifest summarises an exported workflow.
type Manifest struct {
	Name    string   `json:"name"`
	Version int      `json:"version"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Cats    []string `json:"cats"`
	Conts   []string `json:"conts"`
	Labels  []string `json:"labels"`
}

type servingData struct {
	ExportOptions
	Inputs      []ServingTensor
	Outputs     []ServingTensor
	InputNames  []string
	OutputNames []string
}

func dataType(k frame.Kind) string {
	switch k {
	case frame.Int64, frame.Int64List:
		return "TYPE_INT64"
	case frame.Float64:
		return "TYPE_FP64"
	default:
		return "TYPE_STRING"
	}
}

func tensors(s frame.Schema) []ServingTensor {
	out := make([]ServingTensor, len(s))
	for i, f := range s {
		dims := "1"
		if f.Kind.IsList() {
			dims = "-1"
		}
		out[i] = ServingTensor{Name: f.Name, DataType: dataType(f.Kind), Dims: dims}
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Export writes a serving copy of the fitted workflow without its label
// columns: the workflow itself under <dir>/<name>/<version>/<name>, and a
// rendered serving config at <dir>/<name>/config.pbtxt.
func (w *Workflow) Export(dir string, opts ExportOptions) (*Manifest, error) {
	if !w.Fitted() {
		return nil, ErrNotFitted
	}
	if opts.Name == "" {
		opts.Name = "workflow"
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	served, err := w.WithoutColumns(opts.Labels...)
	if err != nil {
		return nil, fmt.Errorf("removing label columns: %w", err)
	}
	out := served.OutputSchema()
	for _, col := range slices.Concat(opts.Cats, opts.Conts) {
		if _, ok := out.Lookup(col); !ok {
			return nil, fmt.Errorf("column %q is not produced by the exported workflow (outputs %v)", col, out.Names())
		}
	}
	if err := served.CheckInputSchema(served.InputSchema()); err != nil {
		return nil, err
	}

	modelDir := filepath.Join(dir, opts.Name)
	if err := served.Save(filepath.Join(modelDir, strconv.Itoa(opts.Version), opts.Name)); err != nil {
		return nil, fmt.Errorf("saving exported workflow: %w", err)
	}

	tmpl, err := template.Parse("serving", servingTemplate)
	if err != nil {
		return nil, err
	}
	data := servingData{
		ExportOptions: opts,
		Inputs:        tensors(served.InputSchema()),
		Outputs:       tensors(out),
		InputNames:    orEmpty(served.InputSchema().Names()),
		OutputNames:   orEmpty(out.Names()),
	}
	data.Cats, data.Conts, data.Labels = orEmpty(opts.Cats), orEmpty(opts.Conts), orEmpty(opts.Labels)

	config, err := template.Render(tmpl, "config", data)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(modelDir, "config.pbtxt"), config, 0644); err != nil {
		return nil, fmt.Errorf("writing serving config: %w", err)
	}
	manifest, _, err := template.RenderJSON[Manifest](tmpl, "manifest", data)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "manifest.json"), b, 0644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return &manifest, nil
}
