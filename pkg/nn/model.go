// Package nn implements the recommendation network trained on the
// preprocessed shards: one embedding table per categorical column
// (multi-hot columns are sum pooled), concatenated with the continuous
// inputs and fed through a ReLU MLP that ends in a single logit.
//
// All parameters live in one flat slice so that they can be all-reduced
// and broadcast as a whole; layers are gonum matrix views into it.
package nn

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/tabflow/movielens-multigpu/pkg/loader"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// EmbeddingSpec describes the embedding table of one categorical column.
type EmbeddingSpec struct {
	Column      string
	Cardinality int
	Dim         int
	// MultiHot columns hold lists of codes whose embeddings are summed.
	MultiHot bool
}

// Config describes a Model.
type Config struct {
	Embeddings []EmbeddingSpec
	Conts      []string
	Hidden     []int
	Seed       uint64
}

type dense struct {
	w *mat.Dense // in x out
	b []float64
}

// Model is the network with its parameters and gradients.
type Model struct {
	cfg    Config
	params []float64
	grads  []float64

	tables     []*mat.Dense
	tableGrads []*mat.Dense
	layers     []dense
	layerGrads []dense

	// forward cache
	batch  *loader.Batch
	acts   []*mat.Dense // input of each layer, then the logits
	preact []*mat.Dense
}

func (c Config) inputDim() int {
	d := len(c.Conts)
	for _, e := range c.Embeddings {
		d += e.Dim
	}
	return d
}

func (c Config) numParams() int {
	n := 0
	for _, e := range c.Embeddings {
		n += e.Cardinality * e.Dim
	}
	in := c.inputDim()
	for _, h := range slices.Concat(c.Hidden, []int{1}) {
		n += in*h + h
		in = h
	}
	return n
}

// New builds a model with freshly initialised parameters: embeddings
// uniform in [-0.05, 0.05], dense weights He-normal, biases zero.
func New(cfg Config) (*Model, error) {
	if len(cfg.Embeddings) == 0 && len(cfg.Conts) == 0 {
		return nil, errors.New("model has no inputs")
	}
	for _, e := range cfg.Embeddings {
		if e.Cardinality <= 0 || e.Dim <= 0 {
			return nil, fmt.Errorf("embedding %q has shape %dx%d", e.Column, e.Cardinality, e.Dim)
		}
	}
	for _, h := range cfg.Hidden {
		if h <= 0 {
			return nil, fmt.Errorf("hidden layer width must be positive, got %d", h)
		}
	}
	n := cfg.numParams()
	m := &Model{cfg: cfg, params: make([]float64, n), grads: make([]float64, n)}

	off := 0
	take := func(k int) ([]float64, []float64) {
		p, g := m.params[off:off+k:off+k], m.grads[off:off+k:off+k]
		off += k
		return p, g
	}
	src := rand.NewSource(cfg.Seed)
	uniform := distuv.Uniform{Min: -0.05, Max: 0.05, Src: src}
	for _, e := range cfg.Embeddings {
		p, g := take(e.Cardinality * e.Dim)
		for i := range p {
			p[i] = uniform.Rand()
		}
		m.tables = append(m.tables, mat.NewDense(e.Cardinality, e.Dim, p))
		m.tableGrads = append(m.tableGrads, mat.NewDense(e.Cardinality, e.Dim, g))
	}
	in := cfg.inputDim()
	for _, h := range slices.Concat(cfg.Hidden, []int{1}) {
		wp, wg := take(in * h)
		normal := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(in)), Src: src}
		for i := range wp {
			wp[i] = normal.Rand()
		}
		bp, bg := take(h)
		m.layers = append(m.layers, dense{w: mat.NewDense(in, h, wp), b: bp})
		m.layerGrads = append(m.layerGrads, dense{w: mat.NewDense(in, h, wg), b: bg})
		in = h
	}
	return m, nil
}

// Config returns the model's configuration.
func (m *Model) Config() Config { return m.cfg }

// Params returns the live parameter vector.
func (m *Model) Params() []float64 { return m.params }

// Grads returns the live gradient vector, aligned with Params.
func (m *Model) Grads() []float64 { return m.grads }

// SetParams overwrites every parameter.
func (m *Model) SetParams(p []float64) error {
	if len(p) != len(m.params) {
		return fmt.Errorf("setting %d parameters on a model with %d", len(p), len(m.params))
	}
	copy(m.params, p)
	return nil
}

func (m *Model) code(spec EmbeddingSpec, v int64) (int, error) {
	if v < 0 || v >= int64(spec.Cardinality) {
		return 0, fmt.Errorf("code %d of %q outside table of %d rows", v, spec.Column, spec.Cardinality)
	}
	return int(v), nil
}

// Forward computes one logit per row of b.
func (m *Model) Forward(b *loader.Batch) ([]float64, error) {
	n := b.Rows
	m.batch = b
	if n == 0 {
		return nil, nil
	}
	x := mat.NewDense(n, m.cfg.inputDim(), nil)
	col := 0
	for t, spec := range m.cfg.Embeddings {
		table := m.tables[t]
		for i := range n {
			row := x.RawRowView(i)[col : col+spec.Dim]
			if spec.MultiHot {
				lists := b.CatsMH[spec.Column]
				if len(lists) != n {
					return nil, fmt.Errorf("multi-hot column %q has %d rows, want %d", spec.Column, len(lists), n)
				}
				for _, v := range lists[i] {
					c, err := m.code(spec, v)
					if err != nil {
						return nil, err
					}
					floats.Add(row, table.RawRowView(c))
				}
				continue
			}
			codes := b.Cats[spec.Column]
			if len(codes) != n {
				return nil, fmt.Errorf("categorical column %q has %d rows, want %d", spec.Column, len(codes), n)
			}
			c, err := m.code(spec, codes[i])
			if err != nil {
				return nil, err
			}
			copy(row, table.RawRowView(c))
		}
		col += spec.Dim
	}
	for _, name := range m.cfg.Conts {
		vals := b.Conts[name]
		if len(vals) != n {
			return nil, fmt.Errorf("continuous column %q has %d rows, want %d", name, len(vals), n)
		}
		for i, v := range vals {
			x.Set(i, col, v)
		}
		col++
	}

	m.acts = []*mat.Dense{x}
	m.preact = m.preact[:0]
	for l, layer := range m.layers {
		_, out := layer.w.Dims()
		z := mat.NewDense(n, out, nil)
		z.Mul(m.acts[l], layer.w)
		for i := range n {
			floats.Add(z.RawRowView(i), layer.b)
		}
		m.preact = append(m.preact, z)
		if l == len(m.layers)-1 {
			m.acts = append(m.acts, z)
			break
		}
		a := mat.DenseCopyOf(z)
		a.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, a)
		m.acts = append(m.acts, a)
	}
	return mat.Col(nil, 0, m.acts[len(m.acts)-1]), nil
}

// Backward computes the gradients of the last Forward for the loss
// gradient dlogits, replacing the previous gradients.
func (m *Model) Backward(dlogits []float64) error {
	if m.batch == nil {
		return errors.New("backward without forward")
	}
	n := m.batch.Rows
	if len(dlogits) != n {
		return fmt.Errorf("got %d logit gradients for %d rows", len(dlogits), n)
	}
	clear(m.grads)
	if n == 0 {
		return nil
	}

	d := mat.NewDense(n, 1, slices.Clone(dlogits))
	for l := len(m.layers) - 1; l >= 0; l-- {
		if l < len(m.layers)-1 {
			z := m.preact[l]
			d.Apply(func(i, j int, v float64) float64 {
				if z.At(i, j) <= 0 {
					return 0
				}
				return v
			}, d)
		}
		g := m.layerGrads[l]
		g.w.Mul(m.acts[l].T(), d)
		for i := range n {
			floats.Add(g.b, d.RawRowView(i))
		}
		in, _ := m.layers[l].w.Dims()
		prev := mat.NewDense(n, in, nil)
		prev.Mul(d, m.layers[l].w.T())
		d = prev
	}

	col := 0
	for t, spec := range m.cfg.Embeddings {
		grad := m.tableGrads[t]
		for i := range n {
			row := d.RawRowView(i)[col : col+spec.Dim]
			if spec.MultiHot {
				for _, v := range m.batch.CatsMH[spec.Column][i] {
					floats.Add(grad.RawRowView(int(v)), row)
				}
				continue
			}
			floats.Add(grad.RawRowView(int(m.batch.Cats[spec.Column][i])), row)
		}
		col += spec.Dim
	}
	return nil
}

// BCEWithLogits returns the mean binary cross entropy of sigmoid(logits)
// against labels in {0, 1}, and its gradient with respect to the logits.
func BCEWithLogits(logits, labels []float64) (float64, []float64, error) {
	if len(logits) != len(labels) {
		return 0, nil, fmt.Errorf("%d logits for %d labels", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, nil
	}
	n := float64(len(logits))
	var loss float64
	grad := make([]float64, len(logits))
	for i, x := range logits {
		y := labels[i]
		loss += max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		grad[i] = (sigmoid(x) - y) / n
	}
	return loss / n, grad, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
