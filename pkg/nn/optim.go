package nn

import (
	"context"
	"fmt"
	"math"

	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters from gradients.
type Optimizer interface {
	Step(params, grads []float64) error
	// State returns the optimizer state as one flat vector.
	State() []float64
	SetState(state []float64) error
}

// Adam is the Adam optimizer.
type Adam struct {
	LR, Beta1, Beta2, Eps float64

	t    int
	m, v []float64
}

// NewAdam returns an Adam optimizer for n parameters with the usual
// defaults.
func NewAdam(n int, lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *Adam) Step(params, grads []float64) error {
	if len(params) != len(a.m) || len(grads) != len(a.m) {
		return fmt.Errorf("adam holds %d parameters, got %d parameters and %d gradients", len(a.m), len(params), len(grads))
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range grads {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		params[i] -= a.LR * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.Eps)
	}
	return nil
}

// State is laid out as [step, m..., v...].
func (a *Adam) State() []float64 {
	out := make([]float64, 0, 1+2*len(a.m))
	out = append(out, float64(a.t))
	out = append(out, a.m...)
	return append(out, a.v...)
}

func (a *Adam) SetState(state []float64) error {
	n := len(a.m)
	if len(state) != 1+2*n {
		return fmt.Errorf("adam state has %d values, want %d", len(state), 1+2*n)
	}
	a.t = int(state[0])
	copy(a.m, state[1:1+n])
	copy(a.v, state[1+n:])
	return nil
}

// ScaledLR scales a base learning rate linearly with the number of
// data-parallel workers.
func ScaledLR(base float64, size int) float64 {
	return base * float64(size)
}

// DistributedOptimizer averages gradients across a group before each step
// of the wrapped optimizer.
type DistributedOptimizer struct {
	Inner Optimizer
	Comm  collective.Communicator
}

// Step all-reduces grads in place to their group mean and applies the
// inner optimizer.
func (d *DistributedOptimizer) Step(ctx context.Context, params, grads []float64) error {
	sum, err := d.Comm.AllReduceSum(ctx, grads)
	if err != nil {
		return fmt.Errorf("averaging gradients: %w", err)
	}
	floats.ScaleTo(grads, 1/float64(d.Comm.Size()), sum)
	return d.Inner.Step(params, grads)
}

// Broadcast overwrites params and the optimizer state with root's.
func (d *DistributedOptimizer) Broadcast(ctx context.Context, root int, params []float64) error {
	p, err := d.Comm.Broadcast(ctx, root, params)
	if err != nil {
		return fmt.Errorf("broadcasting parameters: %w", err)
	}
	if len(p) != len(params) {
		return fmt.Errorf("received %d parameters, model has %d", len(p), len(params))
	}
	copy(params, p)
	s, err := d.Comm.Broadcast(ctx, root, d.Inner.State())
	if err != nil {
		return fmt.Errorf("broadcasting optimizer state: %w", err)
	}
	return d.Inner.SetState(s)
}
