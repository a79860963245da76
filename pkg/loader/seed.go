package loader

import (
	"context"

	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"golang.org/x/exp/rand"
)

// SeedSource provides the shuffle seed of each epoch.
type SeedSource interface {
	NextSeed(ctx context.Context) (int64, error)
}

// GroupSeed agrees on a seed with every member of a group: each member
// draws a fragment from its own generator and the fragments are
// sum-reduced.
type GroupSeed struct {
	comm collective.Communicator
	rng  *rand.Rand
}

// NewGroupSeed returns a GroupSeed for comm's member with a freshly seeded
// fragment generator.
func NewGroupSeed(comm collective.Communicator) (*GroupSeed, error) {
	rng, err := collective.NewFragmentRand(comm.Rank())
	if err != nil {
		return nil, err
	}
	return &GroupSeed{comm: comm, rng: rng}, nil
}

// Fragment draws this member's next contribution.
func (s *GroupSeed) Fragment() int64 {
	return collective.SeedFragment(s.rng, s.comm.Size())
}

func (s *GroupSeed) NextSeed(ctx context.Context) (int64, error) {
	return collective.SharedSeed(ctx, s.comm, s.Fragment())
}

// FixedSeed returns the same seed every epoch.
type FixedSeed int64

func (s FixedSeed) NextSeed(context.Context) (int64, error) { return int64(s), nil }
