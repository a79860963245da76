// Package collective implements the synchronous group operations used by
// data-parallel training: barrier, all-reduce and broadcast. Every member
// of a group calls the same operations in the same order; each call is a
// rendezvous that blocks until the contributions it needs have arrived.
package collective

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// ErrClosed is returned by operations on a closed group.
var ErrClosed = errors.New("collective group is closed")

// Communicator is a member of a fixed-size worker group.
type Communicator interface {
	Rank() int
	Size() int
	// Barrier blocks until every member has entered it.
	Barrier(ctx context.Context) error
	// AllReduceSum returns the element-wise sum of every member's data.
	// All members observe bit-identical results.
	AllReduceSum(ctx context.Context, data []float64) ([]float64, error)
	AllReduceInt64(ctx context.Context, v int64) (int64, error)
	// Broadcast returns root's data on every member. Non-root members'
	// data is ignored.
	Broadcast(ctx context.Context, root int, data []float64) ([]float64, error)
	Close() error
}

// Message is one chunk of one member's contribution to an operation.
type Message struct {
	Op     string
	Seq    uint64
	From   int
	Chunk  int
	Chunks int
	Data   []float64
}

// Transport carries messages between the members of a group. Every
// subscriber receives every published message, its own included, and
// messages from one publisher arrive in publish order.
type Transport interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(deliver func(Message)) (unsubscribe func() error, err error)
}

// SeedFragment draws a member's contribution to a shared seed from rng, in
// [0, MaxInt32/size).
func SeedFragment(rng *rand.Rand, size int) int64 {
	return rng.Int63n(maxSeed(size))
}

// NewFragmentRand returns a generator for the seed fragments of rank,
// seeded from system entropy so that members in different processes draw
// independent fragments.
func NewFragmentRand(rank int) (*rand.Rand, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("reading seed entropy: %w", err)
	}
	seed := binary.LittleEndian.Uint64(b[:]) ^ (uint64(rank)+1)*0x9e3779b97f4a7c15
	return rand.New(rand.NewSource(seed)), nil
}

func maxSeed(size int) int64 {
	return int64(math.MaxInt32 / max(size, 1))
}

// SharedSeed sum-reduces every member's fragment and returns the sum
// modulo MaxInt32/size. Every member gets the same value.
func SharedSeed(ctx context.Context, comm Communicator, fragment int64) (int64, error) {
	sum, err := comm.AllReduceInt64(ctx, fragment)
	if err != nil {
		return 0, err
	}
	m := maxSeed(comm.Size())
	return ((sum % m) + m) % m, nil
}
