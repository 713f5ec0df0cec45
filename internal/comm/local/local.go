// Package local implements an in-process process group: every rank is a
// Communicator sharing one comm.Rendezvous. Ranks are usually driven from
// separate goroutines. A group of size one is how parallelmc runs without
// any messaging layer at all.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/errors"
)

// Comm is one rank of an in-process group.
type Comm struct {
	rank int
	rv   *comm.Rendezvous

	mu     sync.Mutex
	seq    comm.Sequencer
	closed bool
}

var _ comm.Communicator = (*Comm)(nil)

// NewGroup creates size communicators sharing one rendezvous; element i has
// rank i.
func NewGroup(size int) ([]*Comm, error) {
	if size < 1 {
		return nil, errors.NewValidationError("group size must be at least 1").WithField("size").WithValue(size)
	}
	rv := comm.NewRendezvous(size)
	ranks := make([]*Comm, size)
	for i := range ranks {
		ranks[i] = &Comm{rank: i, rv: rv, seq: comm.Sequencer{}}
	}
	return ranks, nil
}

// Single returns the only rank of a group of size one.
func Single() *Comm {
	ranks, _ := NewGroup(1)
	return ranks[0]
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return c.rv.Size() }

// Barrier implements comm.Communicator.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.arrive(ctx, comm.KindBarrier, comm.Value{})
	return err
}

// ScatterSeeds implements comm.Communicator.
func (c *Comm) ScatterSeeds(ctx context.Context, seeds []int64) (int64, error) {
	var v comm.Value
	if c.rank == comm.CoordinatorRank {
		v.Seeds = seeds
	}
	res, err := c.arrive(ctx, comm.KindScatter, v)
	if err != nil {
		return 0, err
	}
	return res.Seeds[c.rank], nil
}

// ReduceInt64 implements comm.Communicator.
func (c *Comm) ReduceInt64(ctx context.Context, op comm.Op, v int64) (int64, error) {
	res, err := c.arrive(ctx, comm.KindReduceInt, comm.Value{Op: op, Int: v})
	if err != nil || c.rank != comm.CoordinatorRank {
		return 0, err
	}
	return res.Int, nil
}

// ReduceFloat64 implements comm.Communicator.
func (c *Comm) ReduceFloat64(ctx context.Context, op comm.Op, v float64) (float64, error) {
	res, err := c.arrive(ctx, comm.KindReduceFloat, comm.Value{Op: op, Float: v})
	if err != nil || c.rank != comm.CoordinatorRank {
		return 0, err
	}
	return res.Float, nil
}

// Abort implements comm.Communicator.
func (c *Comm) Abort(_ context.Context, cause error) error {
	c.rv.Abort(cause)
	return nil
}

// Close implements comm.Communicator.
func (c *Comm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// pending exposes the shared rendezvous' count of incomplete rounds.
func (c *Comm) pending() int { return c.rv.Pending() }

func (c *Comm) arrive(ctx context.Context, kind comm.Kind, v comm.Value) (comm.Value, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return comm.Value{}, fmt.Errorf("rank %d %s: %w", c.rank, kind, errors.ErrGroupClosed)
	}
	seq := c.seq.Next(kind)
	c.mu.Unlock()

	return c.rv.Arrive(ctx, kind, seq, c.rank, v)
}
