package comm

import (
	"context"
	"fmt"
)

// CoordinatorRank is the rank that generates the seed table, absorbs the
// remainder of an even split, and observes reduction results.
const CoordinatorRank = 0

// Communicator is the narrow set of collectives a process group needs from
// its messaging layer. Every method except Rank, Size and Close is a
// collective: all ranks must call it, in the same order, for it to complete.
type Communicator interface {
	// Rank returns this process's index, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// ScatterSeeds distributes one seed per rank. The coordinator passes the
	// full table (len == Size()); other ranks pass nil. Every rank receives
	// only its own entry.
	ScatterSeeds(ctx context.Context, seeds []int64) (int64, error)

	// ReduceInt64 combines one value per rank with op. The result is only
	// meaningful at the coordinator; other ranks receive 0.
	ReduceInt64(ctx context.Context, op Op, v int64) (int64, error)
	// ReduceFloat64 is ReduceInt64 for floating point values.
	ReduceFloat64(ctx context.Context, op Op, v float64) (float64, error)

	// Abort tears the whole group down: every pending and future collective
	// on every rank fails with ErrGroupAborted.
	Abort(ctx context.Context, cause error) error

	// Close releases the messaging layer. It does not wait for other ranks.
	Close() error
}

// Op is a reduction operation.
type Op int

const (
	// OpSum adds the contributions of every rank.
	OpSum Op = iota
	// OpMax keeps the largest contribution.
	OpMax
)

// String returns the lower-case name of the operation.
func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Kind identifies a collective. Calls are matched across ranks by kind and
// per-kind sequence number.
type Kind string

const (
	KindBarrier     Kind = "barrier"
	KindScatter     Kind = "scatter"
	KindReduceInt   Kind = "reduce-int"
	KindReduceFloat Kind = "reduce-float"
)

// Value is one rank's contribution to a collective, and also the combined
// result handed back to the ranks.
type Value struct {
	Op    Op      `json:"op"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Seeds []int64 `json:"seeds,omitempty"`
}

// Combine folds the contributions of a completed round, indexed by rank.
func Combine(kind Kind, contributions []Value) (Value, error) {
	if len(contributions) == 0 {
		return Value{}, fmt.Errorf("comm: no contributions for %s", kind)
	}
	switch kind {
	case KindBarrier:
		return Value{}, nil
	case KindScatter:
		seeds := contributions[CoordinatorRank].Seeds
		if len(seeds) != len(contributions) {
			return Value{}, fmt.Errorf("comm: seed table has %d entries for %d ranks", len(seeds), len(contributions))
		}
		return Value{Seeds: seeds}, nil
	case KindReduceInt, KindReduceFloat:
		op := contributions[CoordinatorRank].Op
		out := contributions[0]
		for _, c := range contributions[1:] {
			if c.Op != op {
				return Value{}, fmt.Errorf("comm: mismatched reduction ops %s and %s", op, c.Op)
			}
			switch op {
			case OpSum:
				out.Int += c.Int
				out.Float += c.Float
			case OpMax:
				out.Int = max(out.Int, c.Int)
				out.Float = max(out.Float, c.Float)
			default:
				return Value{}, fmt.Errorf("comm: unsupported reduction %s", op)
			}
		}
		out.Op = op
		return out, nil
	default:
		return Value{}, fmt.Errorf("comm: unknown collective %q", kind)
	}
}

// Sequencer hands out per-kind sequence numbers for one rank. It is not safe
// for concurrent use: a rank issues its collectives one at a time.
type Sequencer map[Kind]uint64

// Next returns the sequence number of this rank's next call of kind.
func (s Sequencer) Next(kind Kind) uint64 {
	n := s[kind]
	s[kind] = n + 1
	return n
}
