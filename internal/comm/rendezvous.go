package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/parallelmc/internal/errors"
)

type roundKey struct {
	kind Kind
	seq  uint64
}

type round struct {
	contributions []Value
	arrived       []bool
	count         int

	done   chan struct{}
	result Value
	err    error
}

// Rendezvous matches the collective calls of a whole group held in one
// process. Each (kind, seq) pair is a round; a round completes when every
// rank has arrived, and every arrival then receives the combined result.
// It is safe for concurrent use.
type Rendezvous struct {
	size int

	mu     sync.Mutex
	rounds map[roundKey]*round

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// NewRendezvous creates the round state for a group of size ranks.
func NewRendezvous(size int) *Rendezvous {
	return &Rendezvous{
		size:    size,
		rounds:  make(map[roundKey]*round),
		aborted: make(chan struct{}),
	}
}

// Size returns the number of ranks the rendezvous waits for.
func (r *Rendezvous) Size() int { return r.size }

// Arrive registers rank's contribution to round (kind, seq) and blocks until
// the round completes, the context ends, or the group is aborted.
func (r *Rendezvous) Arrive(ctx context.Context, kind Kind, seq uint64, rank int, v Value) (Value, error) {
	if rank < 0 || rank >= r.size {
		return Value{}, errors.NewValidationError("rank out of range").WithField("rank").WithValue(rank)
	}
	if err := r.Err(); err != nil {
		return Value{}, err
	}

	key := roundKey{kind: kind, seq: seq}

	r.mu.Lock()
	rd, ok := r.rounds[key]
	if !ok {
		rd = &round{
			contributions: make([]Value, r.size),
			arrived:       make([]bool, r.size),
			done:          make(chan struct{}),
		}
		r.rounds[key] = rd
	}
	if rd.arrived[rank] {
		r.mu.Unlock()
		return Value{}, fmt.Errorf("comm: rank %d arrived twice at %s #%d", rank, kind, seq)
	}
	rd.arrived[rank] = true
	rd.contributions[rank] = v
	rd.count++
	if rd.count == r.size {
		rd.result, rd.err = Combine(kind, rd.contributions)
		// Every rank already holds rd; nobody looks the key up again.
		delete(r.rounds, key)
		close(rd.done)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
		return rd.result, rd.err
	case <-r.aborted:
		return Value{}, r.abortErr
	case <-ctx.Done():
		return Value{}, fmt.Errorf("comm: waiting for %s #%d: %w", kind, seq, ctx.Err())
	}
}

// Abort fails every pending and future arrival with an error wrapping
// ErrGroupAborted and cause. Only the first call has an effect.
func (r *Rendezvous) Abort(cause error) {
	r.abortOnce.Do(func() {
		if cause == nil {
			r.abortErr = errors.ErrGroupAborted
		} else {
			r.abortErr = fmt.Errorf("%w: %v", errors.ErrGroupAborted, cause)
		}
		close(r.aborted)
	})
}

// Err returns the abort error, or nil while the group is healthy.
func (r *Rendezvous) Err() error {
	select {
	case <-r.aborted:
		return r.abortErr
	default:
		return nil
	}
}

// Pending returns the number of rounds that have at least one arrival but
// have not completed.
func (r *Rendezvous) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}
