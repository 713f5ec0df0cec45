// Package seed produces the per-rank RNG seeds of a process group.
//
// The coordinator draws one candidate per rank from a uniform source, maps
// each draw onto [0, SeedSpaceMax), and redraws duplicates until the table is
// pairwise distinct. The table is then scattered so every rank seeds its own
// engine with its own entry.
package seed

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Iron-Ham/parallelmc/internal/errors"
)

// SeedSpaceMax is the exclusive upper bound of a drawn seed.
const SeedSpaceMax = math.MaxInt64

// DefaultMaxRetries is how many redraw passes Generate makes before giving
// up on a table that still has duplicates.
const DefaultMaxRetries = 64

// Uniform is a source of floats in [0, 1). *rand.Rand satisfies it.
type Uniform interface {
	Float64() float64
}

// Table holds one seed per rank, indexed by rank.
type Table []int64

// Distinct reports whether no two ranks share a seed.
func (t Table) Distinct() bool {
	return len(t.duplicates()) == 0
}

// duplicates returns the indices of every entry equal to an earlier entry.
// The first occurrence of each value is kept.
func (t Table) duplicates() []int {
	seen := make(map[int64]struct{}, len(t))
	var dups []int
	for i, s := range t {
		if _, ok := seen[s]; ok {
			dups = append(dups, i)
			continue
		}
		seen[s] = struct{}{}
	}
	return dups
}

// Candidate maps a uniform draw u in [0, 1) to a seed in [0, SeedSpaceMax).
func Candidate(u float64) int64 {
	// float64(MaxInt64) rounds up to 2^63; u < 1 keeps the product below it.
	return int64(math.Floor(u * float64(SeedSpaceMax)))
}

// Allocator draws seed tables from a uniform source. It is not safe for
// concurrent use; only the coordinator ever calls Generate.
type Allocator struct {
	src        Uniform
	maxRetries int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxRetries sets the number of redraw passes allowed. Values below zero
// are treated as zero, meaning any collision fails immediately.
func WithMaxRetries(n int) Option {
	return func(a *Allocator) {
		a.maxRetries = max(n, 0)
	}
}

// NewAllocator returns an allocator drawing from src.
func NewAllocator(src Uniform, opts ...Option) *Allocator {
	a := &Allocator{src: src, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxRetries returns the configured number of redraw passes.
func (a *Allocator) MaxRetries() int { return a.maxRetries }

// Generate draws a table of size pairwise-distinct seeds. A table of one
// seed is returned without any uniqueness check. If duplicates remain after
// MaxRetries redraw passes, Generate fails with a fatal ErrSeedCollision.
func (a *Allocator) Generate(size int) (Table, error) {
	if size < 1 {
		return nil, errors.NewValidationError("seed table size must be at least 1").WithField("size").WithValue(size)
	}

	table := make(Table, size)
	for i := range table {
		table[i] = a.draw()
	}
	if size == 1 {
		return table, nil
	}

	for pass := 0; ; pass++ {
		dups := table.duplicates()
		if len(dups) == 0 {
			return table, nil
		}
		if pass >= a.maxRetries {
			return nil, errors.NewGroupError(
				fmt.Sprintf("%d duplicate seeds remain after %d redraw passes", len(dups), pass),
				errors.ErrSeedCollision,
			).WithOp("seed").WithValue(len(dups)).WithLimit(a.maxRetries)
		}
		for _, i := range dups {
			table[i] = a.draw()
		}
	}
}

func (a *Allocator) draw() int64 {
	return Candidate(a.src.Float64())
}

// NewSource returns the uniform source for seed draws. A non-zero master
// seed makes every drawn table reproducible; zero seeds the source from the
// runtime's entropy.
func NewSource(master int64) *rand.Rand {
	if master == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(master), splitmix(uint64(master))))
}

// splitmix scrambles x so the two PCG words differ even for small masters.
func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
