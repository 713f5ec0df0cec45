// Package engine provides a small Monte-Carlo transport engine so a
// parallelmc rank has real work to distribute: neutral particles crossing a
// one-dimensional slab.
package engine

import (
	"math"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/seed"
	"github.com/Iron-Ham/parallelmc/internal/workload"
)

// Default slab parameters.
const (
	DefaultThickness    = 5.0
	DefaultScatterRatio = 0.5
)

// Tally accumulates history outcomes.
type Tally struct {
	Histories   int64 `json:"histories"`
	Transmitted int64 `json:"transmitted"`
	Reflected   int64 `json:"reflected"`
	Absorbed    int64 `json:"absorbed"`
	// TrackLength is the summed path length inside the slab, in mean free
	// paths.
	TrackLength float64 `json:"track_length"`
}

// Add folds o into t.
func (t *Tally) Add(o Tally) {
	t.Histories += o.Histories
	t.Transmitted += o.Transmitted
	t.Reflected += o.Reflected
	t.Absorbed += o.Absorbed
	t.TrackLength += o.TrackLength
}

// Slab transports particles through a homogeneous slab. Particles enter at
// the left face moving along the normal, fly exponentially distributed
// distances between collisions and, at each collision, scatter isotropically
// with probability ScatterRatio or are absorbed.
//
// Each call to RunHistories splits its histories across a bounded pool of
// goroutines. Goroutine i of run r draws from substream r<<32|i of the rank
// seed, so a run is reproducible for a given seed and thread count.
type Slab struct {
	thickness    float64
	scatterRatio float64
	threads      int

	mu    sync.Mutex
	seed  int64
	runs  uint64
	tally Tally
}

var (
	_ workload.Engine = (*Slab)(nil)
	_ seed.Engine     = (*Slab)(nil)
)

// Option configures a Slab.
type Option func(*Slab)

// WithThickness sets the slab thickness in mean free paths.
func WithThickness(t float64) Option {
	return func(s *Slab) { s.thickness = t }
}

// WithScatterRatio sets the probability that a collision scatters.
func WithScatterRatio(c float64) Option {
	return func(s *Slab) { s.scatterRatio = c }
}

// WithThreads sets the number of goroutines per run. Zero or less means
// GOMAXPROCS.
func WithThreads(n int) Option {
	return func(s *Slab) { s.threads = n }
}

// NewSlab returns a slab engine.
func NewSlab(opts ...Option) (*Slab, error) {
	s := &Slab{
		thickness:    DefaultThickness,
		scatterRatio: DefaultScatterRatio,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.threads <= 0 {
		s.threads = runtime.GOMAXPROCS(0)
	}
	if !(s.thickness > 0) || math.IsInf(s.thickness, 0) {
		return nil, errors.NewValidationError("slab thickness must be positive").
			WithField("thickness").WithValue(s.thickness)
	}
	if !(s.scatterRatio >= 0 && s.scatterRatio <= 1) {
		return nil, errors.NewValidationError("scatter ratio must be within [0, 1]").
			WithField("scatter_ratio").WithValue(s.scatterRatio)
	}
	return s, nil
}

// SetSeed implements seed.Engine. It restarts the substream sequence and
// clears the tally.
func (s *Slab) SetSeed(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = v
	s.runs = 0
	s.tally = Tally{}
}

// Seed returns the rank seed in use.
func (s *Slab) Seed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// Threads returns the goroutine count used per run.
func (s *Slab) Threads() int { return s.threads }

// RunHistories implements workload.Engine. It blocks until count histories
// have been transported and added to the running tally.
func (s *Slab) RunHistories(count int32) error {
	if count < 0 {
		return errors.NewValidationError("history count must not be negative").
			WithField("count").WithValue(count)
	}
	if count == 0 {
		return nil
	}

	s.mu.Lock()
	base := s.seed
	run := s.runs
	s.runs++
	s.mu.Unlock()

	workers := min(s.threads, int(count))
	chunks := make([]Tally, workers)
	p := pool.New().WithMaxGoroutines(workers)
	for i := range workers {
		n := int64(count) / int64(workers)
		if int64(i) < int64(count)%int64(workers) {
			n++
		}
		stream := seed.NewStream(seed.Derive(base, run<<32|uint64(i)))
		p.Go(func() {
			chunks[i] = s.transport(stream, n)
		})
	}
	p.Wait()

	// Fold in worker order so float sums do not depend on scheduling.
	var total Tally
	for _, c := range chunks {
		total.Add(c)
	}

	s.mu.Lock()
	s.tally.Add(total)
	s.mu.Unlock()
	return nil
}

// Tally returns the outcomes accumulated since the last SetSeed.
func (s *Slab) Tally() Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally
}

func (s *Slab) transport(rng *seed.Stream, n int64) Tally {
	t := Tally{Histories: n}
	for range n {
		x, mu := 0.0, 1.0
		for {
			// 1-u keeps the argument of Log in (0, 1].
			dist := -math.Log(1 - rng.Float64())
			next := x + mu*dist
			if next >= s.thickness {
				t.TrackLength += (s.thickness - x) / mu
				t.Transmitted++
				break
			}
			if next < 0 {
				t.TrackLength += -x / mu
				t.Reflected++
				break
			}
			t.TrackLength += dist
			x = next
			if rng.Float64() >= s.scatterRatio {
				t.Absorbed++
				break
			}
			mu = isotropic(rng)
		}
	}
	return t
}

// isotropic draws a direction cosine uniformly from (-1, 1), never zero.
func isotropic(rng *seed.Stream) float64 {
	for {
		if mu := 2*rng.Float64() - 1; mu != 0 {
			return mu
		}
	}
}
