package seed

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"sync"
)

// Engine is the local random-number engine a rank seeds with its entry of
// the table.
type Engine interface {
	SetSeed(seed int64)
}

// Stream is the default Engine: a PCG generator that can be reseeded. It is
// safe for concurrent use.
type Stream struct {
	mu   sync.Mutex
	seed int64
	rng  *rand.Rand
}

var _ Engine = (*Stream)(nil)

// NewStream returns a stream seeded with seed.
func NewStream(seed int64) *Stream {
	s := &Stream{}
	s.SetSeed(seed)
	return s
}

// SetSeed implements Engine. The stream restarts from the new seed.
func (s *Stream) SetSeed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.rng = rand.New(rand.NewPCG(uint64(seed), splitmix(uint64(seed))))
}

// Seed returns the seed most recently set.
func (s *Stream) Seed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// Float64 returns the next float in [0, 1).
func (s *Stream) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Derive returns the seed of substream n of seed. Goroutines sharing one rank
// seed each take their own substream so they never share generator state.
//
// Derivation: seed XOR fnv1a64(big-endian n).
func Derive(seed int64, n uint64) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return seed ^ int64(h.Sum64())
}
