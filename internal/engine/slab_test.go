package engine

import (
	"errors"
	"math"
	"testing"

	pmcerrors "github.com/Iron-Ham/parallelmc/internal/errors"
)

func newSlab(t *testing.T, opts ...Option) *Slab {
	t.Helper()
	s, err := NewSlab(opts...)
	if err != nil {
		t.Fatalf("NewSlab() error = %v", err)
	}
	return s
}

func TestNewSlab_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero thickness", []Option{WithThickness(0)}},
		{"negative thickness", []Option{WithThickness(-1)}},
		{"infinite thickness", []Option{WithThickness(math.Inf(1))}},
		{"ratio above one", []Option{WithScatterRatio(1.5)}},
		{"NaN ratio", []Option{WithScatterRatio(math.NaN())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSlab(tt.opts...)
			if !errors.Is(err, pmcerrors.ErrInvalidInput) {
				t.Errorf("NewSlab() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestNewSlab_DefaultThreads(t *testing.T) {
	s := newSlab(t)
	if s.Threads() < 1 {
		t.Errorf("Threads() = %d, want at least 1", s.Threads())
	}
	if s := newSlab(t, WithThreads(3)); s.Threads() != 3 {
		t.Errorf("Threads() = %d, want 3", s.Threads())
	}
}

func TestRunHistories_Conservation(t *testing.T) {
	s := newSlab(t, WithThreads(4), WithThickness(2), WithScatterRatio(0.7))
	s.SetSeed(12345)

	if err := s.RunHistories(10_001); err != nil {
		t.Fatalf("RunHistories() error = %v", err)
	}
	tally := s.Tally()
	if tally.Histories != 10_001 {
		t.Errorf("Histories = %d, want 10001", tally.Histories)
	}
	if got := tally.Transmitted + tally.Reflected + tally.Absorbed; got != tally.Histories {
		t.Errorf("outcomes sum to %d, want %d", got, tally.Histories)
	}
	if tally.TrackLength <= 0 {
		t.Errorf("TrackLength = %v, want positive", tally.TrackLength)
	}
}

func TestRunHistories_Zero(t *testing.T) {
	s := newSlab(t)
	if err := s.RunHistories(0); err != nil {
		t.Fatalf("RunHistories(0) error = %v", err)
	}
	if s.Tally() != (Tally{}) {
		t.Errorf("Tally() = %+v, want zero", s.Tally())
	}
}

func TestRunHistories_Negative(t *testing.T) {
	s := newSlab(t)
	if err := s.RunHistories(-1); !errors.Is(err, pmcerrors.ErrInvalidInput) {
		t.Errorf("RunHistories(-1) error = %v, want ErrInvalidInput", err)
	}
}

func TestRunHistories_Reproducible(t *testing.T) {
	run := func(seedValue int64) Tally {
		s := newSlab(t, WithThreads(3))
		s.SetSeed(seedValue)
		if err := s.RunHistories(5000); err != nil {
			t.Fatalf("RunHistories() error = %v", err)
		}
		return s.Tally()
	}

	a, b := run(99), run(99)
	if a != b {
		t.Errorf("same seed gave different tallies: %+v vs %+v", a, b)
	}
	if c := run(100); c == a {
		t.Errorf("different seeds gave identical tallies: %+v", c)
	}
}

func TestRunHistories_SuccessiveRunsDiffer(t *testing.T) {
	s := newSlab(t, WithThreads(2))
	s.SetSeed(7)
	if err := s.RunHistories(2000); err != nil {
		t.Fatal(err)
	}
	first := s.Tally()
	if err := s.RunHistories(2000); err != nil {
		t.Fatal(err)
	}
	if second := s.Tally().sub(first); second == first {
		t.Error("second run replayed the first run's substreams")
	}

	// Reseeding restarts the sequence and the tally.
	s.SetSeed(7)
	if got := s.Tally(); got != (Tally{}) {
		t.Errorf("tally after SetSeed = %+v, want zero", got)
	}
	if err := s.RunHistories(2000); err != nil {
		t.Fatal(err)
	}
	if s.Tally() != first {
		t.Errorf("reseeded run = %+v, want %+v", s.Tally(), first)
	}
}

// sub returns the outcomes in t that were not already in prev.
func (t Tally) sub(prev Tally) Tally {
	return Tally{
		Histories:   t.Histories - prev.Histories,
		Transmitted: t.Transmitted - prev.Transmitted,
		Reflected:   t.Reflected - prev.Reflected,
		Absorbed:    t.Absorbed - prev.Absorbed,
		TrackLength: t.TrackLength - prev.TrackLength,
	}
}

func TestRunHistories_PureAbsorber(t *testing.T) {
	s := newSlab(t, WithThickness(1), WithScatterRatio(0), WithThreads(4))
	s.SetSeed(2024)
	const n = 200_000
	if err := s.RunHistories(n); err != nil {
		t.Fatal(err)
	}
	tally := s.Tally()
	if tally.Reflected != 0 {
		t.Errorf("pure absorber reflected %d particles", tally.Reflected)
	}
	// Uncollided transmission through one mean free path is exp(-1).
	got := float64(tally.Transmitted) / n
	if want := math.Exp(-1); math.Abs(got-want) > 0.01 {
		t.Errorf("transmission = %.4f, want %.4f", got, want)
	}
	// Mean track length is 1 - exp(-1).
	if mean, want := tally.TrackLength/n, 1-math.Exp(-1); math.Abs(mean-want) > 0.01 {
		t.Errorf("mean track length = %.4f, want %.4f", mean, want)
	}
}

func TestRunHistories_PureScatterer(t *testing.T) {
	s := newSlab(t, WithThickness(0.5), WithScatterRatio(1))
	s.SetSeed(1)
	if err := s.RunHistories(5000); err != nil {
		t.Fatal(err)
	}
	if tally := s.Tally(); tally.Absorbed != 0 {
		t.Errorf("pure scatterer absorbed %d particles", tally.Absorbed)
	}
}

func TestTally_Add(t *testing.T) {
	a := Tally{Histories: 3, Transmitted: 1, Reflected: 1, Absorbed: 1, TrackLength: 1.5}
	a.Add(Tally{Histories: 2, Transmitted: 2, TrackLength: 0.25})
	want := Tally{Histories: 5, Transmitted: 3, Reflected: 1, Absorbed: 1, TrackLength: 1.75}
	if a != want {
		t.Errorf("Add() = %+v, want %+v", a, want)
	}
}
