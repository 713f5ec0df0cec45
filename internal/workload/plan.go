// Package workload turns a requested total number of histories into this
// rank's share and hands that share to the simulation engine.
package workload

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Iron-Ham/parallelmc/internal/errors"
)

// MaxCount is the largest count the engine's int32 parameter accepts.
const MaxCount = math.MaxInt32

// Mode selects how a total is spread over the group.
type Mode int

const (
	// EvenSplit divides the total over the ranks; the coordinator absorbs
	// the remainder.
	EvenSplit Mode = iota
	// Replicate runs the full total on every rank.
	Replicate
)

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case EvenSplit:
		return "split"
	case Replicate:
		return "replicate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name as written in configuration or on the
// command line.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "split", "even-split", "even", "distribute":
		return EvenSplit, nil
	case "replicate", "replicated":
		return Replicate, nil
	default:
		return 0, errors.NewValidationError("unknown distribution mode").WithField("mode").WithValue(s)
	}
}

// Plan is one rank's view of a run.
type Plan struct {
	TotalRequested   float64
	Mode             Mode
	Size             int
	Rank             int
	CoordinatorCount int64
	WorkerCount      int64
	// PerRank is the count this rank hands to the engine.
	PerRank int64
	// LogicalTotal is the number of histories the whole group simulates.
	LogicalTotal float64
}

// NewPlan computes the plan for rank of a group of size.
//
// The overflow check covers both the coordinator and the worker count, so
// every rank reaches the same verdict and the group aborts together.
func NewPlan(total float64, mode Mode, size, rank int) (Plan, error) {
	if size < 1 {
		return Plan{}, errors.NewValidationError("group size must be at least 1").WithField("size").WithValue(size)
	}
	if rank < 0 || rank >= size {
		return Plan{}, errors.NewValidationError("rank out of range").WithField("rank").WithValue(rank)
	}
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 || total != math.Trunc(total) {
		return Plan{}, errors.NewValidationError("event total must be a non-negative whole number").WithField("events").WithValue(total)
	}

	p := Plan{TotalRequested: total, Mode: mode, Size: size, Rank: rank}

	var coordinator, worker float64
	switch mode {
	case EvenSplit:
		worker = math.Floor(total / float64(size))
		coordinator = total - worker*float64(size-1)
		p.LogicalTotal = total
	case Replicate:
		worker, coordinator = total, total
		p.LogicalTotal = total * float64(size)
	default:
		return Plan{}, errors.NewValidationError("unknown distribution mode").WithField("mode").WithValue(int(mode))
	}

	for _, c := range []struct {
		role  string
		count float64
	}{{"coordinator", coordinator}, {"worker", worker}} {
		if c.count > MaxCount {
			return Plan{}, errors.NewGroupError(
				fmt.Sprintf("%s count exceeds the engine's 32-bit limit", c.role),
				errors.ErrCountOverflow,
			).WithRank(rank).WithOp("run").WithValue(formatCount(c.count)).WithLimit(MaxCount)
		}
	}

	p.CoordinatorCount = int64(coordinator)
	p.WorkerCount = int64(worker)
	p.PerRank = p.WorkerCount
	if rank == 0 {
		p.PerRank = p.CoordinatorCount
	}
	return p, nil
}

func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
