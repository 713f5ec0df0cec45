package workload

import (
	"context"

	"github.com/Iron-Ham/parallelmc/internal/logging"
)

// Engine runs simulation histories. RunHistories blocks until all count
// histories of this rank are done.
type Engine interface {
	RunHistories(count int32) error
}

// Group is the part of a process group the distributor needs.
type Group interface {
	Rank() int
	Size() int
	IsCoordinator() bool
	// Abort tears the whole group down and returns the fatal error to
	// surface.
	Abort(ctx context.Context, cause error) error
}

// Distributor dispatches a run to the local engine.
type Distributor struct {
	group  Group
	engine Engine
	logger *logging.Logger
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithLogger sets the logger used for the per-run announcement.
func WithLogger(l *logging.Logger) Option {
	return func(d *Distributor) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDistributor returns a distributor running engine on behalf of g.
func NewDistributor(g Group, engine Engine, opts ...Option) *Distributor {
	d := &Distributor{group: g, engine: engine, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run plans this rank's share of total and runs it. If the plan is invalid
// the whole group is aborted and the engine is never invoked. An engine
// failure also aborts the group.
func (d *Distributor) Run(ctx context.Context, total float64, mode Mode) (Plan, error) {
	plan, err := NewPlan(total, mode, d.group.Size(), d.group.Rank())
	if err != nil {
		d.logger.Error("invalid workload", "events", total, "mode", mode.String(), "error", err.Error())
		return Plan{}, d.group.Abort(ctx, err)
	}

	if d.group.IsCoordinator() {
		d.logger.Info("event counts",
			"mode", plan.Mode.String(),
			"coordinator_events", plan.CoordinatorCount,
			"worker_events", plan.WorkerCount,
			"logical_total", plan.LogicalTotal,
		)
	}

	log := d.logger.WithPhase("run")
	log.Debug("running histories", "count", plan.PerRank)
	if err := d.engine.RunHistories(int32(plan.PerRank)); err != nil {
		log.Error("engine failed", "error", err.Error())
		// Peers would otherwise wait forever at the next collective.
		return plan, d.group.Abort(ctx, err)
	}
	log.Debug("histories complete", "count", plan.PerRank)
	return plan, nil
}
