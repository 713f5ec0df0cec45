// Package group owns a rank's membership in a parallelmc process group.
//
// A ProcessGroup is constructed once per process, right after the messaging
// layer is up. Construction redirects worker diagnostics to a per-rank file,
// draws the seed table on the coordinator and scatters it, and seeds the
// local engine. Afterwards the group offers the barrier and the reductions
// the run needs, and Close releases everything construction acquired.
package group

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/logging"
	"github.com/Iron-Ham/parallelmc/internal/seed"
)

const tracerName = "github.com/Iron-Ham/parallelmc/internal/group"

// Config holds everything New needs.
type Config struct {
	// Comm is the initialized messaging layer. Rank and size come from it.
	Comm comm.Communicator

	// OutputBase is the prefix of worker output files: <base><rank>.out.
	// Required for every rank except the coordinator.
	OutputBase string

	// Uniform is the coordinator's source for seed draws. Nil means
	// seed.NewSource(MasterSeed).
	Uniform    seed.Uniform
	MasterSeed int64
	// MaxSeedRetries caps the redraw passes; zero or less means
	// seed.DefaultMaxRetries.
	MaxSeedRetries int

	// Engine is seeded with this rank's entry of the table. May be nil.
	Engine seed.Engine

	LogLevel string
	// Console receives the coordinator's diagnostics. Nil means os.Stderr.
	Console io.Writer

	// Registry tracks the live group of this process. Nil means the
	// package default.
	Registry *Registry
}

// ProcessGroup is this process's handle on the group. It is immutable after
// New returns and safe for concurrent use, although collectives must still
// be issued in the same order on every rank.
type ProcessGroup struct {
	comm comm.Communicator
	rank int
	size int

	seed  int64
	table seed.Table

	console io.Writer
	output  *logging.RankOutput
	logger  *logging.Logger
	tracer  trace.Tracer

	registry  *Registry
	closeOnce sync.Once
	closeErr  error
}

// New constructs the group. At most one group may be live per registry: a
// second construction aborts the live group and fails with a fatal
// ErrGroupExists.
func New(ctx context.Context, cfg Config) (*ProcessGroup, error) {
	if cfg.Comm == nil {
		return nil, errors.NewValidationError("a communicator is required").WithField("comm")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = defaultRegistry
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "group.New", trace.WithAttributes(
		attribute.Int("parallelmc.rank", cfg.Comm.Rank()),
		attribute.Int("parallelmc.size", cfg.Comm.Size()),
	))
	defer span.End()

	if live, ok := reg.reserve(); !ok {
		err := errors.NewGroupError("the process group was constructed twice", errors.ErrGroupExists).
			WithRank(cfg.Comm.Rank()).WithOp("construct")
		if live != nil {
			_ = live.comm.Abort(ctx, err)
		}
		_ = cfg.Comm.Abort(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "double construction")
		return nil, err
	}

	g, err := construct(ctx, cfg, tracer)
	if err != nil {
		reg.release()
		span.RecordError(err)
		span.SetStatus(codes.Error, "construction failed")
		return nil, err
	}
	g.registry = reg
	reg.publish(g)
	return g, nil
}

func construct(ctx context.Context, cfg Config, tracer trace.Tracer) (*ProcessGroup, error) {
	g := &ProcessGroup{
		comm:    cfg.Comm,
		rank:    cfg.Comm.Rank(),
		size:    cfg.Comm.Size(),
		console: cfg.Console,
		tracer:  tracer,
	}
	if g.console == nil {
		g.console = os.Stderr
	}

	if g.IsCoordinator() {
		g.logger = logging.New(g.console, cfg.LogLevel).WithRank(g.rank, g.size)
	} else {
		out, err := logging.OpenRankOutput(cfg.OutputBase, g.rank)
		if err != nil {
			cause := errors.NewGroupError("redirect worker output", err).WithRank(g.rank).WithOp("construct")
			_ = g.comm.Abort(ctx, cause)
			return nil, cause
		}
		g.output = out
		g.logger = logging.New(out, cfg.LogLevel).WithRank(g.rank, g.size)
	}

	if err := g.assignSeeds(ctx, cfg); err != nil {
		if g.output != nil {
			_ = g.output.Close()
		}
		return nil, err
	}

	g.logger.WithPhase("construct").Info("process group ready", "coordinator", g.IsCoordinator())
	return g, nil
}

// assignSeeds draws the table on the coordinator, scatters it, and seeds the
// local engine with this rank's entry.
func (g *ProcessGroup) assignSeeds(ctx context.Context, cfg Config) error {
	log := g.logger.WithPhase("seeds")

	var table seed.Table
	if g.IsCoordinator() {
		src := cfg.Uniform
		if src == nil {
			src = seed.NewSource(cfg.MasterSeed)
		}
		var opts []seed.Option
		if cfg.MaxSeedRetries > 0 {
			opts = append(opts, seed.WithMaxRetries(cfg.MaxSeedRetries))
		}

		var err error
		table, err = seed.NewAllocator(src, opts...).Generate(g.size)
		if err != nil {
			log.Error("seed generation failed", "error", err.Error())
			return g.Abort(ctx, err)
		}
		log.Info("seed table", "seeds", []int64(table), "master_seed", cfg.MasterSeed)
	}

	own, err := g.comm.ScatterSeeds(ctx, table)
	if err != nil {
		return errors.Wrap(err, "distribute seeds")
	}
	g.seed = own
	g.table = table
	if cfg.Engine != nil {
		cfg.Engine.SetSeed(own)
	}
	log.Debug("engine seeded", "seed", own)
	return nil
}

// Size returns the number of ranks.
func (g *ProcessGroup) Size() int { return g.size }

// Rank returns this process's rank.
func (g *ProcessGroup) Rank() int { return g.rank }

// IsCoordinator reports whether this is rank 0.
func (g *ProcessGroup) IsCoordinator() bool { return g.rank == comm.CoordinatorRank }

// Seed returns this rank's seed.
func (g *ProcessGroup) Seed() int64 { return g.seed }

// Seeds returns a copy of the full seed table on the coordinator and nil on
// every other rank.
func (g *ProcessGroup) Seeds() seed.Table { return slices.Clone(g.table) }

// Logger returns the group's logger, already tagged with rank and size.
func (g *ProcessGroup) Logger() *logging.Logger { return g.logger }

// Output returns where this rank's diagnostics go: the console on the
// coordinator and the per-rank file elsewhere.
func (g *ProcessGroup) Output() io.Writer {
	if g.output != nil {
		return g.output
	}
	return g.console
}

// OutputPath returns the worker output file, or "" on the coordinator.
func (g *ProcessGroup) OutputPath() string {
	if g.output == nil {
		return ""
	}
	return g.output.Path()
}

// Barrier blocks until every rank has reached the barrier with the same
// call count, then logs the arrival under tag.
func (g *ProcessGroup) Barrier(ctx context.Context, tag string) error {
	ctx, span := g.startSpan(ctx, "group.Barrier", attribute.String("parallelmc.barrier", tag))
	defer span.End()

	if err := g.comm.Barrier(ctx); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "barrier %q", tag)
	}
	g.logger.WithPhase("barrier").Info("all ranks reached barrier", "tag", tag)
	return nil
}

// ReduceSumInt sums v over every rank. The coordinator receives the sum;
// other ranks receive 0.
func (g *ProcessGroup) ReduceSumInt(ctx context.Context, v int64) (int64, error) {
	ctx, span := g.startSpan(ctx, "group.ReduceSumInt")
	defer span.End()

	sum, err := g.comm.ReduceInt64(ctx, comm.OpSum, v)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "reduce int sum")
	}
	return sum, nil
}

// ReduceSumFloat is ReduceSumInt for floating point values.
func (g *ProcessGroup) ReduceSumFloat(ctx context.Context, v float64) (float64, error) {
	ctx, span := g.startSpan(ctx, "group.ReduceSumFloat")
	defer span.End()

	sum, err := g.comm.ReduceFloat64(ctx, comm.OpSum, v)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "reduce float sum")
	}
	return sum, nil
}

// ReduceMaxFloat returns the largest v over every rank at the coordinator
// and 0 elsewhere.
func (g *ProcessGroup) ReduceMaxFloat(ctx context.Context, v float64) (float64, error) {
	ctx, span := g.startSpan(ctx, "group.ReduceMaxFloat")
	defer span.End()

	m, err := g.comm.ReduceFloat64(ctx, comm.OpMax, v)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "reduce float max")
	}
	return m, nil
}

// Abort broadcasts a group-wide abort and returns the fatal error the
// caller should surface. It never recovers: every rank's pending and future
// collectives fail.
func (g *ProcessGroup) Abort(ctx context.Context, cause error) error {
	g.logger.Error("aborting process group", "cause", fmt.Sprint(cause))
	if err := g.comm.Abort(ctx, cause); err != nil {
		g.logger.Warn("abort broadcast failed", "error", err.Error())
	}

	var ge *errors.GroupError
	if errors.As(cause, &ge) {
		return cause
	}
	return errors.NewGroupError("process group aborted", cause).WithRank(g.rank).WithOp("abort")
}

// Close releases the redirected output and the messaging layer and
// unregisters the group. Only the first call does any work.
func (g *ProcessGroup) Close() error {
	g.closeOnce.Do(func() {
		g.logger.WithPhase("close").Debug("closing process group")

		var errs []error
		if g.output != nil {
			if err := g.output.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := g.comm.Close(); err != nil {
			errs = append(errs, err)
		}
		if g.registry != nil {
			g.registry.unregister(g)
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

func (g *ProcessGroup) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int("parallelmc.rank", g.rank))
	return g.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
