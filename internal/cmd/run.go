package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/engine"
	"github.com/Iron-Ham/parallelmc/internal/group"
	"github.com/Iron-Ham/parallelmc/internal/logging"
	"github.com/Iron-Ham/parallelmc/internal/telemetry"
	"github.com/Iron-Ham/parallelmc/internal/workload"
)

// telemetryFlushTimeout bounds how long a finished rank waits for spans to
// be exported.
const telemetryFlushTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one rank of a process group",
	Long: `Run one rank of a process group.

The rank and group size are read from PARALLELMC_RANK and PARALLELMC_SIZE,
falling back to the variables set by Open MPI (OMPI_COMM_WORLD_*) and PMI
launchers. Without any of them the process runs as a group of one.

Rank 0 writes diagnostics and the final summary to the terminal; every other
rank writes its diagnostics to <output-base><rank>.out.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runJSON bool // Output the summary as JSON
)

func init() {
	runCmd.Flags().Float64P("events", "e", 1000, "number of histories requested")
	runCmd.Flags().StringP("mode", "m", "split", "workload distribution: split or replicate")
	runCmd.Flags().String("output-base", "parallelmc", "prefix of worker output files")
	runCmd.Flags().Int("threads", 0, "engine goroutines per rank (0 means GOMAXPROCS)")
	runCmd.Flags().Int64("master-seed", 0, "make the seed table reproducible (0 draws a fresh one)")
	runCmd.Flags().String("transport", "auto", "messaging layer: auto, inproc, file or grpc")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the run summary as JSON")

	_ = viper.BindPFlag("run.events", runCmd.Flags().Lookup("events"))
	_ = viper.BindPFlag("run.mode", runCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("run.threads", runCmd.Flags().Lookup("threads"))
	_ = viper.BindPFlag("logging.output_base", runCmd.Flags().Lookup("output-base"))
	_ = viper.BindPFlag("seeds.master_seed", runCmd.Flags().Lookup("master-seed"))
	_ = viper.BindPFlag("group.transport", runCmd.Flags().Lookup("transport"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	launch, err := config.ParseLaunchEnv()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := telemetry.Setup(ctx, "parallelmc", launch.Rank, launch.Size, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	r := &rankRun{
		cfg:    cfg,
		launch: launch,
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
		json:   runJSON,
	}
	return r.execute(ctx)
}

// rankRun is one rank's run from transport setup to the final summary.
type rankRun struct {
	cfg    *config.Config
	launch config.Launch
	stdout io.Writer
	stderr io.Writer
	json   bool

	// registry overrides the process-wide group registry.
	registry *group.Registry
}

func (r *rankRun) execute(ctx context.Context) error {
	cfg := r.cfg
	mode, err := workload.ParseMode(cfg.Run.Mode)
	if err != nil {
		return err
	}
	slab, err := engine.NewSlab(
		engine.WithThickness(cfg.Engine.Thickness),
		engine.WithScatterRatio(cfg.Engine.ScatterRatio),
		engine.WithThreads(cfg.Run.Threads),
	)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	bootLog := logging.New(r.stderr, level).WithRank(r.launch.Rank, r.launch.Size).WithPhase("startup")
	c, err := openCommunicator(ctx, cfg, r.launch, bootLog)
	if err != nil {
		return err
	}

	g, err := group.New(ctx, group.Config{
		Comm:           c,
		OutputBase:     cfg.Logging.OutputBase,
		MasterSeed:     cfg.Seeds.MasterSeed,
		MaxSeedRetries: cfg.Seeds.MaxRetries,
		Engine:         slab,
		LogLevel:       level,
		Console:        r.stderr,
		Registry:       r.registry,
	})
	if err != nil {
		_ = c.Close()
		return err
	}
	defer func() { _ = g.Close() }()

	started := time.Now()
	plan, err := workload.NewDistributor(g, slab, workload.WithLogger(g.Logger())).Run(ctx, cfg.Run.Events, mode)
	if err != nil {
		return err
	}
	if err := g.Barrier(ctx, "end of run"); err != nil {
		return err
	}
	wall := time.Since(started).Seconds()

	summary, err := reduceSummary(ctx, g, plan, slab.Tally(), wall)
	if err != nil {
		return err
	}
	if g.IsCoordinator() {
		if r.json {
			if err := writeSummaryJSON(r.stdout, summary); err != nil {
				return err
			}
		} else {
			renderSummary(r.stdout, summary)
		}
	}
	return g.Close()
}

// reduceSummary sums every rank's tally onto the coordinator. Workers get a
// summary with zero totals back. Every rank must call it.
func reduceSummary(ctx context.Context, g *group.ProcessGroup, plan workload.Plan, local engine.Tally, wall float64) (runSummary, error) {
	var total engine.Tally
	var err error
	for _, f := range []struct {
		dst *int64
		v   int64
	}{
		{&total.Histories, local.Histories},
		{&total.Transmitted, local.Transmitted},
		{&total.Reflected, local.Reflected},
		{&total.Absorbed, local.Absorbed},
	} {
		if *f.dst, err = g.ReduceSumInt(ctx, f.v); err != nil {
			return runSummary{}, err
		}
	}
	if total.TrackLength, err = g.ReduceSumFloat(ctx, local.TrackLength); err != nil {
		return runSummary{}, err
	}
	slowest, err := g.ReduceMaxFloat(ctx, wall)
	if err != nil {
		return runSummary{}, err
	}

	return runSummary{
		Size:         g.Size(),
		Mode:         plan.Mode.String(),
		Requested:    plan.TotalRequested,
		LogicalTotal: plan.LogicalTotal,
		Seeds:        g.Seeds(),
		Tally:        total,
		WallSeconds:  slowest,
	}, nil
}
