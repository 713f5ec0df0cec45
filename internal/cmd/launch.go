package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/launcher"
	"github.com/Iron-Ham/parallelmc/internal/logging"
)

var launchCmd = &cobra.Command{
	Use:   "launch [flags] [-- command args...]",
	Short: "Start every rank of a group on this machine",
	Long: `Start every rank of a group on this machine, like mpirun on one host.

The arguments after -- are the command every rank runs. When they are
omitted, or start with a parallelmc subcommand, this binary is used:

  parallelmc launch -n 4 -- run --events 100000
  parallelmc launch -n 2 --transport grpc -- run -m replicate

If any rank fails, the others are stopped and launch exits with that rank's
status.`,
	RunE: runLaunch,
}

var (
	launchSize       int    // Number of ranks
	launchTransport  string // Transport override for the children
	launchExecutable string // Program to run instead of this binary
	launchKeepRunDir bool   // Keep the file transport's run directory
	launchLogFile    string // Write launcher logs here instead of stderr
)

func init() {
	launchCmd.Flags().IntVarP(&launchSize, "np", "n", 2, "number of ranks to start")
	launchCmd.Flags().StringVar(&launchTransport, "transport", "", "messaging layer for the group (default from config)")
	launchCmd.Flags().StringVar(&launchExecutable, "exec", "", "program every rank runs (default is this binary)")
	launchCmd.Flags().BoolVar(&launchKeepRunDir, "keep-run-dir", false, "keep the file transport's run directory afterwards")
	launchCmd.Flags().StringVar(&launchLogFile, "log-file", "", "append the launcher's own logs to this file")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if launchTransport != "" {
		cfg.Group.Transport = launchTransport
	}

	exe := launchExecutable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to locate parallelmc: %w", err)
		}
	}
	if len(args) == 0 {
		args = []string{"run"}
	}

	plan, err := planLaunch(cfg, launchSize, time.Now())
	if err != nil {
		return err
	}
	if plan.runDir != "" && !launchKeepRunDir {
		defer func() { _ = os.RemoveAll(plan.runDir) }()
	}

	logger, err := launchLogger(launchLogFile, logging.ParseLevel(cfg.Logging.Level), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	l, err := launcher.New(launcher.Config{
		Size:       launchSize,
		Executable: exe,
		Args:       args,
		Env:        plan.env,
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return l.Run(ctx)
}

// launchLogger returns the launcher's logger: JSON lines appended to path, or
// to stderr when path is empty.
func launchLogger(path, level string, stderr io.Writer) (*logging.Logger, error) {
	if path == "" {
		return logging.New(stderr, level), nil
	}
	return logging.NewFileLogger(path, level)
}

// launchPlan is what every child needs to find the rest of the group.
type launchPlan struct {
	transport string
	runDir    string
	env       []string
}

// planLaunch resolves the transport for a group of size and builds the
// environment handed to every rank. The file transport gets a fresh run
// directory so rounds left over from an earlier launch are never read.
func planLaunch(cfg *config.Config, size int, now time.Time) (launchPlan, error) {
	if size < 1 {
		return launchPlan{}, errors.NewValidationError("group size must be at least 1").
			WithField("np").WithValue(size)
	}

	p := launchPlan{transport: cfg.Group.ResolveTransport(size)}
	switch p.transport {
	case config.TransportInProc:
		if size != 1 {
			return launchPlan{}, errors.NewValidationError("the inproc transport only runs a group of one").
				WithField("group.transport").WithValue(size)
		}
	case config.TransportFile:
		p.runDir = filepath.Join(cfg.Group.RunDir, fmt.Sprintf("launch-%d-%d", os.Getpid(), now.UnixNano()))
		p.env = append(p.env, envKey("group.run_dir")+"="+p.runDir)
	case config.TransportGRPC:
		p.env = append(p.env, envKey("group.address")+"="+cfg.Group.Address)
	default:
		return launchPlan{}, errors.NewValidationError("unknown transport").
			WithField("group.transport").WithValue(p.transport)
	}
	p.env = append(p.env, envKey("group.transport")+"="+p.transport)
	return p, nil
}
