// Package launcher starts every rank of a process group on the local
// machine, the way mpirun does for a single host.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/logging"
)

// DefaultWaitDelay is how long a killed rank may take to release its output
// pipes before Run stops waiting for it.
const DefaultWaitDelay = 5 * time.Second

// Config describes one launch.
type Config struct {
	// Size is the number of ranks to start.
	Size int
	// Executable is the program every rank runs; Args are its arguments.
	Executable string
	Args       []string
	// Env is added to the launcher's own environment for every rank, after
	// which PARALLELMC_RANK and PARALLELMC_SIZE are set.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer

	WaitDelay time.Duration
	Logger    *logging.Logger
}

// RankError reports the rank whose process failed first.
type RankError struct {
	Rank int
	Err  error
}

func (e *RankError) Error() string {
	return fmt.Sprintf("rank %d: %v", e.Rank, e.Err)
}

func (e *RankError) Unwrap() error { return e.Err }

// ExitCode returns the rank's exit status, or -1 if it did not exit
// normally.
func (e *RankError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Launcher starts and supervises the ranks of one group.
type Launcher struct {
	cfg    Config
	logger *logging.Logger
}

// New validates cfg and returns a Launcher.
func New(cfg Config) (*Launcher, error) {
	if cfg.Size < 1 {
		return nil, errors.NewValidationError("group size must be at least 1").
			WithField("size").WithValue(cfg.Size)
	}
	if cfg.Executable == "" {
		return nil, errors.NewValidationError("executable is required").WithField("executable")
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Launcher{cfg: cfg, logger: logger.WithPhase("launch")}, nil
}

// Run starts all ranks and waits for them. When any rank exits with an
// error the remaining ranks are killed and that first failure is returned
// as a *RankError. Cancelling ctx kills every rank.
func (l *Launcher) Run(ctx context.Context) error {
	stdout := &lockedWriter{w: l.cfg.Stdout}
	stderr := &lockedWriter{w: l.cfg.Stderr}
	if l.cfg.Stdout == l.cfg.Stderr {
		stderr = stdout
	}

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	started := time.Now()
	for rank := range l.cfg.Size {
		p.Go(func(ctx context.Context) error {
			return l.runRank(ctx, rank, stdout, stderr)
		})
	}
	err := p.Wait()

	if err != nil {
		l.logger.Error("group failed", "error", err.Error(), "elapsed", time.Since(started).String())
		return err
	}
	l.logger.Info("group finished", "size", l.cfg.Size, "elapsed", time.Since(started).String())
	return nil
}

func (l *Launcher) runRank(ctx context.Context, rank int, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, l.cfg.Executable, l.cfg.Args...)
	cmd.Dir = l.cfg.Dir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Env = append(cmd.Env,
		config.EnvRank+"="+strconv.Itoa(rank),
		config.EnvSize+"="+strconv.Itoa(l.cfg.Size),
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = l.cfg.WaitDelay

	if err := cmd.Start(); err != nil {
		return &RankError{Rank: rank, Err: fmt.Errorf("failed to start: %w", err)}
	}
	l.logger.Debug("rank started", "rank", rank, "pid", cmd.Process.Pid)

	if err := cmd.Wait(); err != nil {
		// A rank killed because a sibling failed is not the cause.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RankError{Rank: rank, Err: err}
	}
	l.logger.Debug("rank exited", "rank", rank)
	return nil
}

// lockedWriter serializes writes from the ranks' output copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
