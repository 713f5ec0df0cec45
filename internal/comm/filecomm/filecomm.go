// Package filecomm runs a process group over a shared run directory. It suits
// ranks on a single host that were started by the parallelmc launcher.
//
// A run directory may be reused by many runs, so every run works inside a
// generation directory of its own. On its first collective a worker writes
// join/rank-<r>.json carrying a random nonce and waits for the GENERATION
// file to list that nonce. The coordinator removes whatever earlier runs left
// behind, waits for a join request from every worker, creates gen-<id> and
// then publishes GENERATION. A worker never adopts a generation that does not
// name its own nonce, so files from earlier runs are never read.
//
// Each collective round is a directory named <kind>-<seq> inside the
// generation. A rank contributes by writing rank-<r>.json into the round
// directory. The file is written to a hidden temp name first and renamed, so
// readers never see a partial file. Aborting creates an ABORT file in the
// generation, which every waiting rank checks on each poll.
package filecomm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/errors"
)

const (
	// AbortFile is the marker Abort creates in the generation directory.
	AbortFile = "ABORT"

	// GenerationFile names the generation the coordinator opened last.
	GenerationFile = "GENERATION"

	// DefaultPollInterval is how often a waiting rank re-reads a round
	// directory when no filesystem event arrives first.
	DefaultPollInterval = 20 * time.Millisecond

	// DefaultAbortTimeout bounds how long Abort waits to join a generation.
	DefaultAbortTimeout = 10 * time.Second

	joinDir          = "join"
	generationPrefix = "gen-"
	rankFilePrefix   = "rank-"
	rankFileSuffix   = ".json"
)

// joinRecord is a worker's request to take part in the next generation.
// Abort carries the cause of a worker that failed before joining.
type joinRecord struct {
	Nonce string `json:"nonce"`
	Abort string `json:"abort,omitempty"`
}

// generationRecord is the coordinator's answer: the generation directory
// and the nonce admitted for every rank.
type generationRecord struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Config describes one rank's view of a shared run directory.
type Config struct {
	// Fs is the filesystem holding the run directory. Nil means the OS
	// filesystem.
	Fs afero.Fs
	// Dir is the run directory shared by every rank.
	Dir  string
	Rank int
	Size int
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// AbortTimeout defaults to DefaultAbortTimeout.
	AbortTimeout time.Duration
}

// Comm is one rank of a group coordinated through a shared directory.
type Comm struct {
	fs           afero.Fs
	dir          string
	rank         int
	size         int
	poll         time.Duration
	abortTimeout time.Duration
	nonce        string

	watcher *fsnotify.Watcher
	wake    chan struct{}
	stopCh  chan struct{}

	joinMu sync.Mutex

	mu     sync.Mutex
	seq    comm.Sequencer
	gen    string
	closed bool
}

var _ comm.Communicator = (*Comm)(nil)

// New validates cfg, creates the run directory if needed, and returns the
// rank's communicator. On the OS filesystem it also starts an fsnotify
// watcher so waiting ranks wake as soon as a peer writes.
func New(cfg Config) (*Comm, error) {
	if cfg.Size < 1 {
		return nil, errors.NewValidationError("group size must be at least 1").WithField("size").WithValue(cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, errors.NewValidationError("rank out of range").WithField("rank").WithValue(cfg.Rank)
	}
	if cfg.Dir == "" {
		return nil, errors.NewValidationError("run directory is required").WithField("dir")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultAbortTimeout
	}

	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrTransport, fmt.Sprintf("create run directory %s: %v", cfg.Dir, err))
	}

	c := &Comm{
		fs:           cfg.Fs,
		dir:          cfg.Dir,
		rank:         cfg.Rank,
		size:         cfg.Size,
		poll:         cfg.PollInterval,
		abortTimeout: cfg.AbortTimeout,
		nonce:        uuid.NewString(),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		seq:          comm.Sequencer{},
	}

	if _, ok := cfg.Fs.(*afero.OsFs); ok {
		if err := c.startWatcher(); err != nil {
			// Polling alone is still correct, only slower.
			c.watcher = nil
		}
	}
	return c, nil
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return c.size }

// Dir returns the shared run directory.
func (c *Comm) Dir() string { return c.dir }

// Generation returns the generation directory this rank joined, or "" before
// its first collective.
func (c *Comm) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Barrier implements comm.Communicator. Every rank writes its marker and
// waits until all size markers exist.
func (c *Comm) Barrier(ctx context.Context) error {
	round, err := c.begin(ctx, comm.KindBarrier)
	if err != nil {
		return err
	}
	if err := c.contribute(round, comm.Value{}); err != nil {
		return err
	}
	return c.waitFor(ctx, round, func() (bool, error) {
		n, err := c.countRankFiles(round)
		return n >= c.size, err
	})
}

// ScatterSeeds implements comm.Communicator. The coordinator publishes the
// whole table as its contribution; workers wait for it and keep their entry.
func (c *Comm) ScatterSeeds(ctx context.Context, seeds []int64) (int64, error) {
	if c.rank == comm.CoordinatorRank && len(seeds) != c.size {
		return 0, fmt.Errorf("filecomm: seed table has %d entries for %d ranks", len(seeds), c.size)
	}
	round, err := c.begin(ctx, comm.KindScatter)
	if err != nil {
		return 0, err
	}

	if c.rank == comm.CoordinatorRank {
		if err := c.contribute(round, comm.Value{Seeds: seeds}); err != nil {
			return 0, err
		}
		return seeds[c.rank], nil
	}

	var table comm.Value
	err = c.waitFor(ctx, round, func() (bool, error) {
		v, ok, err := c.readRankFile(round, comm.CoordinatorRank)
		if err != nil || !ok {
			return false, err
		}
		table = v
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if len(table.Seeds) != c.size {
		return 0, fmt.Errorf("filecomm: published seed table has %d entries for %d ranks", len(table.Seeds), c.size)
	}
	return table.Seeds[c.rank], nil
}

// ReduceInt64 implements comm.Communicator.
func (c *Comm) ReduceInt64(ctx context.Context, op comm.Op, v int64) (int64, error) {
	res, err := c.reduce(ctx, comm.KindReduceInt, comm.Value{Op: op, Int: v})
	return res.Int, err
}

// ReduceFloat64 implements comm.Communicator.
func (c *Comm) ReduceFloat64(ctx context.Context, op comm.Op, v float64) (float64, error) {
	res, err := c.reduce(ctx, comm.KindReduceFloat, comm.Value{Op: op, Float: v})
	return res.Float, err
}

// reduce writes this rank's contribution. Workers return immediately with a
// zero value; the coordinator waits for every contribution and combines them.
func (c *Comm) reduce(ctx context.Context, kind comm.Kind, v comm.Value) (comm.Value, error) {
	round, err := c.begin(ctx, kind)
	if err != nil {
		return comm.Value{}, err
	}
	if err := c.contribute(round, v); err != nil {
		return comm.Value{}, err
	}
	if c.rank != comm.CoordinatorRank {
		return comm.Value{}, nil
	}

	err = c.waitFor(ctx, round, func() (bool, error) {
		n, err := c.countRankFiles(round)
		return n >= c.size, err
	})
	if err != nil {
		return comm.Value{}, err
	}

	contributions := make([]comm.Value, c.size)
	for r := range contributions {
		v, ok, err := c.readRankFile(round, r)
		if err != nil {
			return comm.Value{}, err
		}
		if !ok {
			return comm.Value{}, fmt.Errorf("filecomm: contribution of rank %d vanished from %s", r, round)
		}
		contributions[r] = v
	}
	return comm.Combine(kind, contributions)
}

// Abort implements comm.Communicator. A rank that has not joined a
// generation yet joins first, so the cause reaches every rank of this run;
// the wait is bounded by the abort timeout even when ctx is already done.
// The first ABORT file created wins.
func (c *Comm) Abort(ctx context.Context, cause error) error {
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}

	joinCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.abortTimeout)
	defer cancel()
	gen, err := c.join(joinCtx, msg)
	if err != nil {
		return err
	}
	_, err = c.writeAbort(gen, fmt.Sprintf("rank %d: %s", c.rank, msg))
	return err
}

// writeAbort creates the ABORT file of gen exclusively. It reports whether
// this call created it; an existing file is left untouched.
func (c *Comm) writeAbort(gen, msg string) (bool, error) {
	f, err := c.fs.OpenFile(filepath.Join(gen, AbortFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrap(errors.ErrTransport, fmt.Sprintf("create abort marker: %v", err))
	}
	_, werr := f.WriteString(msg)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return true, errors.Wrap(errors.ErrTransport, fmt.Sprintf("write abort marker: %v", werr))
	}
	return true, nil
}

// Close implements comm.Communicator. The run directory is left in place.
func (c *Comm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// begin joins the current generation if needed, allocates the next sequence
// number of kind and creates the round directory.
func (c *Comm) begin(ctx context.Context, kind comm.Kind) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("rank %d %s: %w", c.rank, kind, errors.ErrGroupClosed)
	}
	seq := c.seq.Next(kind)
	c.mu.Unlock()

	gen, err := c.join(ctx, "")
	if err != nil {
		return "", err
	}
	if err := c.checkAbort(); err != nil {
		return "", err
	}

	round := filepath.Join(gen, fmt.Sprintf("%s-%d", kind, seq))
	if err := c.fs.MkdirAll(round, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrTransport, fmt.Sprintf("create round %s: %v", round, err))
	}
	if c.watcher != nil {
		// Best effort; the poll interval still bounds the wait.
		_ = c.watcher.Add(round)
	}
	return round, nil
}

func (c *Comm) contribute(round string, v comm.Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filecomm: marshal contribution: %w", err)
	}
	return c.writeAtomic(filepath.Join(round, rankFileName(c.rank)), data)
}

// writeAtomic writes data to a hidden temp file and renames it into place.
func (c *Comm) writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), c.rank))
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrTransport, fmt.Sprintf("write %s: %v", tmp, err))
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		return errors.Wrap(errors.ErrTransport, fmt.Sprintf("rename %s: %v", path, err))
	}
	return nil
}

func (c *Comm) readRankFile(round string, rank int) (comm.Value, bool, error) {
	data, err := afero.ReadFile(c.fs, filepath.Join(round, rankFileName(rank)))
	if err != nil {
		if os.IsNotExist(err) {
			return comm.Value{}, false, nil
		}
		return comm.Value{}, false, errors.Wrap(errors.ErrTransport, err.Error())
	}
	var v comm.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return comm.Value{}, false, fmt.Errorf("filecomm: decode rank %d contribution: %w", rank, err)
	}
	return v, true, nil
}

func (c *Comm) countRankFiles(round string) (int, error) {
	entries, err := afero.ReadDir(c.fs, round)
	if err != nil {
		return 0, errors.Wrap(errors.ErrTransport, err.Error())
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, rankFilePrefix) && strings.HasSuffix(name, rankFileSuffix) {
			n++
		}
	}
	return n, nil
}

// join admits this rank to a generation once. The coordinator opens a new
// one; workers wait to be admitted. abortCause is passed on by a worker that
// fails before its first collective.
func (c *Comm) join(ctx context.Context, abortCause string) (string, error) {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	if gen := c.Generation(); gen != "" {
		return gen, nil
	}

	var gen string
	var err error
	if c.rank == comm.CoordinatorRank {
		gen, err = c.openGeneration(ctx)
	} else {
		gen, err = c.awaitGeneration(ctx, abortCause)
	}
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.gen = gen
	c.mu.Unlock()
	if c.watcher != nil {
		_ = c.watcher.Add(gen)
	}
	return gen, nil
}

// openGeneration clears the leftovers of earlier runs, waits for a join
// request from every worker and publishes a fresh generation naming them.
// A join request carrying an abort cause is turned into the generation's
// ABORT file, lowest rank first.
func (c *Comm) openGeneration(ctx context.Context) (string, error) {
	if err := c.clearStale(); err != nil {
		return "", err
	}
	requests := filepath.Join(c.dir, joinDir)
	if err := c.fs.MkdirAll(requests, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrTransport, fmt.Sprintf("create %s: %v", requests, err))
	}
	if c.watcher != nil {
		_ = c.watcher.Add(requests)
	}

	records := make([]*joinRecord, c.size)
	err := c.waitFor(ctx, joinDir, func() (bool, error) {
		for r := 1; r < c.size; r++ {
			if records[r] != nil {
				continue
			}
			data, err := afero.ReadFile(c.fs, filepath.Join(requests, rankFileName(r)))
			if err != nil {
				return false, nil
			}
			var rec joinRecord
			if err := json.Unmarshal(data, &rec); err != nil || rec.Nonce == "" {
				return false, nil
			}
			records[r] = &rec
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	record := generationRecord{ID: generationPrefix + c.nonce, Members: make([]string, c.size)}
	record.Members[c.rank] = c.nonce
	gen := filepath.Join(c.dir, record.ID)
	if err := c.fs.MkdirAll(gen, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrTransport, fmt.Sprintf("create generation %s: %v", gen, err))
	}
	for r := 1; r < c.size; r++ {
		record.Members[r] = records[r].Nonce
		if cause := records[r].Abort; cause != "" {
			if _, err := c.writeAbort(gen, fmt.Sprintf("rank %d: %s", r, cause)); err != nil {
				return "", err
			}
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("filecomm: marshal generation: %w", err)
	}
	if err := c.writeAtomic(filepath.Join(c.dir, GenerationFile), data); err != nil {
		return "", err
	}
	return gen, nil
}

// clearStale removes what earlier runs left in the run directory. The
// generation marker goes first so no worker of this run can be admitted to
// an old generation.
func (c *Comm) clearStale() error {
	if err := c.fs.Remove(filepath.Join(c.dir, GenerationFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrTransport, fmt.Sprintf("remove stale generation marker: %v", err))
	}
	entries, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, err.Error())
	}
	for _, e := range entries {
		name := e.Name()
		if name != joinDir && name != AbortFile && !strings.HasPrefix(name, generationPrefix) {
			continue
		}
		if err := c.fs.RemoveAll(filepath.Join(c.dir, name)); err != nil {
			return errors.Wrap(errors.ErrTransport, fmt.Sprintf("remove stale %s: %v", name, err))
		}
	}
	return nil
}

// awaitGeneration keeps this worker's join request in place until the
// coordinator publishes a generation that admits its nonce.
func (c *Comm) awaitGeneration(ctx context.Context, abortCause string) (string, error) {
	request, err := json.Marshal(joinRecord{Nonce: c.nonce, Abort: abortCause})
	if err != nil {
		return "", fmt.Errorf("filecomm: marshal join request: %w", err)
	}
	path := filepath.Join(c.dir, joinDir, rankFileName(c.rank))

	var gen string
	err = c.waitFor(ctx, joinDir, func() (bool, error) {
		// The coordinator clears join requests when it starts.
		if data, err := afero.ReadFile(c.fs, path); err != nil || !bytes.Equal(data, request) {
			if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err == nil {
				_ = c.writeAtomic(path, request)
			}
		}

		data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, GenerationFile))
		if err != nil {
			return false, nil
		}
		var record generationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return false, nil
		}
		if len(record.Members) != c.size || record.Members[c.rank] != c.nonce {
			return false, nil
		}
		if !strings.HasPrefix(record.ID, generationPrefix) || filepath.Base(record.ID) != record.ID {
			return false, fmt.Errorf("filecomm: malformed generation id %q", record.ID)
		}
		gen = filepath.Join(c.dir, record.ID)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return gen, nil
}

// checkAbort returns an error wrapping ErrGroupAborted once any rank has
// created the ABORT file of this rank's generation.
func (c *Comm) checkAbort() error {
	gen := c.Generation()
	if gen == "" {
		return nil
	}
	data, err := afero.ReadFile(c.fs, filepath.Join(gen, AbortFile))
	if err != nil {
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrGroupAborted, strings.TrimSpace(string(data)))
}

// waitFor re-evaluates done until it reports true, the group is aborted, or
// ctx ends.
func (c *Comm) waitFor(ctx context.Context, round string, done func() (bool, error)) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		if err := c.checkAbort(); err != nil {
			return err
		}
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("filecomm: waiting on %s: %w", filepath.Base(round), ctx.Err())
		case <-c.stopCh:
			return fmt.Errorf("rank %d: %w", c.rank, errors.ErrGroupClosed)
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Comm) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.dir); err != nil {
		_ = w.Close()
		return err
	}
	c.watcher = w
	go c.watchLoop(w)
	return nil
}

// watchLoop turns filesystem events into non-blocking wakeups.
func (c *Comm) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case <-c.stopCh:
			return
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			select {
			case c.wake <- struct{}{}:
			default:
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func rankFileName(rank int) string {
	return fmt.Sprintf("%s%d%s", rankFilePrefix, rank, rankFileSuffix)
}
