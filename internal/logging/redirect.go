package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// OutputSuffix is appended to the base name and rank of every worker
// output file.
const OutputSuffix = ".out"

// OutputPath returns the per-rank output file name: base, then the rank in
// decimal, then OutputSuffix. "logs/run" and rank 3 give "logs/run3.out".
func OutputPath(base string, rank int) string {
	return base + strconv.Itoa(rank) + OutputSuffix
}

// RankOutput is a worker rank's redirected diagnostic output. It is acquired
// when the process group is constructed and released when the group is
// closed; nothing else in the process writes to it.
type RankOutput struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenRankOutput creates (truncating) the output file for rank, creating the
// parent directory of base if it does not exist.
func OpenRankOutput(base string, rank int) (*RankOutput, error) {
	if base == "" {
		return nil, fmt.Errorf("output base name is required")
	}
	path := OutputPath(base, rank)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open rank output: %w", err)
	}
	return &RankOutput{path: path, file: file}, nil
}

// Path returns the file the output is redirected to.
func (o *RankOutput) Path() string { return o.path }

// Write implements io.Writer. Writes after Close fail with os.ErrClosed.
func (o *RankOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return 0, os.ErrClosed
	}
	return o.file.Write(p)
}

// Close syncs and closes the file. It is safe to call more than once.
func (o *RankOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	f := o.file
	o.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync rank output: %w", err)
	}
	return f.Close()
}
