// Package logging provides structured logging for parallelmc ranks.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// rank and phase attributes. Every rank of a process group logs through a
// [Logger]; worker ranks point theirs at a [RankOutput] so that each
// worker's diagnostics land in a file of its own while the coordinator keeps
// the console.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger := logging.New(os.Stderr, "INFO").WithRank(0, 4)
//	logger.Info("seed table", "rank", 1, "seed", 912873)
//
// # Per-Rank Output
//
// A worker rank redirects its diagnostics for the lifetime of the process
// group:
//
//	out, err := logging.OpenRankOutput("logs/rank", 3) // logs/rank3.out
//	if err != nil {
//	    return err
//	}
//	defer out.Close()
//	logger := logging.New(out, "INFO").WithRank(3, 4)
//
// # Reading Worker Output
//
// [AggregateRankLogs] merges every <base><rank>.out file into one timeline;
// [FilterLogs] and [WriteLogEntries] narrow and print it:
//
//	entries, err := logging.AggregateRankLogs("logs/rank")
//	entries = logging.FilterLogs(entries, logging.LogFilter{Level: "WARN"})
//	err = logging.WriteLogEntries(os.Stdout, entries, "text")
//
// # Testing
//
// For testing, use [NopLogger] to discard all log output.
//
// # Log Levels
//
//   - [LevelDebug]: Detailed information for debugging
//   - [LevelInfo]: General operational information (default)
//   - [LevelWarn]: Warning conditions that may need attention
//   - [LevelError]: Error conditions that affect functionality
//
// Use [ValidLevels] to get the list of valid level strings, and [ParseLevel]
// to normalize user-provided level strings.
package logging
