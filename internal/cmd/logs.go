package cmd

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Iron-Ham/parallelmc/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View worker rank output",
	Long: `Merge the output files written by worker ranks (<output_base><rank>.out)
into one timeline and filter it.

The coordinator's diagnostics go to the console and are not included.

Examples:
  # Show the last 50 lines across all workers
  parallelmc logs

  # Show everything rank 2 logged during the barrier phase
  parallelmc logs --rank 2 --phase barrier -n 0

  # Warnings and errors from the last ten minutes as CSV
  parallelmc logs --level warn --since 10m --format csv

  # Search messages
  parallelmc logs --grep "barrier|reduce"`,
	RunE: runLogs,
}

var (
	logsTail   int
	logsRank   int
	logsLevel  string
	logsPhase  string
	logsSince  string
	logsGrep   string
	logsFormat string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().String("output-base", "", "Worker output base name (default from logging.output_base)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().IntVar(&logsRank, "rank", -1, "Only show this rank (default: all workers)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Filter by phase (construct, seeds, run, barrier, reduce)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter messages matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json, csv")
}

func runLogs(cmd *cobra.Command, args []string) error {
	// logging.output_base is bound to run's flag, not this one
	base := viper.GetString("logging.output_base")
	if cmd.Flags().Changed("output-base") {
		base, _ = cmd.Flags().GetString("output-base")
	}
	if base == "" {
		return fmt.Errorf("no output base configured")
	}

	filter := logging.LogFilter{
		Level: logsLevel,
		Phase: logsPhase,
	}
	if logsRank >= 0 {
		rank := logsRank
		filter.Rank = &rank
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.StartTime = time.Now().Add(-d)
	}

	var grepRegex *regexp.Regexp
	if logsGrep != "" {
		var err error
		grepRegex, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid --grep pattern: %w", err)
		}
	}

	entries, err := logging.AggregateRankLogs(base)
	if err != nil {
		return err
	}
	entries = selectLogEntries(entries, filter, grepRegex, logsTail)

	return logging.WriteLogEntries(cmd.OutOrStdout(), entries, logsFormat)
}

// selectLogEntries applies the filter and the message pattern, then keeps
// the last tail entries. tail <= 0 keeps everything.
func selectLogEntries(entries []logging.LogEntry, filter logging.LogFilter, grep *regexp.Regexp, tail int) []logging.LogEntry {
	entries = logging.FilterLogs(entries, filter)
	if grep != nil {
		matched := entries[:0:0]
		for _, e := range entries {
			if grep.MatchString(e.Message) {
				matched = append(matched, e)
			}
		}
		entries = matched
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	return entries
}
