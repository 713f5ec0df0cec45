package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LogEntry is one parsed line of a rank's JSON diagnostics.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Rank      int            `json:"rank"`
	Phase     string         `json:"phase,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects entries. Zero fields do not filter; criteria combine
// with AND.
type LogFilter struct {
	// Level keeps entries at or above this level (DEBUG < INFO < WARN < ERROR).
	Level string

	StartTime time.Time
	EndTime   time.Time

	// Rank keeps entries of one rank. Nil means every rank.
	Rank *int

	Phase           string
	MessageContains string
}

// levelOrder defines the ordering of log levels for filtering.
var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// RankOutputs returns the worker output files written for base, keyed by
// rank.
func RankOutputs(base string) (map[int]string, error) {
	matches, err := filepath.Glob(escapeGlob(base) + "*" + OutputSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list rank outputs: %w", err)
	}
	// Glob cleans the directory part, so match on file names only.
	prefix := filepath.Base(base)
	outputs := make(map[int]string, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		rank, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), OutputSuffix))
		if err != nil || rank < 0 || filepath.Base(OutputPath(base, rank)) != name {
			continue
		}
		outputs[rank] = path
	}
	return outputs, nil
}

// AggregateRankLogs merges every worker output file of base into one
// timeline. Entries are sorted by timestamp, ties broken by rank.
func AggregateRankLogs(base string) ([]LogEntry, error) {
	outputs, err := RankOutputs(base)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no rank output files match %s<rank>.out", base)
	}

	var entries []LogEntry
	for rank, path := range outputs {
		fileEntries, err := readLogFile(path, rank)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Rank < entries[j].Rank
	})
	return entries, nil
}

// readLogFile parses one output file. Lines that are not JSON log records
// are skipped. fallbackRank is used for records without a rank attribute.
func readLogFile(path string, fallbackRank int) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long log lines
	const maxScanTokenSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := parseLogEntry(line, fallbackRank)
		if err != nil {
			// Partial recovery from truncated or foreign lines
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return entries, nil
}

// parseLogEntry parses a single JSON log line into a LogEntry.
func parseLogEntry(line string, fallbackRank int) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{
		Rank:  fallbackRank,
		Attrs: make(map[string]any),
	}

	if timeStr, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, timeStr); err == nil {
			entry.Timestamp = t
		}
	}
	if level, ok := raw["level"].(string); ok {
		entry.Level = level
	}
	if msg, ok := raw["msg"].(string); ok {
		entry.Message = msg
	}
	// encoding/json decodes numbers as float64
	if rank, ok := raw["rank"].(float64); ok {
		entry.Rank = int(rank)
	}
	if phase, ok := raw["phase"].(string); ok {
		entry.Phase = phase
	}

	for k, v := range raw {
		switch k {
		case "time", "level", "msg", "rank", "size", "phase":
		default:
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterLogs returns the entries matching filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	if isEmptyFilter(filter) {
		return entries
	}

	var filtered []LogEntry
	for _, entry := range entries {
		if matchesFilter(entry, filter) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func isEmptyFilter(f LogFilter) bool {
	return f.Level == "" &&
		f.StartTime.IsZero() &&
		f.EndTime.IsZero() &&
		f.Rank == nil &&
		f.Phase == "" &&
		f.MessageContains == ""
}

func matchesFilter(entry LogEntry, filter LogFilter) bool {
	if filter.Level != "" {
		filterLevelOrder, filterOk := levelOrder[strings.ToUpper(filter.Level)]
		entryLevelOrder, entryOk := levelOrder[entry.Level]
		if filterOk && entryOk && entryLevelOrder < filterLevelOrder {
			return false
		}
	}

	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}

	if filter.Rank != nil && entry.Rank != *filter.Rank {
		return false
	}
	if filter.Phase != "" && entry.Phase != filter.Phase {
		return false
	}
	if filter.MessageContains != "" && !strings.Contains(entry.Message, filter.MessageContains) {
		return false
	}
	return true
}

// WriteLogEntries writes entries to w as "json", "text" or "csv".
func WriteLogEntries(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, entries)
	case "text":
		return writeText(w, entries)
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: json, text, csv)", format)
	}
}

func writeJSON(w io.Writer, entries []LogEntry) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

// writeText writes one line per entry:
// [TIMESTAMP] rank=N LEVEL - MESSAGE (phase=P) {attrs}
func writeText(w io.Writer, entries []LogEntry) error {
	for _, entry := range entries {
		parts := []string{
			fmt.Sprintf("[%s]", entry.Timestamp.Format("2006-01-02 15:04:05.000")),
			fmt.Sprintf("rank=%d", entry.Rank),
			entry.Level,
			"-",
			entry.Message,
		}
		if entry.Phase != "" {
			parts = append(parts, fmt.Sprintf("(phase=%s)", entry.Phase))
		}
		if len(entry.Attrs) > 0 {
			attrsJSON, _ := json.Marshal(entry.Attrs)
			parts = append(parts, string(attrsJSON))
		}

		if _, err := io.WriteString(w, strings.Join(parts, " ")+"\n"); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []LogEntry) error {
	writer := csv.NewWriter(w)

	headers := []string{"timestamp", "rank", "level", "message", "phase", "attrs"}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		attrsJSON := ""
		if len(entry.Attrs) > 0 {
			if b, err := json.Marshal(entry.Attrs); err == nil {
				attrsJSON = string(b)
			}
		}
		record := []string{
			entry.Timestamp.Format(time.RFC3339Nano),
			strconv.Itoa(entry.Rank),
			entry.Level,
			entry.Message,
			entry.Phase,
			attrsJSON,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// escapeGlob quotes the glob metacharacters of a literal path prefix.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
