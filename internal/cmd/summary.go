package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/parallelmc/internal/engine"
	"github.com/Iron-Ham/parallelmc/internal/seed"
	"github.com/Iron-Ham/parallelmc/internal/util"
)

// defaultSummaryWidth is used when the output is not a terminal.
const defaultSummaryWidth = 80

var (
	summaryPrimary = lipgloss.Color("#A78BFA") // Purple
	summaryMuted   = lipgloss.Color("#9CA3AF") // Gray
	summaryText    = lipgloss.Color("#F9FAFB") // Light text
	summaryBorder  = lipgloss.Color("#6B7280") // Gray
)

// runSummary is what the coordinator reports once every rank has finished.
type runSummary struct {
	Size         int          `json:"size"`
	Mode         string       `json:"mode"`
	Requested    float64      `json:"requested"`
	LogicalTotal float64      `json:"logical_total"`
	Seeds        seed.Table   `json:"seeds"`
	Tally        engine.Tally `json:"tally"`
	// WallSeconds is the slowest rank's run time.
	WallSeconds float64 `json:"wall_seconds"`
}

// fraction returns n as a share of the histories run.
func (s runSummary) fraction(n int64) float64 {
	if s.Tally.Histories == 0 {
		return 0
	}
	return float64(n) / float64(s.Tally.Histories)
}

func writeSummaryJSON(w io.Writer, s runSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// renderSummary draws the run summary. Colors are only emitted when w is a
// terminal that supports them.
func renderSummary(w io.Writer, s runSummary) {
	width := outputWidth(w)
	r := lipgloss.NewRenderer(w)

	title := r.NewStyle().Bold(true).Foreground(summaryPrimary)
	label := r.NewStyle().Foreground(summaryMuted).Width(14)
	value := r.NewStyle().Foreground(summaryText)
	box := r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(summaryBorder).
		Padding(0, 1)

	rows := []struct{ k, v string }{
		{"ranks", strconv.Itoa(s.Size)},
		{"mode", s.Mode},
		{"requested", strconv.FormatFloat(s.Requested, 'f', -1, 64)},
		{"simulated", strconv.FormatFloat(s.LogicalTotal, 'f', -1, 64)},
		{"histories", strconv.FormatInt(s.Tally.Histories, 10)},
		{"transmitted", fmt.Sprintf("%d (%.4f)", s.Tally.Transmitted, s.fraction(s.Tally.Transmitted))},
		{"reflected", fmt.Sprintf("%d (%.4f)", s.Tally.Reflected, s.fraction(s.Tally.Reflected))},
		{"absorbed", fmt.Sprintf("%d (%.4f)", s.Tally.Absorbed, s.fraction(s.Tally.Absorbed))},
		{"track length", strconv.FormatFloat(s.Tally.TrackLength, 'f', 3, 64)},
		{"wall time", fmt.Sprintf("%.3fs", s.WallSeconds)},
		{"seeds", util.JoinInt64(s.Seeds, " ")},
	}

	// Border, padding and the label column.
	valueWidth := max(width-4-14, 16)
	lines := []string{title.Render("parallelmc run")}
	for _, row := range rows {
		lines = append(lines, label.Render(row.k)+value.Render(util.TruncateANSI(row.v, valueWidth)))
	}
	_, _ = fmt.Fprintln(w, box.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

// outputWidth returns the terminal width of w, or defaultSummaryWidth.
func outputWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultSummaryWidth
	}
	if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
		return width
	}
	return defaultSummaryWidth
}
