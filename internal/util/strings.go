// Package util provides small text helpers shared by the command layer.
package util

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// TruncateANSI truncates s to maxWidth visual columns, adding "..." if
// truncated. ANSI escape codes and wide characters are accounted for, so
// styled terminal output keeps its styling.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	// ansi.Truncate includes the tail in the final width calculation
	return ansi.Truncate(s, maxWidth, "...")
}

// JoinInt64 formats vals in base 10 separated by sep.
func JoinInt64(vals []int64, sep string) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(strconv.FormatInt(v, 10))
	}
	return sb.String()
}
