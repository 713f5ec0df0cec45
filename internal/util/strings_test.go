package util

import (
	"math"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateANSI(t *testing.T) {
	// Create styled strings for testing
	redStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boldStyle := lipgloss.NewStyle().Bold(true)

	tests := []struct {
		name     string
		input    string
		maxWidth int
		check    func(t *testing.T, result string)
	}{
		{
			name:     "short plain string unchanged",
			input:    "4611686018427387904",
			maxWidth: 30,
			check: func(t *testing.T, result string) {
				if result != "4611686018427387904" {
					t.Errorf("expected input unchanged, got %q", result)
				}
			},
		},
		{
			name:     "plain string truncated",
			input:    "101 202 303 404",
			maxWidth: 10,
			check: func(t *testing.T, result string) {
				if result != "101 202..." {
					t.Errorf("expected '101 202...', got %q", result)
				}
			},
		},
		{
			name:     "very small maxWidth returns ellipsis",
			input:    "hello",
			maxWidth: 3,
			check: func(t *testing.T, result string) {
				if result != "..." {
					t.Errorf("expected '...', got %q", result)
				}
			},
		},
		{
			name:     "styled string preserves style when not truncated",
			input:    redStyle.Render("hi"),
			maxWidth: 10,
			check: func(t *testing.T, result string) {
				if result != redStyle.Render("hi") {
					t.Errorf("styled string was modified when it shouldn't be")
				}
			},
		},
		{
			name:     "bold styled string truncated",
			input:    boldStyle.Render("transmitted 1234 (0.0061)"),
			maxWidth: 12,
			check: func(t *testing.T, result string) {
				if width := lipgloss.Width(result); width > 12 {
					t.Errorf("result width %d exceeds maxWidth 12", width)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, TruncateANSI(tt.input, tt.maxWidth))
		})
	}
}

func TestJoinInt64(t *testing.T) {
	tests := []struct {
		vals []int64
		sep  string
		want string
	}{
		{nil, " ", ""},
		{[]int64{7}, " ", "7"},
		{[]int64{1, -2, 3}, ",", "1,-2,3"},
		{[]int64{math.MaxInt64, 0}, " ", "9223372036854775807 0"},
	}
	for _, tt := range tests {
		if got := JoinInt64(tt.vals, tt.sep); got != tt.want {
			t.Errorf("JoinInt64(%v, %q) = %q, want %q", tt.vals, tt.sep, got, tt.want)
		}
	}
}
