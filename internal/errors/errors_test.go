package errors

import (
	"errors"
	"fmt"
	"testing"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// GroupError Tests
// -----------------------------------------------------------------------------

func TestNewGroupError(t *testing.T) {
	err := NewGroupError("construct", ErrGroupExists)

	if err.message != "construct" {
		t.Errorf("message = %q, want %q", err.message, "construct")
	}
	if err.cause != ErrGroupExists {
		t.Errorf("cause = %v, want %v", err.cause, ErrGroupExists)
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityCritical)
	}
	if err.Rank != -1 {
		t.Errorf("Rank = %d, want -1 before WithRank", err.Rank)
	}
}

func TestGroupError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GroupError
		want string
	}{
		{
			name: "bare",
			err:  NewGroupError("barrier failed", nil),
			want: "group error: barrier failed",
		},
		{
			name: "with rank and cause",
			err:  NewGroupError("construct", ErrGroupExists).WithRank(2),
			want: "group error [rank=2]: construct: process group already constructed",
		},
		{
			name: "with value and limit",
			err: NewGroupError("run", ErrCountOverflow).
				WithRank(0).WithOp("run").WithValue(int64(2147483648)).WithLimit(2147483647),
			want: "group error [rank=0, op=run, value=2147483648, limit=2147483647]: run: event count exceeds engine limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGroupError_Is(t *testing.T) {
	err := NewGroupError("seeds", ErrSeedCollision)

	if !errors.Is(err, ErrSeedCollision) {
		t.Error("errors.Is(err, ErrSeedCollision) = false, want true")
	}
	if !errors.Is(err, &GroupError{}) {
		t.Error("errors.Is(err, &GroupError{}) = false, want true")
	}
	if errors.Is(err, ErrCountOverflow) {
		t.Error("errors.Is(err, ErrCountOverflow) = true, want false")
	}
}

func TestGroupError_WrappedAs(t *testing.T) {
	wrapped := fmt.Errorf("rank 3: %w", NewGroupError("run", ErrCountOverflow).WithRank(3))

	var groupErr *GroupError
	if !errors.As(wrapped, &groupErr) {
		t.Fatal("errors.As failed to find GroupError")
	}
	if groupErr.Rank != 3 {
		t.Errorf("Rank = %d, want 3", groupErr.Rank)
	}
}

// -----------------------------------------------------------------------------
// ValidationError Tests
// -----------------------------------------------------------------------------

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{
			name: "message only",
			err:  NewValidationError("bad"),
			want: "validation error: bad",
		},
		{
			name: "with field and value",
			err:  NewValidationError("must be non-negative").WithField("events").WithValue(-1),
			want: "validation error [field=events, value=-1]: must be non-negative",
		},
		{
			name: "with cause",
			err:  NewValidationError("parse").WithCause(errors.New("boom")),
			want: "validation error: parse: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidationError_Is(t *testing.T) {
	err := NewValidationError("bad")
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("errors.Is(err, ErrInvalidInput) = false, want true")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"group error", NewGroupError("x", nil), true},
		{"downgraded group error", NewGroupError("x", nil).WithSeverity(SeverityWarning), false},
		{"validation", NewValidationError("x"), false},
		{"aborted sentinel", fmt.Errorf("barrier: %w", ErrGroupAborted), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", got)
	}
	if got := GetSeverity(errors.New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", got)
	}
	wrapped := Wrap(NewGroupError("x", nil), "outer")
	if got := GetSeverity(wrapped); got != SeverityCritical {
		t.Errorf("GetSeverity(wrapped group) = %v, want critical", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrap(ErrTransport, "dial")
	if err.Error() != "dial: transport failure" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !Is(err, ErrTransport) {
		t.Error("wrapped error lost its sentinel")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "rank %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	err := Wrapf(ErrGroupClosed, "rank %d", 4)
	if err.Error() != "rank 4: process group closed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
