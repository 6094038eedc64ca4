package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: ""},
		{name: "coded", err: NewError(ErrRunNotFound, "no run"), want: ErrRunNotFound},
		{name: "wrapped coded", err: fmt.Errorf("outer: %w", NewError(ErrAnalysisBusy, "busy")), want: ErrAnalysisBusy},
		{name: "plain", err: errors.New("boom"), want: ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(ErrStoreWriteFailed, cause, "write batch")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if !IsCode(err, ErrStoreWriteFailed) {
		t.Error("IsCode should match the wrapping code")
	}
}

func TestWithDetail(t *testing.T) {
	err := NewError(ErrConfigInvalid, "bad config").
		WithDetail("min_revisions", "must be >= 1").
		WithDetail("window_days", "must be > 0 or unset")

	if len(err.Details) != 2 {
		t.Fatalf("Details = %d entries, want 2", len(err.Details))
	}
	if err.Details["min_revisions"] != "must be >= 1" {
		t.Errorf("unexpected detail: %v", err.Details["min_revisions"])
	}
}

func TestRunStateTerminal(t *testing.T) {
	for state, want := range map[RunState]bool{
		RunPending:   false,
		RunRunning:   false,
		RunCompleted: true,
		RunFailed:    true,
		RunCancelled: true,
	} {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}
