package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures for external consumers.
type ErrorCode string

const (
	ErrConfigInvalid        ErrorCode = "CONFIG_INVALID"
	ErrRepoNotFound         ErrorCode = "REPO_NOT_FOUND"
	ErrFileNotFound         ErrorCode = "FILE_NOT_FOUND"
	ErrVCSReadFailed        ErrorCode = "VCS_READ_FAILED"
	ErrStoreReadFailed      ErrorCode = "STORE_READ_FAILED"
	ErrStoreWriteFailed     ErrorCode = "STORE_WRITE_FAILED"
	ErrAnalysisBusy         ErrorCode = "ANALYSIS_BUSY"
	ErrRunNotFound          ErrorCode = "RUN_NOT_FOUND"
	ErrSnapshotNotFound     ErrorCode = "SNAPSHOT_NOT_FOUND"
	ErrClusteringInfeasible ErrorCode = "CLUSTERING_INFEASIBLE"
	ErrCancelled            ErrorCode = "CANCELLED"
	ErrParamInvalid         ErrorCode = "PARAM_INVALID"
	ErrInternal             ErrorCode = "INTERNAL"
)

// Error is a coded error carried across component boundaries. Details holds
// field-level context (validation failures, rollback flags).
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// NewError creates a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error that wraps an underlying cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value pair to the error's detail bag.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the error code from err, or ErrInternal when err carries
// no code. A nil err yields an empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
