package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a JobStore for an unknown job id.
var ErrNotFound = errors.New("job not found")

// Kind classifies why a job failed.
type Kind string

const (
	KindUnsupportedToolchain Kind = "UnsupportedToolchain"
	KindInvalidInput         Kind = "InvalidInput"
	KindNoMatchingFiles      Kind = "NoMatchingFiles"
	KindExecutionFailed      Kind = "ExecutionFailed"
	KindExecutionTimeout     Kind = "ExecutionTimeout"
	KindToolchainCrash       Kind = "ToolchainCrash"
	KindArtifactMissing      Kind = "ArtifactMissing"
	KindArtifactTooLarge     Kind = "ArtifactTooLarge"
	KindCanceled             Kind = "Canceled"
	KindBusy                 Kind = "Busy"
	KindInternal             Kind = "Internal"
)

// UserError reports whether the caller's input caused the failure, as opposed to
// the host environment.
func (k Kind) UserError() bool {
	switch k {
	case KindToolchainCrash, KindInternal, KindBusy:
		return false
	}
	return true
}

// Error is the structured failure report of a job.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode int
	Stdout   string
	Stderr   string
	// Truncated is set when captured output hit the capture limit.
	Truncated bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), ExitCode: -1}
}

// Wrap returns an *Error of the given kind carrying err as its cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, ExitCode: -1, Err: err}
}

// KindOf extracts the kind from err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns err as an *Error, classifying anything else as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "internal error")
}
