// Package errors provides centralized error definitions and error handling utilities
// for lfslock. It defines the sentinel errors of the lock engine, semantic error
// types with context builders, and classification helpers used to decide whether a
// failure is retried on the next poll cycle or surfaced to the user.
//
// # Error Types
//
//   - GitError: a git or git-lfs invocation failed (command, paths, output)
//   - TimeoutError: a command exceeded its per-call deadline
//   - ParseError: a single line of command output could not be parsed
//
// # Classification
//
// Nothing in the engine is fatal to the host process. Failures fall into:
//   - Retryable: transient command failures, timeouts. Retried next cycle.
//   - UserFacing: lock conflicts the user must resolve (e.g. uncommitted changes).
//   - Neither: parse failures and OS handle failures, which are logged and skipped.
//
// Usage:
//
//	err := errors.NewGitError("lock failed", errors.ErrLockFailed).
//	    WithPaths(paths).
//	    WithGitOutput(stderr)
//
//	if errors.Is(err, errors.ErrUncommittedChanges) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityWarning is for errors that degrade a single cycle.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Repository sentinel errors
var (
	// ErrNotGitRepository indicates that no enclosing git working tree was found.
	ErrNotGitRepository = New("not a git repository")
	// ErrGitUnsupported indicates that the installed git is too old.
	ErrGitUnsupported = New("git version not supported")
	// ErrCommandFailed indicates git wrote unexpected output to stderr.
	ErrCommandFailed = New("git command reported errors")
)

// Lock sentinel errors
var (
	// ErrLockFailed indicates that git-lfs refused or did not confirm a lock.
	ErrLockFailed = New("lock failed")
	// ErrUnlockFailed indicates that git-lfs refused or did not confirm an unlock.
	ErrUnlockFailed = New("unlock failed")
	// ErrUncommittedChanges indicates that an unlock was refused because the
	// file has local changes. State is left untouched.
	ErrUncommittedChanges = New("file has uncommitted changes")
	// ErrNotLockable indicates that the path does not match any lockable pattern.
	ErrNotLockable = New("path is not lockable")
	// ErrStaleCache indicates that the persisted lock cache was written by
	// another process and must be rebuilt.
	ErrStaleCache = New("lock cache is stale")
	// ErrHandleUnavailable indicates that an OS lock handle could not be opened.
	ErrHandleUnavailable = New("file lock handle unavailable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrMalformedLine indicates unparseable command output.
	ErrMalformedLine = New("malformed output line")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// GitError
// -----------------------------------------------------------------------------

// GitError represents a failed git or git-lfs invocation.
//
// Example:
//
//	err := errors.NewGitError("unlock failed", errors.ErrUncommittedChanges).
//	    WithPaths([]string{"Assets/scene.unity"})
//	fmt.Println(err) // "git error [paths=Assets/scene.unity]: unlock failed: file has uncommitted changes"
type GitError struct {
	baseError
	Command    string
	Paths      []string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithCommand adds the git subcommand to the error context.
func (e *GitError) WithCommand(command string) *GitError {
	e.Command = command
	return e
}

// WithPaths adds the affected paths to the error context.
func (e *GitError) WithPaths(paths []string) *GitError {
	e.Paths = paths
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithSeverity sets the error severity.
func (e *GitError) WithSeverity(s Severity) *GitError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("cmd=%s", e.Command))
	}
	if len(e.Paths) > 0 {
		parts = append(parts, fmt.Sprintf("paths=%s", strings.Join(e.Paths, ",")))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// TimeoutError
// -----------------------------------------------------------------------------

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("lfs locks", 5*time.Second)
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    "operation timed out",
			cause:      ErrTimeout,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: false,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// ParseError
// -----------------------------------------------------------------------------

// ParseError reports a single line of command output that could not be parsed.
type ParseError struct {
	baseError
	Line   string
	Reason string
}

// NewParseError creates a new ParseError for the given line.
func NewParseError(line, reason string) *ParseError {
	return &ParseError{
		baseError: baseError{
			message:  "malformed output line",
			cause:    ErrMalformedLine,
			severity: SeverityWarning,
		},
		Line:   line,
		Reason: reason,
	}
}

// Error returns the formatted error message.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %q", e.Reason, e.Line)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

type classified interface {
	IsRetryable() bool
	IsUserFacing() bool
	Severity() Severity
}

// IsRetryable reports whether err is transient and the next poll cycle may succeed.
// Timeouts and cancellations are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var c classified
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// IsUserFacing reports whether err should be shown to the user verbatim.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUncommittedChanges) {
		return true
	}
	var c classified
	if errors.As(err, &c) {
		return c.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity of err, defaulting to SeverityError for
// errors that carry no classification.
func GetSeverity(err error) Severity {
	var c classified
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}
