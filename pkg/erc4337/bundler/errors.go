package bundler

import (
	"errors"
	"fmt"
	"strings"
)

// Submission failures fall into exactly one of three classes. The caller's
// retry policy hangs off the class, so classification must never be lossy:
// the underlying error stays wrapped and reachable via errors.Unwrap.

// RejectedError: the bundler received, validated, and refused the operation.
// Not retryable without modifying the operation.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bundler rejected operation (code %d): %s", e.Code, e.Reason)
}

// OutOfGas reports whether the rejection points at an underfunded gas limit.
// Callers are expected to raise limits and rebuild rather than blind-retry.
func (e *RejectedError) OutOfGas() bool {
	reason := strings.ToLower(e.Reason)
	return strings.Contains(reason, "out of gas") ||
		strings.Contains(reason, "oog") ||
		strings.Contains(e.Reason, "AA95") ||
		strings.Contains(e.Reason, "AA40") ||
		strings.Contains(e.Reason, "AA41")
}

// UnreachableError: the bundler could not be reached or did not answer in
// time. Retryable with backoff; nothing is known about the operation's fate
// on the bundler side other than that it was not accepted.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("bundler unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// MalformedError: the client failed to produce a valid request. A code bug,
// never retryable; resubmitting the same bytes cannot succeed.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed bundler request: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on resubmission without
// changing the operation.
func IsRetryable(err error) bool {
	var unreachable *UnreachableError
	return errors.As(err, &unreachable)
}
