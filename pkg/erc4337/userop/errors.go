package userop

import "fmt"

// ValidationError marks an operation that is malformed or incomplete. It is
// never retryable: the input has to be fixed first.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid user operation: %s: %s", e.Field, e.Reason)
}
