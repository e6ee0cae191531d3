package graph

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a node, edge, or episode id does not resolve.
var ErrNotFound = errors.New("not found")

// InvariantViolation is returned when a mutation would break a graph
// invariant: orphan edges, privacy leaks, or out-of-range confidence.
// These are surfaced to the caller rather than repaired silently.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

func invariant(name, format string, args ...any) error {
	return &InvariantViolation{Invariant: name, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
