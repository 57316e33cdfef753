package nestedsets

import (
	"errors"
	"fmt"
)

var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrInvariantViolation = errors.New("nested set invariant violated")
	ErrInvalidKey         = errors.New("invalid primary key value")
	ErrInvalidSchema      = errors.New("invalid schema")
)

// InvariantError describes a row whose boundaries break the nested set
// encoding. It unwraps to ErrInvariantViolation.
type InvariantError struct {
	NodeID any
	Left   int64
	Right  int64
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: node %v (%d, %d): %s", ErrInvariantViolation, e.NodeID, e.Left, e.Right, e.Reason)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}
