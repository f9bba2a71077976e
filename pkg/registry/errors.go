package registry

import (
	"errors"
	"fmt"
)

// Business-rule rejections. None of them leave an entity partially mutated,
// and callers are expected to match them with errors.Is.
var (
	// ErrNotFound is returned when an id is not (or no longer) in the registry.
	ErrNotFound = errors.New("entity not found")

	// ErrInsufficientResource is returned when a debit or transfer would
	// drive a quantity below zero.
	ErrInsufficientResource = errors.New("insufficient resource")

	// ErrAlreadyBorrowed is returned by Borrow on an unavailable entity.
	ErrAlreadyBorrowed = errors.New("already borrowed")

	// ErrAlreadyAvailable is returned by Return on an available entity.
	ErrAlreadyAvailable = errors.New("already available")

	// ErrSelfTransfer is returned when origin and destination are the same entity.
	ErrSelfTransfer = errors.New("transfer to self")

	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrOverflow is returned when a credit or transfer would push a
	// quantity past math.MaxInt64.
	ErrOverflow = errors.New("quantity overflow")
)

// ValidationError reports a rejected EntitySpec.
type ValidationError struct {
	// Field is the offending spec field (e.g. "Name", "Attrs[1]")
	Field string

	// Rule is the failed constraint (e.g. "required", "max")
	Rule string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Rule)
}
