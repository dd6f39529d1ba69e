package service

import (
	"errors"
	"fmt"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// ErrUpstream marks a failed call to the payment provider. Handlers
// translate it into a 5xx so the client retries the whole request,
// which naturally re-validates availability.
var ErrUpstream = errors.New("payment provider unavailable")

// ValidationError reports malformed client input: bad coordinates,
// bad colors, empty or oversized selections. Always resolved before
// any store mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a claim failed because some cells are
// owned or reserved. Unavailable names exactly the blocked
// coordinates so the client can deselect those and retry with the
// rest; the precision is part of the contract.
type ConflictError struct {
	Unavailable []model.Coord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d pixels are unavailable", len(e.Unavailable))
}
