// Package repository defines error values that are reused across
// repositories. These sentinels let higher layers such as the service
// distinguish failure scenarios without inspecting SQL errors. For
// example, ErrTransactionNotFound marks a status lookup for a charge
// this instance has never recorded, which the reconciliation paths
// treat as a no-op rather than a failure.
package repository

import "errors"

// ErrTransactionNotFound is returned when no audit record exists for
// the requested invoice id.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrClaimContention is returned when a claim lost the uniqueness race
// against a concurrently committed claim and the retry budget is
// exhausted. Callers should surface it as a conflict.
var ErrClaimContention = errors.New("claim contention")
