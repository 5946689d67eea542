package uopool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned by lookups for operations the node has never
// seen land on-chain within its scan window.
var ErrNotFound = errors.New("user operation not found")

// DuplicateError reports an operation that is already pooled under the
// same hash. Admission is idempotent: callers still receive the hash.
type DuplicateError struct {
	Hash common.Hash
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("user operation %s is already known", e.Hash)
}

// InFlightError reports a concurrent admission for the same
// (sender, nonce) pair that has not finished validating yet.
type InFlightError struct {
	Sender common.Address
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("another operation for sender %s with the same nonce is being validated", e.Sender)
}
