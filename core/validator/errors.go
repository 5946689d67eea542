package validator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SanityError is a pre-simulation rejection: the operation is malformed
// or violates a static limit.
type SanityError struct {
	Field  string
	Reason string
}

func (e *SanityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ReplacementUnderpricedError rejects a (sender, nonce) replacement
// whose fee bump is below the required increase.
type ReplacementUnderpricedError struct {
	Sender common.Address
}

func (e *ReplacementUnderpricedError) Error() string {
	return fmt.Sprintf("replacement for sender %s underpriced, fees must be bumped by at least %d%%", e.Sender, feeIncreasePercent)
}

// SimulationError wraps simulateValidation failures that are not a
// better-typed rule violation.
type SimulationError struct {
	Reason string
}

func (e *SimulationError) Error() string {
	return "simulation failed: " + e.Reason
}

// SignatureError marks a user operation whose signature did not verify
// during simulation.
type SignatureError struct{}

func (e *SignatureError) Error() string {
	return "invalid user operation signature"
}

// ExpiredError marks an operation outside its validity window.
type ExpiredError struct {
	Reason string
}

func (e *ExpiredError) Error() string {
	return "user operation " + e.Reason
}

// OpcodeError is an ERC-7562 forbidden opcode violation.
type OpcodeError struct {
	Entity string
	Opcode string
}

func (e *OpcodeError) Error() string {
	return fmt.Sprintf("%s used forbidden opcode %s during validation", e.Entity, e.Opcode)
}

// StorageAccessError is an ERC-7562 storage access violation.
type StorageAccessError struct {
	Entity string
	Slot   string
}

func (e *StorageAccessError) Error() string {
	return fmt.Sprintf("%s accessed forbidden storage slot %s during validation", e.Entity, e.Slot)
}

// UnstakedEntityError marks an unstaked entity exceeding what unstaked
// entities are allowed to do.
type UnstakedEntityError struct {
	Entity  string
	Address common.Address
	Reason  string
}

func (e *UnstakedEntityError) Error() string {
	return fmt.Sprintf("unstaked %s %s %s", e.Entity, e.Address, e.Reason)
}

// CallStackError is an illegal call observed during validation.
type CallStackError struct {
	Reason string
}

func (e *CallStackError) Error() string {
	return "illegal call during validation: " + e.Reason
}

// CodeHashesError marks code that changed between the first and second
// validation of the same operation.
type CodeHashesError struct{}

func (e *CodeHashesError) Error() string {
	return "code accessed during validation changed since first simulation"
}

// OutOfGasError marks a validation frame that reverted with out of gas.
type OutOfGasError struct{}

func (e *OutOfGasError) Error() string {
	return "out of gas during validation"
}

// PrefundError marks a sender or paymaster unable to cover the required
// prefund.
type PrefundError struct {
	Prefund   *big.Int
	Available *big.Int
}

func (e *PrefundError) Error() string {
	return fmt.Sprintf("insufficient funds for prefund: need %s, have %s", e.Prefund, e.Available)
}

// AggregatorError rejects operations delegating to a signature
// aggregator, which supported mempools do not accept.
type AggregatorError struct {
	Aggregator common.Address
}

func (e *AggregatorError) Error() string {
	return fmt.Sprintf("unsupported signature aggregator %s", e.Aggregator)
}
