package rpc

import (
	"errors"

	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/core/validator"
)

// ERC-4337 RPC error codes.
const (
	CodeInvalidFields    = -32602
	CodeRejected         = -32500
	CodePaymasterReject  = -32501
	CodeOpcodeViolation  = -32502
	CodeExpired          = -32503
	CodeThrottledEntity  = -32504
	CodeStakeTooLow      = -32505
	CodeBadAggregator    = -32506
	CodeInvalidSignature = -32507
)

// apiError satisfies go-ethereum's rpc.Error so the code travels in the
// JSON-RPC error object.
type apiError struct {
	code    int
	message string
}

func (e *apiError) Error() string  { return e.message }
func (e *apiError) ErrorCode() int { return e.code }

func newError(code int, message string) error {
	return &apiError{code: code, message: message}
}

// wrapError translates pool and validation failures into their
// ERC-4337 error codes. Unknown errors surface as a plain rejection.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var (
		sanity      *validator.SanityError
		replacement *validator.ReplacementUnderpricedError
		expired     *validator.ExpiredError
		opcode      *validator.OpcodeError
		storage     *validator.StorageAccessError
		callStack   *validator.CallStackError
		codeHashes  *validator.CodeHashesError
		outOfGas    *validator.OutOfGasError
		signature   *validator.SignatureError
		aggregator  *validator.AggregatorError
		banned      *mempool.EntityBannedError
		stake       *mempool.StakeTooLowError
		unstaked    *validator.UnstakedEntityError
		duplicate   *uopool.DuplicateError
		inFlight    *uopool.InFlightError
	)

	switch {
	case errors.As(err, &sanity),
		errors.As(err, &replacement),
		errors.As(err, &duplicate),
		errors.As(err, &inFlight):
		return newError(CodeInvalidFields, err.Error())
	case errors.As(err, &opcode),
		errors.As(err, &storage),
		errors.As(err, &callStack),
		errors.As(err, &codeHashes),
		errors.As(err, &outOfGas):
		return newError(CodeOpcodeViolation, err.Error())
	case errors.As(err, &expired):
		return newError(CodeExpired, err.Error())
	case errors.As(err, &banned):
		return newError(CodeThrottledEntity, err.Error())
	case errors.As(err, &stake), errors.As(err, &unstaked):
		return newError(CodeStakeTooLow, err.Error())
	case errors.As(err, &aggregator):
		return newError(CodeBadAggregator, err.Error())
	case errors.As(err, &signature):
		return newError(CodeInvalidSignature, err.Error())
	default:
		return newError(CodeRejected, err.Error())
	}
}
