package chainio

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/model"
)

// DefaultEntryPoint is the canonical v0.6 EntryPoint deployment.
var DefaultEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// depositToSelector is the only EntryPoint method an entity may call
// during its own validation frame.
var DepositToSelector = [4]byte{0xb7, 0x60, 0xfa, 0xf9}

const entryPointABIJSON = `[
{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[{"name":"ops","type":"tuple[]","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]},{"name":"beneficiary","type":"address"}],"outputs":[]},
{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[]},
{"type":"function","name":"simulateHandleOp","stateMutability":"nonpayable","inputs":[{"name":"op","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]},{"name":"target","type":"address"},{"name":"targetCallData","type":"bytes"}],"outputs":[]},
{"type":"function","name":"getSenderAddress","stateMutability":"nonpayable","inputs":[{"name":"initCode","type":"bytes"}],"outputs":[]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]},
{"type":"function","name":"depositTo","stateMutability":"payable","inputs":[{"name":"account","type":"address"}],"outputs":[]},
{"type":"error","name":"ValidationResult","inputs":[{"name":"returnInfo","type":"tuple","components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}]},{"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]},
{"type":"error","name":"ValidationResultWithAggregation","inputs":[{"name":"returnInfo","type":"tuple","components":[{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}]},{"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},{"name":"aggregatorInfo","type":"tuple","components":[{"name":"aggregator","type":"address"},{"name":"stakeInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]}]},
{"type":"error","name":"ExecutionResult","inputs":[{"name":"preOpGas","type":"uint256"},{"name":"paid","type":"uint256"},{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"targetSuccess","type":"bool"},{"name":"targetResult","type":"bytes"}]},
{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
{"type":"error","name":"SenderAddressResult","inputs":[{"name":"sender","type":"address"}]},
{"type":"error","name":"SignatureValidationFailed","inputs":[{"name":"aggregator","type":"address"}]},
{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"paymaster","type":"address","indexed":true},{"name":"nonce","type":"uint256","indexed":false},{"name":"success","type":"bool","indexed":false},{"name":"actualGasCost","type":"uint256","indexed":false},{"name":"actualGasUsed","type":"uint256","indexed":false}]},
{"type":"event","name":"UserOperationRevertReason","anonymous":false,"inputs":[{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"nonce","type":"uint256","indexed":false},{"name":"revertReason","type":"bytes","indexed":false}]},
{"type":"event","name":"AccountDeployed","anonymous":false,"inputs":[{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"factory","type":"address","indexed":false},{"name":"paymaster","type":"address","indexed":false}]}
]`

var entryPointABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EntryPointABI exposes the parsed v0.6 ABI for log filtering.
func EntryPointABI() abi.ABI {
	return entryPointABI
}

// abiUserOperation mirrors the solidity UserOperation tuple.
type abiUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toABIUserOperation(uo *model.UserOperation) abiUserOperation {
	return abiUserOperation{
		Sender:               uo.Sender,
		Nonce:                uo.Nonce,
		InitCode:             uo.InitCode,
		CallData:             uo.CallData,
		CallGasLimit:         uo.CallGasLimit,
		VerificationGasLimit: uo.VerificationGasLimit,
		PreVerificationGas:   uo.PreVerificationGas,
		MaxFeePerGas:         uo.MaxFeePerGas,
		MaxPriorityFeePerGas: uo.MaxPriorityFeePerGas,
		PaymasterAndData:     uo.PaymasterAndData,
		Signature:            uo.Signature,
	}
}

// PackHandleOps encodes the handleOps calldata for a bundle.
func PackHandleOps(ops []*model.UserOperation, beneficiary common.Address) ([]byte, error) {
	abiOps := make([]abiUserOperation, 0, len(ops))
	for _, uo := range ops {
		abiOps = append(abiOps, toABIUserOperation(uo))
	}
	return entryPointABI.Pack("handleOps", abiOps, beneficiary)
}

// UnpackHandleOps decodes the user operations out of a handleOps
// transaction's calldata.
func UnpackHandleOps(data []byte) ([]*model.UserOperation, error) {
	method := entryPointABI.Methods["handleOps"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("not a handleOps call")
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode handleOps calldata: %w", err)
	}
	abiOps := *abi.ConvertType(vals[0], new([]abiUserOperation)).(*[]abiUserOperation)
	ops := make([]*model.UserOperation, 0, len(abiOps))
	for i := range abiOps {
		op := abiOps[i]
		ops = append(ops, &model.UserOperation{
			Sender:               op.Sender,
			Nonce:                op.Nonce,
			InitCode:             op.InitCode,
			CallData:             op.CallData,
			CallGasLimit:         op.CallGasLimit,
			VerificationGasLimit: op.VerificationGasLimit,
			PreVerificationGas:   op.PreVerificationGas,
			MaxFeePerGas:         op.MaxFeePerGas,
			MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
			PaymasterAndData:     op.PaymasterAndData,
			Signature:            op.Signature,
		})
	}
	return ops, nil
}

// PackSimulateValidation encodes the simulateValidation calldata.
func PackSimulateValidation(uo *model.UserOperation) ([]byte, error) {
	return entryPointABI.Pack("simulateValidation", toABIUserOperation(uo))
}

// PackSimulateHandleOp encodes simulateHandleOp calldata; used by gas
// estimation to probe the execution phase.
func PackSimulateHandleOp(uo *model.UserOperation, target common.Address, targetCallData []byte) ([]byte, error) {
	return entryPointABI.Pack("simulateHandleOp", toABIUserOperation(uo), target, targetCallData)
}

// PackGetSenderAddress encodes the getSenderAddress calldata.
func PackGetSenderAddress(initCode []byte) ([]byte, error) {
	return entryPointABI.Pack("getSenderAddress", initCode)
}

// ReturnInfo is the first member of the ValidationResult revert.
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type abiStakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type abiAggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  abiStakeInfo
}

// ValidationResult is the decoded outcome of a successful
// simulateValidation: the EntryPoint reports it as a revert.
type ValidationResult struct {
	ReturnInfo    ReturnInfo
	SenderInfo    model.StakeInfo
	FactoryInfo   model.StakeInfo
	PaymasterInfo model.StakeInfo
	// Aggregator is non-zero when the account delegates signatures to an
	// aggregator, which supported mempools reject.
	Aggregator common.Address
}

// StakeInfoByLevel returns the per-entity stake infos indexed by the
// canonical factory/sender/paymaster levels.
func (r *ValidationResult) StakeInfoByLevel() [model.NumberOfEntityLevels]model.StakeInfo {
	return [model.NumberOfEntityLevels]model.StakeInfo{
		model.FactoryLevel:   r.FactoryInfo,
		model.SenderLevel:    r.SenderInfo,
		model.PaymasterLevel: r.PaymasterInfo,
	}
}

// ExecutionResult is the decoded simulateHandleOp revert.
type ExecutionResult struct {
	PreOpGas      *big.Int
	Paid          *big.Int
	ValidAfter    *big.Int
	ValidUntil    *big.Int
	TargetSuccess bool
	TargetResult  []byte
}

// FailedOpError is a FailedOp revert surfaced as a Go error.
type FailedOpError struct {
	OpIndex *big.Int
	Reason  string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("entry point rejected operation: %s", e.Reason)
}

// DecodeSimulateValidationRevert interprets the revert payload of a
// simulateValidation call. A ValidationResult (with or without
// aggregation) is the success path; FailedOp carries the AA error code.
func DecodeSimulateValidationRevert(data []byte) (*ValidationResult, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("simulateValidation reverted without data")
	}
	sel := data[:4]

	switch {
	case bytes.Equal(sel, entryPointABI.Errors["ValidationResult"].ID.Bytes()[:4]):
		abiErr := entryPointABI.Errors["ValidationResult"]
		vals, err := abiErr.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ValidationResult: %w", err)
		}
		return validationResultFromVals(vals.([]interface{}), false)

	case bytes.Equal(sel, entryPointABI.Errors["ValidationResultWithAggregation"].ID.Bytes()[:4]):
		abiErr := entryPointABI.Errors["ValidationResultWithAggregation"]
		vals, err := abiErr.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ValidationResultWithAggregation: %w", err)
		}
		return validationResultFromVals(vals.([]interface{}), true)

	case bytes.Equal(sel, entryPointABI.Errors["FailedOp"].ID.Bytes()[:4]):
		abiErr := entryPointABI.Errors["FailedOp"]
		vals, err := abiErr.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode FailedOp: %w", err)
		}
		vs := vals.([]interface{})
		return nil, &FailedOpError{
			OpIndex: *abi.ConvertType(vs[0], new(*big.Int)).(**big.Int),
			Reason:  *abi.ConvertType(vs[1], new(string)).(*string),
		}

	default:
		return nil, fmt.Errorf("unexpected simulateValidation revert: 0x%x", sel)
	}
}

type abiReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

func validationResultFromVals(vals []interface{}, withAggregation bool) (*ValidationResult, error) {
	want := 4
	if withAggregation {
		want = 5
	}
	if len(vals) != want {
		return nil, fmt.Errorf("malformed ValidationResult: %d members", len(vals))
	}

	ri := *abi.ConvertType(vals[0], new(abiReturnInfo)).(*abiReturnInfo)
	sender := *abi.ConvertType(vals[1], new(abiStakeInfo)).(*abiStakeInfo)
	factory := *abi.ConvertType(vals[2], new(abiStakeInfo)).(*abiStakeInfo)
	paymaster := *abi.ConvertType(vals[3], new(abiStakeInfo)).(*abiStakeInfo)

	res := &ValidationResult{
		ReturnInfo: ReturnInfo{
			PreOpGas:         ri.PreOpGas,
			Prefund:          ri.Prefund,
			SigFailed:        ri.SigFailed,
			ValidAfter:       ri.ValidAfter,
			ValidUntil:       ri.ValidUntil,
			PaymasterContext: ri.PaymasterContext,
		},
		SenderInfo:    model.StakeInfo{Stake: sender.Stake, UnstakeDelay: sender.UnstakeDelaySec},
		FactoryInfo:   model.StakeInfo{Stake: factory.Stake, UnstakeDelay: factory.UnstakeDelaySec},
		PaymasterInfo: model.StakeInfo{Stake: paymaster.Stake, UnstakeDelay: paymaster.UnstakeDelaySec},
	}
	if withAggregation {
		agg := *abi.ConvertType(vals[4], new(abiAggregatorStakeInfo)).(*abiAggregatorStakeInfo)
		res.Aggregator = agg.Aggregator
	}
	return res, nil
}

// DecodeSimulateHandleOpRevert interprets the revert payload of a
// simulateHandleOp call.
func DecodeSimulateHandleOpRevert(data []byte) (*ExecutionResult, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("simulateHandleOp reverted without data")
	}
	sel := data[:4]

	switch {
	case bytes.Equal(sel, entryPointABI.Errors["ExecutionResult"].ID.Bytes()[:4]):
		abiErr := entryPointABI.Errors["ExecutionResult"]
		vals, err := abiErr.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ExecutionResult: %w", err)
		}
		vs := vals.([]interface{})
		return &ExecutionResult{
			PreOpGas:      *abi.ConvertType(vs[0], new(*big.Int)).(**big.Int),
			Paid:          *abi.ConvertType(vs[1], new(*big.Int)).(**big.Int),
			ValidAfter:    *abi.ConvertType(vs[2], new(*big.Int)).(**big.Int),
			ValidUntil:    *abi.ConvertType(vs[3], new(*big.Int)).(**big.Int),
			TargetSuccess: *abi.ConvertType(vs[4], new(bool)).(*bool),
			TargetResult:  *abi.ConvertType(vs[5], new([]byte)).(*[]byte),
		}, nil

	case bytes.Equal(sel, entryPointABI.Errors["FailedOp"].ID.Bytes()[:4]):
		abiErr := entryPointABI.Errors["FailedOp"]
		vals, err := abiErr.Unpack(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode FailedOp: %w", err)
		}
		vs := vals.([]interface{})
		return nil, &FailedOpError{
			OpIndex: *abi.ConvertType(vs[0], new(*big.Int)).(**big.Int),
			Reason:  *abi.ConvertType(vs[1], new(string)).(*string),
		}

	default:
		return nil, fmt.Errorf("unexpected simulateHandleOp revert: 0x%x", sel)
	}
}

// DecodeSenderAddressRevert extracts the counterfactual sender from a
// getSenderAddress revert.
func DecodeSenderAddressRevert(data []byte) (common.Address, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], entryPointABI.Errors["SenderAddressResult"].ID.Bytes()[:4]) {
		return common.Address{}, fmt.Errorf("unexpected getSenderAddress revert")
	}
	abiErr := entryPointABI.Errors["SenderAddressResult"]
	vals, err := abiErr.Unpack(data)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode SenderAddressResult: %w", err)
	}
	vs := vals.([]interface{})
	return *abi.ConvertType(vs[0], new(common.Address)).(*common.Address), nil
}
