package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	typeAddress, _ = abi.NewType("address", "", nil)
	typeUint256, _ = abi.NewType("uint256", "", nil)
	typeBytes32, _ = abi.NewType("bytes32", "", nil)
	typeBytes, _   = abi.NewType("bytes", "", nil)
)

// packArgs is the full ABI encoding of the operation, dynamic fields inline.
// Its byte content is what preVerificationGas charges for.
var packArgs = abi.Arguments{
	{Name: "sender", Type: typeAddress},
	{Name: "nonce", Type: typeUint256},
	{Name: "initCode", Type: typeBytes},
	{Name: "callData", Type: typeBytes},
	{Name: "callGasLimit", Type: typeUint256},
	{Name: "verificationGasLimit", Type: typeUint256},
	{Name: "preVerificationGas", Type: typeUint256},
	{Name: "maxFeePerGas", Type: typeUint256},
	{Name: "maxPriorityFeePerGas", Type: typeUint256},
	{Name: "paymasterAndData", Type: typeBytes},
	{Name: "signature", Type: typeBytes},
}

// hashArgs replaces each dynamic field with its keccak and drops the
// signature, matching EntryPoint v0.6 getUserOpHash.
var hashArgs = abi.Arguments{
	{Name: "sender", Type: typeAddress},
	{Name: "nonce", Type: typeUint256},
	{Name: "initCodeHash", Type: typeBytes32},
	{Name: "callDataHash", Type: typeBytes32},
	{Name: "callGasLimit", Type: typeUint256},
	{Name: "verificationGasLimit", Type: typeUint256},
	{Name: "preVerificationGas", Type: typeUint256},
	{Name: "maxFeePerGas", Type: typeUint256},
	{Name: "maxPriorityFeePerGas", Type: typeUint256},
	{Name: "paymasterAndDataHash", Type: typeBytes32},
}

var envelopeArgs = abi.Arguments{
	{Name: "userOpHash", Type: typeBytes32},
	{Name: "entryPoint", Type: typeAddress},
	{Name: "chainId", Type: typeUint256},
}

// bigOrZero substitutes zero for unset quantities, so partial
// operations (gas fields absent during estimation) still encode.
func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Pack ABI-encodes the full operation, signature included.
func (uo *UserOperation) Pack() []byte {
	packed, err := packArgs.Pack(
		uo.Sender,
		bigOrZero(uo.Nonce),
		uo.InitCode,
		uo.CallData,
		bigOrZero(uo.CallGasLimit),
		bigOrZero(uo.VerificationGasLimit),
		bigOrZero(uo.PreVerificationGas),
		bigOrZero(uo.MaxFeePerGas),
		bigOrZero(uo.MaxPriorityFeePerGas),
		uo.PaymasterAndData,
		uo.Signature,
	)
	if err != nil {
		// all arguments are static-typed Go values, encoding cannot fail
		panic(err)
	}
	return packed
}

// PackForSignature ABI-encodes the operation the way EntryPoint hashes it:
// dynamic fields collapsed to their keccak, signature excluded.
func (uo *UserOperation) PackForSignature() []byte {
	packed, err := hashArgs.Pack(
		uo.Sender,
		bigOrZero(uo.Nonce),
		common.Hash(crypto.Keccak256Hash(uo.InitCode)),
		common.Hash(crypto.Keccak256Hash(uo.CallData)),
		bigOrZero(uo.CallGasLimit),
		bigOrZero(uo.VerificationGasLimit),
		bigOrZero(uo.PreVerificationGas),
		bigOrZero(uo.MaxFeePerGas),
		bigOrZero(uo.MaxPriorityFeePerGas),
		common.Hash(crypto.Keccak256Hash(uo.PaymasterAndData)),
	)
	if err != nil {
		panic(err)
	}
	return packed
}

// Hash computes the canonical userOpHash:
// keccak256(abi.encode(keccak256(packForSignature), entryPoint, chainId)).
func (uo *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	inner := crypto.Keccak256Hash(uo.PackForSignature())
	packed, err := envelopeArgs.Pack(common.Hash(inner), entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}
