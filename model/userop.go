package model

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
type UserOperation struct {
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

// userOperationJSON is the wire form used by the eth_* namespace: every
// quantity is a hex string per the ERC-4337 RPC convention.
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (uo UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               uo.Sender,
		Nonce:                (*hexutil.Big)(uo.Nonce),
		InitCode:             uo.InitCode,
		CallData:             uo.CallData,
		CallGasLimit:         (*hexutil.Big)(uo.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(uo.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(uo.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(uo.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(uo.MaxPriorityFeePerGas),
		PaymasterAndData:     uo.PaymasterAndData,
		Signature:            uo.Signature,
	})
}

// UnmarshalJSON accepts partial operations: absent quantities default
// to zero, so eth_estimateUserOperationGas can take operations whose
// gas fields are not filled yet. Sanity validation rejects zeroed
// fields where they matter.
func (uo *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	uo.Sender = raw.Sender
	uo.Nonce = bigOrZero((*big.Int)(raw.Nonce))
	uo.InitCode = raw.InitCode
	uo.CallData = raw.CallData
	uo.CallGasLimit = bigOrZero((*big.Int)(raw.CallGasLimit))
	uo.VerificationGasLimit = bigOrZero((*big.Int)(raw.VerificationGasLimit))
	uo.PreVerificationGas = bigOrZero((*big.Int)(raw.PreVerificationGas))
	uo.MaxFeePerGas = bigOrZero((*big.Int)(raw.MaxFeePerGas))
	uo.MaxPriorityFeePerGas = bigOrZero((*big.Int)(raw.MaxPriorityFeePerGas))
	uo.PaymasterAndData = raw.PaymasterAndData
	uo.Signature = raw.Signature
	return nil
}

// Factory returns the account factory address, derived from the first 20
// bytes of initCode. The zero address means no factory is involved.
func (uo *UserOperation) Factory() common.Address {
	if len(uo.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(uo.InitCode[:common.AddressLength])
}

// Paymaster returns the paymaster address, derived from the first 20 bytes
// of paymasterAndData. The zero address means the account pays for itself.
func (uo *UserOperation) Paymaster() common.Address {
	if len(uo.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(uo.PaymasterAndData[:common.AddressLength])
}

// MaxGasCost is the maximum amount of wei the operation can draw from its
// payer: maxFeePerGas * (preVerificationGas + verificationGasLimit * mul + callGasLimit),
// where mul is 3 when a paymaster participates (postOp may re-run validation).
func (uo *UserOperation) MaxGasCost() *big.Int {
	mul := big.NewInt(1)
	if uo.Paymaster() != (common.Address{}) {
		mul = big.NewInt(3)
	}
	gas := new(big.Int).Add(uo.PreVerificationGas, uo.CallGasLimit)
	gas.Add(gas, new(big.Int).Mul(uo.VerificationGasLimit, mul))
	return gas.Mul(gas, uo.MaxFeePerGas)
}

// Clone returns a deep copy of the user operation.
func (uo *UserOperation) Clone() *UserOperation {
	cp := *uo
	cp.Nonce = new(big.Int).Set(uo.Nonce)
	cp.CallGasLimit = new(big.Int).Set(uo.CallGasLimit)
	cp.VerificationGasLimit = new(big.Int).Set(uo.VerificationGasLimit)
	cp.PreVerificationGas = new(big.Int).Set(uo.PreVerificationGas)
	cp.MaxFeePerGas = new(big.Int).Set(uo.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = new(big.Int).Set(uo.MaxPriorityFeePerGas)
	cp.InitCode = append([]byte(nil), uo.InitCode...)
	cp.CallData = append([]byte(nil), uo.CallData...)
	cp.PaymasterAndData = append([]byte(nil), uo.PaymasterAndData...)
	cp.Signature = append([]byte(nil), uo.Signature...)
	return &cp
}
