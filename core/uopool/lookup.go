package uopool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/model"
)

// callGasBuffer pads the call gas estimate for EntryPoint bookkeeping
// that simulateHandleOp does not meter against the inner call.
const callGasBuffer = 35000

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// UserOperationByHash is the eth_getUserOperationByHash result.
type UserOperationByHash struct {
	UserOperation   *model.UserOperation `json:"userOperation"`
	EntryPoint      common.Address       `json:"entryPoint"`
	BlockNumber     *hexutil.Big         `json:"blockNumber"`
	BlockHash       common.Hash          `json:"blockHash"`
	TransactionHash common.Hash          `json:"transactionHash"`
}

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	EntryPoint    common.Address `json:"entryPoint"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        hexutil.Bytes  `json:"reason,omitempty"`
	Logs          []*types.Log   `json:"logs"`
	Receipt       *types.Receipt `json:"receipt"`
}

// EstimateUserOperationGas prices the three gas fields of an operation:
// preVerificationGas from the calldata pricing model with 10% headroom,
// verification and call gas from a simulateHandleOp probe.
func (p *Pool) EstimateUserOperationGas(ctx context.Context, uo *model.UserOperation) (*GasEstimate, error) {
	if uo.MaxFeePerGas == nil || uo.MaxFeePerGas.Sign() == 0 {
		return nil, fmt.Errorf("maxFeePerGas must be set to estimate gas")
	}

	op := uo.Clone()
	pvg := divCeil(new(big.Int).Mul(model.DefaultOverhead().CalcPreVerificationGas(op), big.NewInt(110)), big.NewInt(100))
	op.PreVerificationGas = pvg

	res, err := p.chain.SimulateHandleOp(ctx, op)
	if err != nil {
		return nil, err
	}

	// preOpGas covers preVerificationGas plus the verification phase;
	// 3/2 leaves room for the penalty paths the probe does not take
	verificationGas := divCeil(new(big.Int).Mul(new(big.Int).Sub(res.PreOpGas, pvg), big.NewInt(3)), big.NewInt(2))

	callGas := divCeil(res.Paid, op.MaxFeePerGas)
	callGas.Sub(callGas, res.PreOpGas)
	callGas.Add(callGas, big.NewInt(callGasBuffer))

	return &GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(pvg),
		VerificationGasLimit: (*hexutil.Big)(verificationGas),
		CallGasLimit:         (*hexutil.Big)(callGas),
	}, nil
}

// GetUserOperationByHash resolves an included operation from its
// UserOperationEvent within the recent scan window.
func (p *Pool) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	log, err := p.chain.FindUserOperationEvent(ctx, hash)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, ErrNotFound
	}

	tx, _, err := p.chain.TransactionByHash(ctx, log.TxHash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrNotFound
	}

	ops, err := chainio.UnpackHandleOps(tx.Data())
	if err != nil {
		return nil, err
	}
	entryPoint, chainID := p.chain.EntryPoint(), p.chain.ChainID()
	for _, op := range ops {
		if op.Hash(entryPoint, chainID) == hash {
			return &UserOperationByHash{
				UserOperation:   op,
				EntryPoint:      entryPoint,
				BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(log.BlockNumber)),
				BlockHash:       log.BlockHash,
				TransactionHash: log.TxHash,
			}, nil
		}
	}
	return nil, ErrNotFound
}

// GetUserOperationReceipt builds the per-operation receipt from the
// bundle transaction's receipt and the operation's events.
func (p *Pool) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	log, err := p.chain.FindUserOperationEvent(ctx, hash)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return nil, ErrNotFound
	}
	if len(log.Topics) < 4 {
		return nil, fmt.Errorf("malformed UserOperationEvent for %s", hash)
	}

	receipt, err := p.chain.TransactionReceipt(ctx, log.TxHash)
	if err != nil {
		return nil, err
	}

	epABI := chainio.EntryPointABI()
	event := epABI.Events["UserOperationEvent"]
	vals, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode UserOperationEvent: %w", err)
	}
	nonce := vals[0].(*big.Int)
	success := vals[1].(bool)
	actualGasCost := vals[2].(*big.Int)
	actualGasUsed := vals[3].(*big.Int)

	out := &UserOperationReceipt{
		UserOpHash:    hash,
		EntryPoint:    p.chain.EntryPoint(),
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Nonce:         (*hexutil.Big)(nonce),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		ActualGasCost: (*hexutil.Big)(actualGasCost),
		ActualGasUsed: (*hexutil.Big)(actualGasUsed),
		Success:       success,
		Logs:          opLogs(receipt, p.chain.EntryPoint(), event.ID, hash),
		Receipt:       receipt,
	}

	if !success {
		revertEvent := epABI.Events["UserOperationRevertReason"]
		for _, l := range receipt.Logs {
			if l.Address == p.chain.EntryPoint() && len(l.Topics) > 1 &&
				l.Topics[0] == revertEvent.ID && l.Topics[1] == hash {
				if vs, err := revertEvent.Inputs.NonIndexed().Unpack(l.Data); err == nil {
					out.Reason = vs[1].([]byte)
				}
				break
			}
		}
	}
	return out, nil
}

// opLogs slices out the logs one operation emitted from the bundle
// transaction's receipt: everything since the previous operation's
// UserOperationEvent, up to this operation's own.
func opLogs(receipt *types.Receipt, entryPoint common.Address, eventID common.Hash, hash common.Hash) []*types.Log {
	start := 0
	for i, l := range receipt.Logs {
		if l.Address != entryPoint || len(l.Topics) < 2 || l.Topics[0] != eventID {
			continue
		}
		if l.Topics[1] == hash {
			return receipt.Logs[start:i]
		}
		start = i + 1
	}
	return nil
}

func divCeil(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
