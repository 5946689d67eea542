package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/model"
)

// EthAPI is the eth_* namespace of the ERC-4337 RPC.
type EthAPI struct {
	pool *uopool.Pool
}

func NewEthAPI(pool *uopool.Pool) *EthAPI {
	return &EthAPI{pool: pool}
}

func (api *EthAPI) checkEntryPoint(entryPoint common.Address) error {
	if entryPoint != api.pool.EntryPoint() {
		return newError(CodeInvalidFields,
			fmt.Sprintf("unsupported entry point %s, supported: %s", entryPoint, api.pool.EntryPoint()))
	}
	return nil
}

// SendUserOperation validates and pools an operation, returning its
// hash.
func (api *EthAPI) SendUserOperation(ctx context.Context, op model.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if err := api.checkEntryPoint(entryPoint); err != nil {
		return common.Hash{}, err
	}
	hash, err := api.pool.AddUserOperation(ctx, &op, false)
	if err != nil {
		var dup *uopool.DuplicateError
		if errors.As(err, &dup) {
			// resubmitting the exact same operation is idempotent
			return hash, nil
		}
		return common.Hash{}, wrapError(err)
	}
	return hash, nil
}

// EstimateUserOperationGas fills the three gas fields for a partial
// operation.
func (api *EthAPI) EstimateUserOperationGas(ctx context.Context, op model.UserOperation, entryPoint common.Address) (*uopool.GasEstimate, error) {
	if err := api.checkEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	est, err := api.pool.EstimateUserOperationGas(ctx, &op)
	if err != nil {
		return nil, wrapError(err)
	}
	return est, nil
}

// GetUserOperationByHash looks up an included operation; null when
// unknown.
func (api *EthAPI) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*uopool.UserOperationByHash, error) {
	res, err := api.pool.GetUserOperationByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, uopool.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return res, nil
}

// GetUserOperationReceipt builds the per-operation receipt; null when
// unknown.
func (api *EthAPI) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*uopool.UserOperationReceipt, error) {
	res, err := api.pool.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, uopool.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return res, nil
}

// SupportedEntryPoints lists the entry point contracts this node
// bundles for.
func (api *EthAPI) SupportedEntryPoints() []common.Address {
	return []common.Address{api.pool.EntryPoint()}
}

// ChainId reports the chain the node is bound to.
func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(api.pool.ChainID())
}
