package rpc

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/core/bundler"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/model"
)

// DebugAPI is the debug_* namespace: operator controls that bypass the
// normal bundling flow. Exposed only when explicitly enabled.
type DebugAPI struct {
	pool      *uopool.Pool
	scheduler *bundler.Scheduler
}

func NewDebugAPI(pool *uopool.Pool, scheduler *bundler.Scheduler) *DebugAPI {
	return &DebugAPI{pool: pool, scheduler: scheduler}
}

// ClearState empties the mempool and resets all reputation counters.
func (api *DebugAPI) ClearState() (string, error) {
	if err := api.pool.Clear(); err != nil {
		return "", wrapError(err)
	}
	return "ok", nil
}

// DumpMempool returns the pooled operations in bundle order.
func (api *DebugAPI) DumpMempool(entryPoint common.Address) ([]*model.UserOperation, error) {
	if entryPoint != api.pool.EntryPoint() {
		return nil, newError(CodeInvalidFields, "unsupported entry point")
	}
	entries, err := api.pool.GetSorted()
	if err != nil {
		return nil, wrapError(err)
	}
	ops := make([]*model.UserOperation, 0, len(entries))
	for _, entry := range entries {
		ops = append(ops, entry.Op)
	}
	return ops, nil
}

// SendBundleNow forces one bundle build regardless of bundling mode.
func (api *DebugAPI) SendBundleNow(ctx context.Context) (common.Hash, error) {
	hash, err := api.scheduler.SendBundleNow(ctx)
	if err != nil {
		return common.Hash{}, wrapError(err)
	}
	return hash, nil
}

// SetBundlingMode switches between auto and manual bundling.
func (api *DebugAPI) SetBundlingMode(mode string) (string, error) {
	if err := api.scheduler.SetMode(bundler.Mode(mode)); err != nil {
		return "", newError(CodeInvalidFields, err.Error())
	}
	return "ok", nil
}

// SetReputation overrides reputation counters for the given entities.
func (api *DebugAPI) SetReputation(entries []mempool.ReputationEntry, entryPoint common.Address) (string, error) {
	if entryPoint != api.pool.EntryPoint() {
		return "", newError(CodeInvalidFields, "unsupported entry point")
	}
	if err := api.pool.SetReputation(entries); err != nil {
		return "", wrapError(err)
	}
	return "ok", nil
}

// DumpReputation lists every tracked entity with its computed status.
func (api *DebugAPI) DumpReputation(entryPoint common.Address) ([]mempool.ReputationEntry, error) {
	if entryPoint != api.pool.EntryPoint() {
		return nil, newError(CodeInvalidFields, "unsupported entry point")
	}
	entries, err := api.pool.DumpReputation()
	if err != nil {
		return nil, wrapError(err)
	}
	return entries, nil
}
