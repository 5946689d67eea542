package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/events"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/validator"
	"github.com/silius-go/silius/core/wallet"
	"github.com/silius-go/silius/model"
)

const (
	// MaxBundleSize caps the operations packed into one handleOps call.
	MaxBundleSize = 128

	// bundleGasFactorPercent of the block gas limit is the bundle's gas
	// envelope.
	bundleGasFactorPercent = 60

	// maxRebuildAttempts bounds how often a bundle is re-packed after a
	// FailedOp revert during gas estimation.
	maxRebuildAttempts = 3

	// baseFeeMarginPercent pads the current base fee when the bundle's
	// own fee caps sit below it.
	baseFeeMarginPercent = 125

	// orphanBumpPercent is the fee bump applied when re-pricing a bundle
	// transaction the network did not pick up.
	orphanBumpPercent = 1125 // of 1000
)

// UserOpSource is the slice of the pool the builder consumes.
type UserOpSource interface {
	CandidatesForBundle() ([]*mempool.Entry, error)
	Revalidate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*validator.Outcome, error)
	RemoveFailed(hash common.Hash)
	RemoveIncluded(ops []*model.UserOperation)
}

// Config tunes bundle construction and submission.
type Config struct {
	// Beneficiary receives the bundle's fee surplus; defaults to the
	// wallet address when zero.
	Beneficiary common.Address
	// BlockTime is the chain's block cadence, used to detect orphaned
	// bundle transactions.
	BlockTime time.Duration
}

// Bundler selects pooled operations, re-validates them, packs a
// handleOps transaction and hands it to the configured sender.
type Bundler struct {
	chain  chainio.Backend
	pool   UserOpSource
	wallet *wallet.Wallet
	sender Sender
	bus    *events.Bus
	cfg    Config
	logger *zap.SugaredLogger

	// pending is the last submitted, not yet mined bundle transaction.
	pending *pendingBundle
}

type pendingBundle struct {
	tx     *types.Transaction
	ops    []*model.UserOperation
	sentAt time.Time
}

func New(chain chainio.Backend, pool UserOpSource, w *wallet.Wallet, sender Sender, bus *events.Bus, cfg Config, logger *zap.SugaredLogger) *Bundler {
	if cfg.Beneficiary == (common.Address{}) {
		cfg.Beneficiary = w.Address()
	}
	if cfg.BlockTime == 0 {
		cfg.BlockTime = 12 * time.Second
	}
	return &Bundler{
		chain:  chain,
		pool:   pool,
		wallet: w,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// SendBundle runs one full build-and-submit cycle. It returns the bundle
// transaction hash, or the zero hash when nothing was eligible.
func (b *Bundler) SendBundle(ctx context.Context) (common.Hash, error) {
	if done, err := b.checkPending(ctx); err != nil {
		return common.Hash{}, err
	} else if !done {
		// previous bundle still in flight, nothing new until it lands
		return common.Hash{}, nil
	}

	head, err := b.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, err
	}

	ops, err := b.assemble(ctx, head)
	if err != nil {
		return common.Hash{}, err
	}
	if len(ops) == 0 {
		return common.Hash{}, nil
	}
	return b.submit(ctx, head, ops)
}

// assemble re-validates candidates in priority order and packs them into
// the gas envelope.
func (b *Bundler) assemble(ctx context.Context, head *types.Header) ([]*model.UserOperation, error) {
	candidates, err := b.pool.CandidatesForBundle()
	if err != nil {
		return nil, err
	}

	gasTarget := new(big.Int).SetUint64(head.GasLimit * bundleGasFactorPercent / 100)
	gasUsed := new(big.Int)
	now := time.Now().Unix()

	// paymaster deposits are consumed cumulatively across the bundle
	deposits := make(map[common.Address]*big.Int)

	var ops []*model.UserOperation
	for _, entry := range candidates {
		if len(ops) >= MaxBundleSize {
			break
		}

		outcome, err := b.pool.Revalidate(ctx, entry.Op, entry.Hash)
		if err != nil {
			b.logger.Debugw("operation failed re-validation, dropping",
				"hash", entry.Hash, "err", err)
			b.pool.RemoveFailed(entry.Hash)
			continue
		}
		if outcome.ValidAfter != nil && outcome.ValidAfter.Sign() > 0 && outcome.ValidAfter.Int64() > now {
			// not yet valid, keep pooled for a later bundle
			continue
		}

		opGas := bundleGas(entry.Op)
		if new(big.Int).Add(gasUsed, opGas).Cmp(gasTarget) > 0 {
			break
		}

		if pm := entry.Op.Paymaster(); pm != (common.Address{}) {
			deposit, ok := deposits[pm]
			if !ok {
				deposit, err = b.chain.BalanceOf(ctx, pm)
				if err != nil {
					return nil, err
				}
				deposits[pm] = deposit
			}
			if deposit.Cmp(outcome.Prefund) < 0 {
				// paymaster cannot cover one more operation in this bundle
				continue
			}
			deposit.Sub(deposit, outcome.Prefund)
		}

		gasUsed.Add(gasUsed, opGas)
		ops = append(ops, entry.Op)
	}
	return ops, nil
}

// submit estimates, signs and sends handleOps for the assembled
// operations, re-packing without the offender when the EntryPoint
// reports a FailedOp.
func (b *Bundler) submit(ctx context.Context, head *types.Header, ops []*model.UserOperation) (common.Hash, error) {
	entryPoint := b.chain.EntryPoint()

	for attempt := 0; attempt < maxRebuildAttempts; attempt++ {
		if len(ops) == 0 {
			return common.Hash{}, nil
		}

		data, err := chainio.PackHandleOps(ops, b.cfg.Beneficiary)
		if err != nil {
			return common.Hash{}, err
		}

		gas, err := b.chain.EstimateGas(ctx, ethereum.CallMsg{
			From: b.wallet.Address(),
			To:   &entryPoint,
			Data: data,
		})
		if err != nil {
			failed, ok := chainio.FailedOpFromError(err)
			if !ok || !failed.OpIndex.IsUint64() || failed.OpIndex.Uint64() >= uint64(len(ops)) {
				return common.Hash{}, err
			}
			idx := failed.OpIndex.Uint64()
			bad := ops[idx]
			b.logger.Warnw("entry point rejected operation during bundling",
				"sender", bad.Sender, "reason", failed.Reason)
			b.pool.RemoveFailed(bad.Hash(entryPoint, b.chain.ChainID()))
			ops = append(ops[:idx], ops[idx+1:]...)
			continue
		}

		maxFee, tip := bundleFees(head.BaseFee, ops)
		tx, err := b.signTx(ctx, &types.DynamicFeeTx{
			ChainID:   b.chain.ChainID(),
			GasTipCap: tip,
			GasFeeCap: maxFee,
			Gas:       gas,
			To:        &entryPoint,
			Data:      data,
		})
		if err != nil {
			return common.Hash{}, err
		}

		txHash, err := b.sender.Send(ctx, tx, head.Number.Uint64()+1)
		if err != nil {
			return common.Hash{}, err
		}

		hashes := make([]common.Hash, 0, len(ops))
		for _, op := range ops {
			hashes = append(hashes, op.Hash(entryPoint, b.chain.ChainID()))
		}
		b.pending = &pendingBundle{tx: tx, ops: ops, sentAt: time.Now()}
		b.bus.PublishBundleSubmitted(events.BundleSubmitted{TxHash: txHash, Hashes: hashes})
		b.logger.Infow("bundle submitted", "tx", txHash, "ops", len(ops), "gas", gas)
		return txHash, nil
	}
	return common.Hash{}, fmt.Errorf("bundle kept failing after %d rebuilds", maxRebuildAttempts)
}

func (b *Bundler) signTx(ctx context.Context, inner *types.DynamicFeeTx) (*types.Transaction, error) {
	nonce, err := b.chain.NonceAt(ctx, b.wallet.Address())
	if err != nil {
		return nil, err
	}
	inner.Nonce = nonce

	opts, err := b.wallet.TransactOpts(b.chain.ChainID())
	if err != nil {
		return nil, err
	}
	return opts.Signer(b.wallet.Address(), types.NewTx(inner))
}

// checkPending reports whether the last bundle transaction has settled.
// A transaction unseen for two block times is re-priced and re-sent.
func (b *Bundler) checkPending(ctx context.Context) (bool, error) {
	if b.pending == nil {
		return true, nil
	}

	receipt, err := b.chain.TransactionReceipt(ctx, b.pending.tx.Hash())
	if err == nil && receipt != nil {
		b.pool.RemoveIncluded(b.pending.ops)
		b.pending = nil
		return true, nil
	}

	if time.Since(b.pending.sentAt) < 2*b.cfg.BlockTime {
		return false, nil
	}

	// orphaned: re-sign with bumped fees and the same nonce
	old := b.pending.tx
	inner := &types.DynamicFeeTx{
		ChainID:   b.chain.ChainID(),
		Nonce:     old.Nonce(),
		GasTipCap: bump(old.GasTipCap()),
		GasFeeCap: bump(old.GasFeeCap()),
		Gas:       old.Gas(),
		To:        old.To(),
		Data:      old.Data(),
	}
	opts, err := b.wallet.TransactOpts(b.chain.ChainID())
	if err != nil {
		return false, err
	}
	tx, err := opts.Signer(b.wallet.Address(), types.NewTx(inner))
	if err != nil {
		return false, err
	}

	head, err := b.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := b.sender.Send(ctx, tx, head.Number.Uint64()+1); err != nil {
		return false, err
	}
	b.logger.Warnw("re-priced orphaned bundle transaction",
		"old", old.Hash(), "new", tx.Hash())
	b.pending.tx = tx
	b.pending.sentAt = time.Now()
	return false, nil
}

// bundleGas is the worst-case gas one operation adds to handleOps: the
// verification limit counts three times when postOp paths may re-enter.
func bundleGas(uo *model.UserOperation) *big.Int {
	gas := new(big.Int).Add(uo.PreVerificationGas, uo.CallGasLimit)
	return gas.Add(gas, new(big.Int).Mul(uo.VerificationGasLimit, big.NewInt(3)))
}

// bundleFees prices the bundle transaction: fee cap is the larger of the
// padded base fee and the median of the operations' caps, tip is the
// median of the operations' tips.
func bundleFees(baseFee *big.Int, ops []*model.UserOperation) (maxFee, tip *big.Int) {
	maxFees := make([]*big.Int, 0, len(ops))
	tips := make([]*big.Int, 0, len(ops))
	for _, op := range ops {
		maxFees = append(maxFees, op.MaxFeePerGas)
		tips = append(tips, op.MaxPriorityFeePerGas)
	}

	maxFee = median(maxFees)
	if baseFee != nil {
		padded := new(big.Int).Div(new(big.Int).Mul(baseFee, big.NewInt(baseFeeMarginPercent)), big.NewInt(100))
		if padded.Cmp(maxFee) > 0 {
			maxFee = padded
		}
	}
	return maxFee, median(tips)
}

func median(vals []*big.Int) *big.Int {
	if len(vals) == 0 {
		return new(big.Int)
	}
	sorted := make([]*big.Int, len(vals))
	copy(sorted, vals)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Cmp(sorted[j-1]) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return new(big.Int).Set(sorted[len(sorted)/2])
}

func bump(fee *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(fee, big.NewInt(orphanBumpPercent)), big.NewInt(1000))
}
