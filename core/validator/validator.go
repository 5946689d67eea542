package validator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/model"
)

const (
	// minimum callGasLimit accepted into the pool
	callGasMin = 21000

	// accepted preVerificationGas may undershoot the local estimate by 10%
	preVerificationGasSlackPercent = 10

	// required fee bump for a (sender, nonce) replacement
	feeIncreasePercent = 10

	// seconds before validUntil at which an operation is considered
	// too close to expiry to be worth pooling
	expirationMargin = 10

	// verificationGasLimit headroom the EntryPoint needs beyond what
	// the first simulation consumed; halved for already deployed senders
	minExtraVerificationGas = 2000
)

// Config carries the operator-tunable validation limits.
type Config struct {
	MinStake             *big.Int
	MinPriorityFeePerGas *big.Int
	MaxVerificationGas   *big.Int
}

// Outcome is the record produced by a successful validation. The pool
// stores it alongside the operation; the bundler re-checks it before
// inclusion.
type Outcome struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter *big.Int
	ValidUntil *big.Int

	StakeInfo  [model.NumberOfEntityLevels]model.StakeInfo
	CodeHashes []model.CodeHash
	Aggregator common.Address

	VerifiedAtBlock     *big.Int
	VerifiedAtBlockHash common.Hash
}

// Validator is the admission pipeline: static sanity checks, then a
// traced simulateValidation, then the ERC-7562 rule set over the trace.
// It reads the pool and reputation but never mutates them; the pool
// orchestrator applies the outcome.
type Validator struct {
	chain  chainio.Backend
	pool   mempool.Store
	rep    *mempool.Reputation
	cfg    Config
	logger *zap.SugaredLogger
}

func New(chain chainio.Backend, pool mempool.Store, rep *mempool.Reputation, cfg Config, logger *zap.SugaredLogger) *Validator {
	return &Validator{
		chain:  chain,
		pool:   pool,
		rep:    rep,
		cfg:    cfg,
		logger: logger,
	}
}

// Validate answers whether the operation may enter the pool and, if so,
// with what outcome record. Checks run cheapest first so malformed
// operations never reach the execution client.
func (v *Validator) Validate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*Outcome, error) {
	head, err := v.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	if err := v.checkFields(uo); err != nil {
		return nil, err
	}
	if err := v.checkGasLimits(uo); err != nil {
		return nil, err
	}
	if err := v.checkFees(uo, head.BaseFee); err != nil {
		return nil, err
	}
	if err := v.checkSender(ctx, uo); err != nil {
		return nil, err
	}
	if err := v.checkEntityRoles(uo); err != nil {
		return nil, err
	}
	if err := v.checkEntityReputation(uo); err != nil {
		return nil, err
	}

	frame, outcome, err := v.simulateTraced(ctx, uo, head)
	if err != nil {
		return nil, err
	}
	if err := v.checkExtraVerificationGas(uo, outcome); err != nil {
		return nil, err
	}
	if err := v.checkTrace(ctx, uo, hash, frame, outcome); err != nil {
		return nil, err
	}

	if err := v.checkUnstakedLimits(uo, outcome); err != nil {
		return nil, err
	}
	if err := v.checkPrefund(ctx, uo, outcome); err != nil {
		return nil, err
	}

	return outcome, nil
}

// Revalidate re-runs the traced simulation for an operation that is
// already pooled, as the bundler does right before inclusion. Static
// sanity and reputation checks are skipped: they were enforced at
// admission, and the incumbent-replacement rule must not reject the
// operation against itself.
func (v *Validator) Revalidate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*Outcome, error) {
	head, err := v.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	frame, outcome, err := v.simulateTraced(ctx, uo, head)
	if err != nil {
		return nil, err
	}
	if err := v.checkTrace(ctx, uo, hash, frame, outcome); err != nil {
		return nil, err
	}
	if err := v.checkPrefund(ctx, uo, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// simulateTraced runs the traced simulation and the checks every
// validation shares: no aggregator, valid signature, open validity
// window.
func (v *Validator) simulateTraced(ctx context.Context, uo *model.UserOperation, head *types.Header) (*chainio.TracerFrame, *Outcome, error) {
	frame, res, err := v.chain.SimulateValidationTrace(ctx, uo)
	if err != nil {
		return nil, nil, err
	}
	if res.Aggregator != (common.Address{}) {
		return nil, nil, &AggregatorError{Aggregator: res.Aggregator}
	}

	outcome := &Outcome{
		PreOpGas:            res.ReturnInfo.PreOpGas,
		Prefund:             res.ReturnInfo.Prefund,
		SigFailed:           res.ReturnInfo.SigFailed,
		ValidAfter:          res.ReturnInfo.ValidAfter,
		ValidUntil:          res.ReturnInfo.ValidUntil,
		StakeInfo:           res.StakeInfoByLevel(),
		Aggregator:          res.Aggregator,
		VerifiedAtBlock:     new(big.Int).Set(head.Number),
		VerifiedAtBlockHash: head.Hash(),
	}
	outcome.StakeInfo[model.FactoryLevel].Address = uo.Factory()
	outcome.StakeInfo[model.SenderLevel].Address = uo.Sender
	outcome.StakeInfo[model.PaymasterLevel].Address = uo.Paymaster()

	if outcome.SigFailed {
		return nil, nil, &SignatureError{}
	}
	if err := v.checkTimestamps(outcome); err != nil {
		return nil, nil, err
	}
	return frame, outcome, nil
}

// staked reports whether a stake info satisfies the configured minimums.
func (v *Validator) staked(info model.StakeInfo) bool {
	if !info.Staked() {
		return false
	}
	if v.cfg.MinStake != nil && info.Stake.Cmp(v.cfg.MinStake) < 0 {
		return false
	}
	return info.UnstakeDelay.Cmp(big.NewInt(mempool.MinUnstakeDelay)) >= 0
}
