package validator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/model"
)

// checkFields rejects structurally malformed operations.
func (v *Validator) checkFields(uo *model.UserOperation) error {
	if uo.Sender == (common.Address{}) {
		return &SanityError{Field: "sender", Reason: "must not be the zero address"}
	}
	if n := len(uo.InitCode); n > 0 && n < common.AddressLength {
		return &SanityError{Field: "initCode", Reason: "must be empty or hold at least a factory address"}
	}
	if n := len(uo.PaymasterAndData); n > 0 && n < common.AddressLength {
		return &SanityError{Field: "paymasterAndData", Reason: "must be empty or hold at least a paymaster address"}
	}
	return nil
}

// checkGasLimits enforces the static gas bounds.
func (v *Validator) checkGasLimits(uo *model.UserOperation) error {
	if uo.CallGasLimit.Cmp(big.NewInt(callGasMin)) < 0 {
		return &SanityError{
			Field:  "callGasLimit",
			Reason: fmt.Sprintf("%s is below the minimum of %d", uo.CallGasLimit, callGasMin),
		}
	}
	if v.cfg.MaxVerificationGas != nil && uo.VerificationGasLimit.Cmp(v.cfg.MaxVerificationGas) > 0 {
		return &SanityError{
			Field:  "verificationGasLimit",
			Reason: fmt.Sprintf("%s exceeds the maximum of %s", uo.VerificationGasLimit, v.cfg.MaxVerificationGas),
		}
	}

	// local estimate with 10% tolerance
	estimate := model.DefaultOverhead().CalcPreVerificationGas(uo)
	estimate.Mul(estimate, big.NewInt(100-preVerificationGasSlackPercent))
	estimate = divCeil(estimate, big.NewInt(100))
	if uo.PreVerificationGas.Cmp(estimate) < 0 {
		return &SanityError{
			Field:  "preVerificationGas",
			Reason: fmt.Sprintf("%s is below the expected %s", uo.PreVerificationGas, estimate),
		}
	}
	return nil
}

// checkFees enforces fee sanity against the current base fee and the
// operator's minimum priority fee.
func (v *Validator) checkFees(uo *model.UserOperation, baseFee *big.Int) error {
	if uo.MaxPriorityFeePerGas.Cmp(uo.MaxFeePerGas) > 0 {
		return &SanityError{
			Field:  "maxPriorityFeePerGas",
			Reason: "must not exceed maxFeePerGas",
		}
	}
	if baseFee != nil && uo.MaxFeePerGas.Cmp(baseFee) < 0 {
		return &SanityError{
			Field:  "maxFeePerGas",
			Reason: fmt.Sprintf("%s is below the current base fee %s", uo.MaxFeePerGas, baseFee),
		}
	}
	if v.cfg.MinPriorityFeePerGas != nil && uo.MaxPriorityFeePerGas.Cmp(v.cfg.MinPriorityFeePerGas) < 0 {
		return &SanityError{
			Field:  "maxPriorityFeePerGas",
			Reason: fmt.Sprintf("%s is below the accepted minimum %s", uo.MaxPriorityFeePerGas, v.cfg.MinPriorityFeePerGas),
		}
	}
	return nil
}

// checkSender verifies the deployed-code/initCode exclusivity and, when
// the (sender, nonce) pair is already pooled, the replacement fee bump.
func (v *Validator) checkSender(ctx context.Context, uo *model.UserOperation) error {
	code, err := v.chain.CodeAt(ctx, uo.Sender, nil)
	if err != nil {
		return err
	}
	deployed := len(code) > 0
	if deployed == (len(uo.InitCode) > 0) {
		if deployed {
			return &SanityError{Field: "initCode", Reason: "sender is already deployed"}
		}
		return &SanityError{Field: "sender", Reason: "account is not deployed and initCode is empty"}
	}

	incumbent, err := v.pool.GetBySenderNonce(uo.Sender, mempool.NonceKey(&mempool.Entry{Op: uo}))
	if err != nil {
		return err
	}
	if incumbent == nil {
		return nil
	}
	// both bounds must be bumped by the full percentage
	if uo.MaxFeePerGas.Cmp(bumpedFee(incumbent.Op.MaxFeePerGas)) < 0 ||
		uo.MaxPriorityFeePerGas.Cmp(bumpedFee(incumbent.Op.MaxPriorityFeePerGas)) < 0 {
		return &ReplacementUnderpricedError{Sender: uo.Sender}
	}
	return nil
}

// checkEntityRoles rejects operations whose sender doubles as another
// operation's entity, or whose entities double as senders.
func (v *Validator) checkEntityRoles(uo *model.UserOperation) error {
	n, err := v.pool.CountByEntity(uo.Sender)
	if err != nil {
		return err
	}
	if n > 0 {
		return &SanityError{Field: "sender", Reason: "address is used as an entity by pooled operations"}
	}
	for _, entity := range []common.Address{uo.Factory(), uo.Paymaster()} {
		if entity == (common.Address{}) {
			continue
		}
		n, err := v.pool.CountBySender(entity)
		if err != nil {
			return err
		}
		if n > 0 {
			return &SanityError{Field: "entity", Reason: fmt.Sprintf("%s is used as a sender by pooled operations", entity)}
		}
	}
	return nil
}

// checkEntityReputation rejects banned entities outright and throttled
// entities once they hold their mempool allowance.
func (v *Validator) checkEntityReputation(uo *model.UserOperation) error {
	entities := map[string]common.Address{
		model.EntitySender:    uo.Sender,
		model.EntityFactory:   uo.Factory(),
		model.EntityPaymaster: uo.Paymaster(),
	}
	for name, addr := range entities {
		if addr == (common.Address{}) {
			continue
		}
		status, err := v.rep.Status(addr)
		if err != nil {
			return err
		}
		switch status {
		case mempool.StatusBanned:
			return &mempool.EntityBannedError{Entity: name, Address: addr}
		case mempool.StatusThrottled:
			asSender, err := v.pool.CountBySender(addr)
			if err != nil {
				return err
			}
			asEntity, err := v.pool.CountByEntity(addr)
			if err != nil {
				return err
			}
			if asSender+asEntity >= mempool.ThrottledEntityMempoolCount {
				return &UnstakedEntityError{
					Entity:  name,
					Address: addr,
					Reason:  "is throttled and already at its mempool allowance",
				}
			}
		}
	}
	return nil
}

// checkUnstakedLimits applies the per-entity mempool caps that bind
// only when the entity is unstaked. Runs after simulation, which is
// where the stake amounts come from.
func (v *Validator) checkUnstakedLimits(uo *model.UserOperation, outcome *Outcome) error {
	if !v.staked(outcome.StakeInfo[model.SenderLevel]) {
		n, err := v.pool.CountBySender(uo.Sender)
		if err != nil {
			return err
		}
		if n >= mempool.SameSenderMempoolCount {
			return &UnstakedEntityError{
				Entity:  model.EntitySender,
				Address: uo.Sender,
				Reason:  fmt.Sprintf("already has %d operations in the mempool", n),
			}
		}
	}

	for _, level := range []int{model.FactoryLevel, model.PaymasterLevel} {
		info := outcome.StakeInfo[level]
		if info.Address == (common.Address{}) || v.staked(info) {
			continue
		}
		seen, included, err := v.rep.Counts(info.Address)
		if err != nil {
			return err
		}
		n, err := v.pool.CountByEntity(info.Address)
		if err != nil {
			return err
		}
		if n >= allowedUserOps(seen, included) {
			return &UnstakedEntityError{
				Entity:  model.EntityName(level),
				Address: info.Address,
				Reason:  fmt.Sprintf("already has %d operations in the mempool", n),
			}
		}
	}
	return nil
}

// allowedUserOps is the mempool allowance of an unstaked entity: the
// base count plus a bonus proportional to its inclusion rate.
func allowedUserOps(seen, included uint64) int {
	if seen == 0 {
		return mempool.SameUnstakedEntityMempoolCount
	}
	bonus := included * mempool.InclusionRateFactor / seen
	if included > 10000 {
		included = 10000
	}
	return mempool.SameUnstakedEntityMempoolCount + int(bonus) + int(included)
}

// checkPrefund verifies the sender (or its paymaster) can cover the
// required prefund.
func (v *Validator) checkPrefund(ctx context.Context, uo *model.UserOperation, outcome *Outcome) error {
	if outcome.Prefund == nil || outcome.Prefund.Sign() == 0 {
		return nil
	}
	account := uo.Sender
	if paymaster := uo.Paymaster(); paymaster != (common.Address{}) {
		account = paymaster
	}
	deposit, err := v.chain.BalanceOf(ctx, account)
	if err != nil {
		return err
	}
	available := new(big.Int).Set(deposit)
	if account == uo.Sender {
		balance, err := v.chain.BalanceAt(ctx, uo.Sender)
		if err != nil {
			return err
		}
		available.Add(available, balance)
	}
	if available.Cmp(outcome.Prefund) < 0 {
		return &PrefundError{Prefund: outcome.Prefund, Available: available}
	}
	return nil
}

func bumpedFee(fee *big.Int) *big.Int {
	bumped := new(big.Int).Mul(fee, big.NewInt(100+feeIncreasePercent))
	return divCeil(bumped, big.NewInt(100))
}

func divCeil(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
