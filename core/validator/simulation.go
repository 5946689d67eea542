package validator

import (
	"math/big"
	"time"

	"github.com/silius-go/silius/model"
)

// checkTimestamps rejects operations outside (or too close to the end
// of) their validity window. validUntil == 0 means no expiry.
func (v *Validator) checkTimestamps(outcome *Outcome) error {
	if outcome.ValidUntil == nil || outcome.ValidUntil.Sign() == 0 {
		return nil
	}
	now := big.NewInt(time.Now().Unix())
	if outcome.ValidUntil.Cmp(now) < 0 {
		return &ExpiredError{Reason: "already expired"}
	}
	margin := new(big.Int).Add(now, big.NewInt(expirationMargin))
	if outcome.ValidUntil.Cmp(margin) <= 0 {
		return &ExpiredError{Reason: "expires too soon"}
	}
	return nil
}

// checkExtraVerificationGas requires verificationGasLimit headroom over
// what the first simulation actually consumed, so the second validation
// inside handleOps cannot run out.
func (v *Validator) checkExtraVerificationGas(uo *model.UserOperation, outcome *Outcome) error {
	if outcome.PreOpGas == nil {
		return nil
	}
	used := new(big.Int).Sub(outcome.PreOpGas, uo.PreVerificationGas)
	extra := new(big.Int).Sub(uo.VerificationGasLimit, used)

	required := big.NewInt(minExtraVerificationGas)
	if len(uo.InitCode) == 0 {
		required.Rsh(required, 1)
	}
	if extra.Cmp(required) < 0 {
		return &SimulationError{
			Reason: "verification gas limit leaves too little headroom for the on-chain validation",
		}
	}
	return nil
}
