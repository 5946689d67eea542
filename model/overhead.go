package model

import "math/big"

// Overhead prices the part of a user operation's cost that the EntryPoint
// cannot meter on-chain: intrinsic transaction gas, per-op bookkeeping and
// the calldata bytes of the packed operation.
// https://github.com/eth-infinitism/bundler/blob/main/packages/sdk/src/calcPreVerificationGas.ts
type Overhead struct {
	Fixed         *big.Int
	PerUserOp     *big.Int
	PerUserOpWord *big.Int
	ZeroByte      *big.Int
	NonZeroByte   *big.Int
	BundleSize    *big.Int
}

func DefaultOverhead() Overhead {
	return Overhead{
		Fixed:         big.NewInt(21000),
		PerUserOp:     big.NewInt(18300),
		PerUserOpWord: big.NewInt(4),
		ZeroByte:      big.NewInt(4),
		NonZeroByte:   big.NewInt(16),
		BundleSize:    big.NewInt(1),
	}
}

// CalcPreVerificationGas returns the minimum acceptable preVerificationGas
// for the operation: fixed/bundleSize + perUserOp + calldata byte cost +
// word cost, each division rounded up.
func (o Overhead) CalcPreVerificationGas(uo *UserOperation) *big.Int {
	packed := uo.Pack()

	callDataCost := new(big.Int)
	for _, b := range packed {
		if b == 0 {
			callDataCost.Add(callDataCost, o.ZeroByte)
		} else {
			callDataCost.Add(callDataCost, o.NonZeroByte)
		}
	}

	wordCost := divCeil(
		new(big.Int).Mul(o.PerUserOpWord, big.NewInt(int64(len(packed)+31))),
		big.NewInt(32),
	)

	pvg := divCeil(o.Fixed, o.BundleSize)
	pvg.Add(pvg, callDataCost)
	pvg.Add(pvg, o.PerUserOp)
	pvg.Add(pvg, wordCost)
	return pvg
}

func divCeil(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
