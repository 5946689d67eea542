package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Entity levels index the stake info array returned by simulateValidation.
const (
	FactoryLevel = iota
	SenderLevel
	PaymasterLevel
	NumberOfEntityLevels
)

// Entity names as they appear in EntryPoint revert reasons and the
// reputation API.
const (
	EntityFactory   = "factory"
	EntitySender    = "account"
	EntityPaymaster = "paymaster"
)

var levelToEntity = [NumberOfEntityLevels]string{EntityFactory, EntitySender, EntityPaymaster}

// EntityName maps a stake-info level to its entity name.
func EntityName(level int) string {
	if level < 0 || level >= NumberOfEntityLevels {
		return ""
	}
	return levelToEntity[level]
}

// StakeInfo describes an entity's deposit on the EntryPoint.
type StakeInfo struct {
	Address      common.Address
	Stake        *big.Int
	UnstakeDelay *big.Int
}

// Staked reports whether the entity carries any stake at all. Threshold
// checks against minimum stake values are left to the caller.
func (s StakeInfo) Staked() bool {
	return s.Stake != nil && s.Stake.Sign() > 0 &&
		s.UnstakeDelay != nil && s.UnstakeDelay.Sign() > 0
}

// CodeHash records the code hash of a contract touched during simulation.
// A change between two validations of the same operation invalidates the
// earlier result.
type CodeHash struct {
	Address common.Address `json:"address"`
	Hash    common.Hash    `json:"hash"`
}

// EqualCodeHashes compares two code-hash sets irrespective of order.
func EqualCodeHashes(a, b []CodeHash) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[common.Address]common.Hash, len(a))
	for _, ch := range a {
		m[ch.Address] = ch.Hash
	}
	for _, ch := range b {
		h, ok := m[ch.Address]
		if !ok || h != ch.Hash {
			return false
		}
	}
	return true
}
