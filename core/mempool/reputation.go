package mempool

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/model"
)

// Reputation thresholds.
// https://github.com/eth-infinitism/account-abstraction/blob/develop/eip/EIPS/eip-aa-rules.md#constants
const (
	MinInclusionRateDenominator = 10
	InclusionRateFactor         = 10
	ThrottlingSlack             = 10
	BanSlack                    = 50
	PenaltySeen                 = 10

	SameSenderMempoolCount         = 4
	SameUnstakedEntityMempoolCount = 10
	ThrottledEntityMempoolCount    = 4
	// a throttled entity gets at most one operation per bundle
	ThrottledEntityBundleCount = 1

	MinUnstakeDelay = 86400

	// counters decay by 23/24 once this many blocks have passed
	DecayIntervalBlocks = 24
)

type ReputationStatus uint8

const (
	StatusOK ReputationStatus = iota
	StatusThrottled
	StatusBanned
)

func (s ReputationStatus) String() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	default:
		return "ok"
	}
}

// ReputationEntry is one entity's standing, as exposed by the debug API.
type ReputationEntry struct {
	Address     common.Address   `json:"address"`
	OpsSeen     uint64           `json:"opsSeen"`
	OpsIncluded uint64           `json:"opsIncluded"`
	Status      ReputationStatus `json:"status"`
}

// EntityBannedError marks an operation referencing a banned entity.
type EntityBannedError struct {
	Entity  string
	Address common.Address
}

func (e *EntityBannedError) Error() string {
	return fmt.Sprintf("%s %s is banned", e.Entity, e.Address)
}

// StakeTooLowError marks a staked entity below the chain's minimums.
type StakeTooLowError struct {
	Entity          string
	Address         common.Address
	MinStake        *big.Int
	MinUnstakeDelay *big.Int
}

func (e *StakeTooLowError) Error() string {
	return fmt.Sprintf("%s %s stake or unstake delay too low (min stake %s, min delay %s)",
		e.Entity, e.Address, e.MinStake, e.MinUnstakeDelay)
}

// Counters persists per-entity opsSeen/opsIncluded.
type Counters interface {
	AddSeen(addr common.Address, n uint64) error
	AddIncluded(addr common.Address, n uint64) error
	Get(addr common.Address) (seen, included uint64, err error)
	Set(addr common.Address, seen, included uint64) error
	All() (map[common.Address][2]uint64, error)
}

// Reputation tracks how reliably each entity's operations make it from
// the pool on-chain, and throttles or bans the ones that spam.
type Reputation struct {
	mu       sync.Mutex
	counters Counters

	whitelist map[common.Address]struct{}
	blacklist map[common.Address]struct{}

	minStake        *big.Int
	minUnstakeDelay *big.Int

	blocksSinceDecay uint64
}

func NewReputation(counters Counters, minStake *big.Int, whitelist, blacklist []common.Address) *Reputation {
	r := &Reputation{
		counters:        counters,
		whitelist:       make(map[common.Address]struct{}),
		blacklist:       make(map[common.Address]struct{}),
		minStake:        minStake,
		minUnstakeDelay: big.NewInt(MinUnstakeDelay),
	}
	for _, addr := range whitelist {
		r.whitelist[addr] = struct{}{}
	}
	for _, addr := range blacklist {
		r.blacklist[addr] = struct{}{}
	}
	return r
}

// IncrementSeen bumps opsSeen for each distinct entity of an admitted
// operation.
func (r *Reputation) IncrementSeen(addrs ...common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			continue
		}
		if err := r.counters.AddSeen(addr, 1); err != nil {
			return err
		}
	}
	return nil
}

// IncrementIncluded bumps opsIncluded after on-chain inclusion.
func (r *Reputation) IncrementIncluded(addrs ...common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			continue
		}
		if err := r.counters.AddIncluded(addr, 1); err != nil {
			return err
		}
	}
	return nil
}

// PenalizeSeen charges an entity that caused a bundle simulation
// failure, making its ban threshold approach faster.
func (r *Reputation) PenalizeSeen(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr == (common.Address{}) {
		return nil
	}
	return r.counters.AddSeen(addr, PenaltySeen)
}

// Status derives the entity's standing from its counters and the
// allow/deny lists.
func (r *Reputation) Status(addr common.Address) (ReputationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status(addr)
}

func (r *Reputation) status(addr common.Address) (ReputationStatus, error) {
	if addr == (common.Address{}) {
		return StatusOK, nil
	}
	if _, ok := r.whitelist[addr]; ok {
		return StatusOK, nil
	}
	if _, ok := r.blacklist[addr]; ok {
		return StatusBanned, nil
	}

	seen, included, err := r.counters.Get(addr)
	if err != nil {
		return StatusOK, err
	}
	if seen < included {
		return StatusOK, nil
	}

	diff := seen - included
	minExpected := seen / MinInclusionRateDenominator
	switch {
	case diff <= minExpected+ThrottlingSlack:
		return StatusOK, nil
	case diff <= minExpected+BanSlack:
		return StatusThrottled, nil
	default:
		return StatusBanned, nil
	}
}

// Counts reads an entity's raw counters.
func (r *Reputation) Counts(addr common.Address) (seen, included uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters.Get(addr)
}

// VerifyStake checks an entity against its reputation and, when staked,
// against the chain's minimum stake and unstake delay.
func (r *Reputation) VerifyStake(entity string, info model.StakeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Address == (common.Address{}) {
		return nil
	}
	if _, ok := r.whitelist[info.Address]; ok {
		return nil
	}

	status, err := r.status(info.Address)
	if err != nil {
		return err
	}
	if status == StatusBanned {
		return &EntityBannedError{Entity: entity, Address: info.Address}
	}

	if !info.Staked() {
		return nil
	}
	if (r.minStake != nil && info.Stake.Cmp(r.minStake) < 0) ||
		info.UnstakeDelay.Cmp(r.minUnstakeDelay) < 0 {
		return &StakeTooLowError{
			Entity:          entity,
			Address:         info.Address,
			MinStake:        r.minStake,
			MinUnstakeDelay: r.minUnstakeDelay,
		}
	}
	return nil
}

// OnNewBlock advances the decay clock; every DecayIntervalBlocks both
// counters of every entity shrink by 1/24th.
func (r *Reputation) OnNewBlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blocksSinceDecay++
	if r.blocksSinceDecay < DecayIntervalBlocks {
		return nil
	}
	r.blocksSinceDecay = 0
	return r.decay()
}

// Decay applies one decay step immediately. The node also runs this on
// a wall-clock schedule so standing recovers even when the chain stalls.
func (r *Reputation) Decay() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decay()
}

func (r *Reputation) decay() error {
	all, err := r.counters.All()
	if err != nil {
		return err
	}
	for addr, counts := range all {
		seen := counts[0] * (DecayIntervalBlocks - 1) / DecayIntervalBlocks
		included := counts[1] * (DecayIntervalBlocks - 1) / DecayIntervalBlocks
		if err := r.counters.Set(addr, seen, included); err != nil {
			return err
		}
	}
	return nil
}

// Clear resets every entity's counters to zero.
func (r *Reputation) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.counters.All()
	if err != nil {
		return err
	}
	for addr := range all {
		if err := r.counters.Set(addr, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// Dump lists every entity the engine has seen, for the debug API.
func (r *Reputation) Dump() ([]ReputationEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.counters.All()
	if err != nil {
		return nil, err
	}
	entries := make([]ReputationEntry, 0, len(all))
	for addr, counts := range all {
		status, err := r.status(addr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ReputationEntry{
			Address:     addr,
			OpsSeen:     counts[0],
			OpsIncluded: counts[1],
			Status:      status,
		})
	}
	return entries, nil
}

// SetEntries overrides counters directly; the debug API uses this to
// set up test scenarios.
func (r *Reputation) SetEntries(entries []ReputationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if err := r.counters.Set(e.Address, e.OpsSeen, e.OpsIncluded); err != nil {
			return err
		}
	}
	return nil
}
