package mempool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silius-go/silius/model"
	"github.com/silius-go/silius/storage"
)

func counterBackends(t *testing.T) map[string]Counters {
	t.Helper()
	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Counters{
		"memory":   NewMemoryCounters(),
		"database": NewDatabaseCounters(db, testEntryPoint),
	}
}

func TestReputationStatusThresholds(t *testing.T) {
	tests := []struct {
		name     string
		seen     uint64
		included uint64
		want     ReputationStatus
	}{
		{"unseen entity", 0, 0, StatusOK},
		{"perfect inclusion", 50, 50, StatusOK},
		{"within throttling slack", 10, 0, StatusOK},
		{"just past throttling slack", 30, 0, StatusThrottled},
		{"poor inclusion rate", 200, 150, StatusThrottled},
		{"just within ban slack", 55, 0, StatusThrottled},
		{"past ban slack", 100, 20, StatusBanned},
		{"spammer", 1000, 0, StatusBanned},
	}

	addr := common.HexToAddress("0xe1")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			counters := NewMemoryCounters()
			require.NoError(t, counters.Set(addr, tc.seen, tc.included))
			rep := NewReputation(counters, big.NewInt(1), nil, nil)

			status, err := rep.Status(addr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestReputationLists(t *testing.T) {
	friend := common.HexToAddress("0xf1")
	foe := common.HexToAddress("0xf2")

	counters := NewMemoryCounters()
	// counts that would normally ban
	require.NoError(t, counters.Set(friend, 1000, 0))
	rep := NewReputation(counters, big.NewInt(1),
		[]common.Address{friend}, []common.Address{foe})

	status, err := rep.Status(friend)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	status, err = rep.Status(foe)
	require.NoError(t, err)
	assert.Equal(t, StatusBanned, status)
}

func TestReputationCountersAndDecay(t *testing.T) {
	addr := common.HexToAddress("0xe2")

	for name, counters := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			rep := NewReputation(counters, big.NewInt(1), nil, nil)

			for i := 0; i < 48; i++ {
				require.NoError(t, rep.IncrementSeen(addr))
			}
			for i := 0; i < 24; i++ {
				require.NoError(t, rep.IncrementIncluded(addr))
			}
			seen, included, err := counters.Get(addr)
			require.NoError(t, err)
			assert.Equal(t, uint64(48), seen)
			assert.Equal(t, uint64(24), included)

			// zero address is never counted
			require.NoError(t, rep.IncrementSeen(common.Address{}))
			zs, zi, err := counters.Get(common.Address{})
			require.NoError(t, err)
			assert.Zero(t, zs)
			assert.Zero(t, zi)

			require.NoError(t, rep.Decay())
			seen, included, err = counters.Get(addr)
			require.NoError(t, err)
			assert.Equal(t, uint64(46), seen)
			assert.Equal(t, uint64(23), included)
		})
	}
}

func TestReputationOnNewBlockDecaysEveryInterval(t *testing.T) {
	addr := common.HexToAddress("0xe3")
	counters := NewMemoryCounters()
	require.NoError(t, counters.Set(addr, 24, 0))
	rep := NewReputation(counters, big.NewInt(1), nil, nil)

	for i := 0; i < DecayIntervalBlocks-1; i++ {
		require.NoError(t, rep.OnNewBlock())
	}
	seen, _, err := counters.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), seen)

	require.NoError(t, rep.OnNewBlock())
	seen, _, err = counters.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(23), seen)
}

func TestReputationPenalizeSeen(t *testing.T) {
	addr := common.HexToAddress("0xe4")
	counters := NewMemoryCounters()
	rep := NewReputation(counters, big.NewInt(1), nil, nil)

	require.NoError(t, rep.PenalizeSeen(addr))
	seen, _, err := counters.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(PenaltySeen), seen)
}

func TestVerifyStake(t *testing.T) {
	minStake := big.NewInt(1_000_000_000)
	banned := common.HexToAddress("0xe5")
	counters := NewMemoryCounters()
	require.NoError(t, counters.Set(banned, 1000, 0))
	rep := NewReputation(counters, minStake, nil, nil)

	// zero entity is skipped
	require.NoError(t, rep.VerifyStake("paymaster", model.StakeInfo{}))

	// unstaked entity with clean standing passes
	require.NoError(t, rep.VerifyStake("paymaster", model.StakeInfo{
		Address:      common.HexToAddress("0xe6"),
		Stake:        big.NewInt(0),
		UnstakeDelay: big.NewInt(0),
	}))

	// banned entity is refused regardless of stake
	err := rep.VerifyStake("factory", model.StakeInfo{
		Address:      banned,
		Stake:        big.NewInt(2_000_000_000),
		UnstakeDelay: big.NewInt(MinUnstakeDelay),
	})
	var bannedErr *EntityBannedError
	require.ErrorAs(t, err, &bannedErr)
	assert.Equal(t, banned, bannedErr.Address)

	// staked but below the minimums
	err = rep.VerifyStake("paymaster", model.StakeInfo{
		Address:      common.HexToAddress("0xe7"),
		Stake:        big.NewInt(1),
		UnstakeDelay: big.NewInt(MinUnstakeDelay),
	})
	var lowErr *StakeTooLowError
	require.ErrorAs(t, err, &lowErr)

	err = rep.VerifyStake("paymaster", model.StakeInfo{
		Address:      common.HexToAddress("0xe8"),
		Stake:        big.NewInt(2_000_000_000),
		UnstakeDelay: big.NewInt(MinUnstakeDelay - 1),
	})
	require.ErrorAs(t, err, &lowErr)

	// properly staked
	require.NoError(t, rep.VerifyStake("paymaster", model.StakeInfo{
		Address:      common.HexToAddress("0xe9"),
		Stake:        big.NewInt(2_000_000_000),
		UnstakeDelay: big.NewInt(MinUnstakeDelay),
	}))
}

func TestReputationDumpAndSet(t *testing.T) {
	addr := common.HexToAddress("0xea")
	counters := NewMemoryCounters()
	rep := NewReputation(counters, big.NewInt(1), nil, nil)

	require.NoError(t, rep.SetEntries([]ReputationEntry{
		{Address: addr, OpsSeen: 200, OpsIncluded: 150},
	}))

	entries, err := rep.Dump()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, addr, entries[0].Address)
	assert.Equal(t, uint64(200), entries[0].OpsSeen)
	assert.Equal(t, StatusThrottled, entries[0].Status)
}
