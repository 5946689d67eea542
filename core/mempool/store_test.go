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

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func poolEntry(sender common.Address, nonce int64, tip int64) *Entry {
	op := &model.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(45000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(tip),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
	return &Entry{Op: op, Hash: op.Hash(testEntryPoint, big.NewInt(1))}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Store{
		"memory":   NewMemoryStore(),
		"database": NewDatabaseStore(db, testEntryPoint),
	}
}

func TestStoreAddGetRemove(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			entry := poolEntry(sender, 0, 100)
			replaced, err := store.Add(entry)
			require.NoError(t, err)
			assert.Nil(t, replaced)

			got, err := store.GetByHash(entry.Hash)
			require.NoError(t, err)
			assert.Equal(t, entry.Hash, got.Hash)
			assert.Equal(t, sender, got.Op.Sender)

			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, store.Remove(entry.Hash))
			_, err = store.GetByHash(entry.Hash)
			assert.ErrorIs(t, err, ErrNotFound)

			byPair, err := store.GetBySenderNonce(sender, NonceKey(entry))
			require.NoError(t, err)
			assert.Nil(t, byPair)
		})
	}
}

func TestStoreReplacesSameSenderNonce(t *testing.T) {
	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := poolEntry(sender, 7, 100)
			_, err := store.Add(first)
			require.NoError(t, err)

			second := poolEntry(sender, 7, 200)
			replaced, err := store.Add(second)
			require.NoError(t, err)
			require.NotNil(t, replaced)
			assert.Equal(t, first.Hash, *replaced)

			// the incumbent is gone, only the replacement remains
			_, err = store.GetByHash(first.Hash)
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			incumbent, err := store.GetBySenderNonce(sender, NonceKey(second))
			require.NoError(t, err)
			require.NotNil(t, incumbent)
			assert.Equal(t, second.Hash, incumbent.Hash)
		})
	}
}

func TestStoreSortedByTipThenAge(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			low := poolEntry(common.HexToAddress("0xa1"), 0, 100)
			highOld := poolEntry(common.HexToAddress("0xa2"), 0, 500)
			highNew := poolEntry(common.HexToAddress("0xa3"), 0, 500)
			mid := poolEntry(common.HexToAddress("0xa4"), 0, 300)

			for _, e := range []*Entry{low, highOld, highNew, mid} {
				_, err := store.Add(e)
				require.NoError(t, err)
			}

			sorted, err := store.GetSorted()
			require.NoError(t, err)
			require.Len(t, sorted, 4)
			assert.Equal(t, highOld.Hash, sorted[0].Hash)
			assert.Equal(t, highNew.Hash, sorted[1].Hash)
			assert.Equal(t, mid.Hash, sorted[2].Hash)
			assert.Equal(t, low.Hash, sorted[3].Hash)
		})
	}
}

func TestStoreCountBySenderAndEntity(t *testing.T) {
	sender := common.HexToAddress("0x3333333333333333333333333333333333333333")
	paymaster := common.HexToAddress("0x4444444444444444444444444444444444444444")

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(0); i < 3; i++ {
				entry := poolEntry(sender, i, 100+i)
				if i < 2 {
					entry.Op.PaymasterAndData = paymaster.Bytes()
					entry.Hash = entry.Op.Hash(testEntryPoint, big.NewInt(1))
				}
				_, err := store.Add(entry)
				require.NoError(t, err)
			}
			_, err := store.Add(poolEntry(common.HexToAddress("0xbb"), 0, 50))
			require.NoError(t, err)

			bySender, err := store.CountBySender(sender)
			require.NoError(t, err)
			assert.Equal(t, 3, bySender)

			byEntity, err := store.CountByEntity(paymaster)
			require.NoError(t, err)
			assert.Equal(t, 2, byEntity)
		})
	}
}

func TestStoreCodeHashes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			entry := poolEntry(common.HexToAddress("0xcc"), 0, 10)
			_, err := store.Add(entry)
			require.NoError(t, err)

			has, err := store.HasCodeHashes(entry.Hash)
			require.NoError(t, err)
			assert.False(t, has)

			hashes := []model.CodeHash{
				{Address: entry.Op.Sender, Hash: common.HexToHash("0x01")},
			}
			require.NoError(t, store.SetCodeHashes(entry.Hash, hashes))

			got, err := store.GetCodeHashes(entry.Hash)
			require.NoError(t, err)
			assert.True(t, model.EqualCodeHashes(hashes, got))

			// removal drops the captured hashes too
			require.NoError(t, store.Remove(entry.Hash))
			has, err = store.HasCodeHashes(entry.Hash)
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestStoreClear(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(0); i < 5; i++ {
				_, err := store.Add(poolEntry(common.HexToAddress("0xdd"), i, 10))
				require.NoError(t, err)
			}
			require.NoError(t, store.Clear())
			n, err := store.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}
