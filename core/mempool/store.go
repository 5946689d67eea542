package mempool

import (
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/model"
)

var (
	// ErrNotFound is returned when no operation with the given hash is
	// known to the pool.
	ErrNotFound = errors.New("user operation not found")
)

// Entry is a pooled user operation together with its pool bookkeeping.
type Entry struct {
	Op   *model.UserOperation `json:"userOperation"`
	Hash common.Hash          `json:"hash"`
	// AddedAt is a monotonic admission sequence used as the age
	// tie-break when sorting.
	AddedAt uint64 `json:"addedAt"`
}

// Store is one entry-point-scoped mempool: operations by hash, the
// (sender, nonce) uniqueness index and the per-operation code hashes
// captured during validation.
//
// Store implementations are not synchronized; the pool serializes
// access behind its own lock.
type Store interface {
	// Add inserts or replaces the entry. Replacing semantics follow the
	// (sender, nonce) index: an existing operation for the same pair is
	// superseded and its hash returned.
	Add(entry *Entry) (replaced *common.Hash, err error)

	GetByHash(hash common.Hash) (*Entry, error)
	// GetBySenderNonce returns the incumbent operation for a (sender,
	// nonce) pair, or nil.
	GetBySenderNonce(sender common.Address, nonce []byte) (*Entry, error)
	CountBySender(sender common.Address) (int, error)
	// CountByEntity counts pooled operations whose factory or paymaster
	// is the given address.
	CountByEntity(entity common.Address) (int, error)

	// GetSorted returns all entries ordered by maxPriorityFeePerGas
	// descending, ties broken by admission order (oldest first).
	GetSorted() ([]*Entry, error)
	GetAll() ([]*Entry, error)

	Remove(hash common.Hash) error
	Clear() error
	Len() (int, error)

	SetCodeHashes(hash common.Hash, hashes []model.CodeHash) error
	GetCodeHashes(hash common.Hash) ([]model.CodeHash, error)
	HasCodeHashes(hash common.Hash) (bool, error)
}

// nonceKey converts a nonce to the fixed-width index form.
func NonceKey(entry *Entry) []byte {
	buf := make([]byte, 32)
	entry.Op.Nonce.FillBytes(buf)
	return buf
}

func sortEntries(entries []*Entry) {
	// highest tip first, then highest fee cap, oldest among equals
	sort.SliceStable(entries, func(i, j int) bool {
		if cmp := entries[i].Op.MaxPriorityFeePerGas.Cmp(entries[j].Op.MaxPriorityFeePerGas); cmp != 0 {
			return cmp > 0
		}
		if cmp := entries[i].Op.MaxFeePerGas.Cmp(entries[j].Op.MaxFeePerGas); cmp != 0 {
			return cmp > 0
		}
		return entries[i].AddedAt < entries[j].AddedAt
	})
}
