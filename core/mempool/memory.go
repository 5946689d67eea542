package mempool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/silius-go/silius/model"
)

// MemoryStore is the default, non-persistent mempool backend.
type MemoryStore struct {
	byHash        map[common.Hash]*Entry
	bySenderNonce map[senderNonce]common.Hash
	codeHashes    map[common.Hash][]model.CodeHash
	seq           uint64
}

type senderNonce struct {
	sender common.Address
	nonce  [32]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:        make(map[common.Hash]*Entry),
		bySenderNonce: make(map[senderNonce]common.Hash),
		codeHashes:    make(map[common.Hash][]model.CodeHash),
	}
}

func (s *MemoryStore) key(entry *Entry) senderNonce {
	k := senderNonce{sender: entry.Op.Sender}
	entry.Op.Nonce.FillBytes(k.nonce[:])
	return k
}

func (s *MemoryStore) Add(entry *Entry) (*common.Hash, error) {
	s.seq++
	entry.AddedAt = s.seq

	k := s.key(entry)
	var replaced *common.Hash
	if old, ok := s.bySenderNonce[k]; ok && old != entry.Hash {
		replaced = &old
		delete(s.byHash, old)
		delete(s.codeHashes, old)
	}
	s.byHash[entry.Hash] = entry
	s.bySenderNonce[k] = entry.Hash
	return replaced, nil
}

func (s *MemoryStore) GetByHash(hash common.Hash) (*Entry, error) {
	entry, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) GetBySenderNonce(sender common.Address, nonce []byte) (*Entry, error) {
	k := senderNonce{sender: sender}
	copy(k.nonce[32-len(nonce):], nonce)
	hash, ok := s.bySenderNonce[k]
	if !ok {
		return nil, nil
	}
	return s.byHash[hash], nil
}

func (s *MemoryStore) CountBySender(sender common.Address) (int, error) {
	return lo.CountBy(lo.Values(s.byHash), func(e *Entry) bool {
		return e.Op.Sender == sender
	}), nil
}

func (s *MemoryStore) CountByEntity(entity common.Address) (int, error) {
	return lo.CountBy(lo.Values(s.byHash), func(e *Entry) bool {
		return e.Op.Factory() == entity || e.Op.Paymaster() == entity
	}), nil
}

func (s *MemoryStore) GetSorted() ([]*Entry, error) {
	entries := lo.Values(s.byHash)
	sortEntries(entries)
	return entries, nil
}

func (s *MemoryStore) GetAll() ([]*Entry, error) {
	return lo.Values(s.byHash), nil
}

func (s *MemoryStore) Remove(hash common.Hash) error {
	entry, ok := s.byHash[hash]
	if !ok {
		return ErrNotFound
	}
	delete(s.byHash, hash)
	delete(s.codeHashes, hash)

	k := s.key(entry)
	if cur, ok := s.bySenderNonce[k]; ok && cur == hash {
		delete(s.bySenderNonce, k)
	}
	return nil
}

func (s *MemoryStore) Clear() error {
	s.byHash = make(map[common.Hash]*Entry)
	s.bySenderNonce = make(map[senderNonce]common.Hash)
	s.codeHashes = make(map[common.Hash][]model.CodeHash)
	return nil
}

func (s *MemoryStore) Len() (int, error) {
	return len(s.byHash), nil
}

func (s *MemoryStore) SetCodeHashes(hash common.Hash, hashes []model.CodeHash) error {
	s.codeHashes[hash] = hashes
	return nil
}

func (s *MemoryStore) GetCodeHashes(hash common.Hash) ([]model.CodeHash, error) {
	return s.codeHashes[hash], nil
}

func (s *MemoryStore) HasCodeHashes(hash common.Hash) (bool, error) {
	_, ok := s.codeHashes[hash]
	return ok, nil
}
