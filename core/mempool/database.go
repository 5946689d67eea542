package mempool

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/silius-go/silius/model"
	"github.com/silius-go/silius/storage"
	"github.com/silius-go/silius/storage/schema"
)

// DatabaseStore is the persistent mempool backend. Entries survive
// restarts; the admission sequence is a stored counter so age
// tie-breaks stay stable across runs.
type DatabaseStore struct {
	db         storage.Storage
	entryPoint common.Address
}

func NewDatabaseStore(db storage.Storage, entryPoint common.Address) *DatabaseStore {
	return &DatabaseStore{db: db, entryPoint: entryPoint}
}

func (s *DatabaseStore) seqKey() []byte {
	return []byte(fmt.Sprintf("q:%x", s.entryPoint))
}

func (s *DatabaseStore) Add(entry *Entry) (*common.Hash, error) {
	seq, err := s.db.IncCounter(s.seqKey())
	if err != nil {
		return nil, err
	}
	entry.AddedAt = seq

	var replaced *common.Hash
	idxKey := schema.SenderNonceKey(s.entryPoint, entry.Op.Sender, entry.Op.Nonce)
	if old, err := s.db.GetKey(idxKey); err == nil {
		oldHash := common.BytesToHash(old)
		if oldHash != entry.Hash {
			replaced = &oldHash
			if err := s.db.Delete(schema.UserOpKey(s.entryPoint, oldHash)); err != nil {
				return nil, err
			}
			_ = s.db.Delete(schema.CodeHashesKey(s.entryPoint, oldHash))
		}
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	err = s.db.BatchWrite(map[string][]byte{
		string(schema.UserOpKey(s.entryPoint, entry.Hash)): value,
		string(idxKey): entry.Hash.Bytes(),
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (s *DatabaseStore) GetByHash(hash common.Hash) (*Entry, error) {
	raw, err := s.db.GetKey(schema.UserOpKey(s.entryPoint, hash))
	if err != nil {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *DatabaseStore) GetBySenderNonce(sender common.Address, nonce []byte) (*Entry, error) {
	key := []byte(fmt.Sprintf("s:%x:%x:%x", s.entryPoint, sender, nonce))
	raw, err := s.db.GetKey(key)
	if err != nil {
		return nil, nil
	}
	entry, err := s.GetByHash(common.BytesToHash(raw))
	if err == ErrNotFound {
		return nil, nil
	}
	return entry, err
}

func (s *DatabaseStore) CountBySender(sender common.Address) (int, error) {
	n, err := s.db.CountKeysByPrefix(schema.SenderPrefix(s.entryPoint, sender))
	return int(n), err
}

func (s *DatabaseStore) CountByEntity(entity common.Address) (int, error) {
	all, err := s.GetAll()
	if err != nil {
		return 0, err
	}
	return lo.CountBy(all, func(e *Entry) bool {
		return e.Op.Factory() == entity || e.Op.Paymaster() == entity
	}), nil
}

func (s *DatabaseStore) GetSorted() ([]*Entry, error) {
	entries, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (s *DatabaseStore) GetAll() ([]*Entry, error) {
	items, err := s.db.GetByPrefix(schema.UserOpPrefix(s.entryPoint))
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(items))
	for _, item := range items {
		var entry Entry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *DatabaseStore) Remove(hash common.Hash) error {
	entry, err := s.GetByHash(hash)
	if err != nil {
		return err
	}
	if err := s.db.Delete(schema.UserOpKey(s.entryPoint, hash)); err != nil {
		return err
	}
	_ = s.db.Delete(schema.CodeHashesKey(s.entryPoint, hash))
	return s.db.Delete(schema.SenderNonceKey(s.entryPoint, entry.Op.Sender, entry.Op.Nonce))
}

func (s *DatabaseStore) Clear() error {
	for _, prefix := range [][]byte{
		schema.UserOpPrefix(s.entryPoint),
		[]byte(fmt.Sprintf("s:%x:", s.entryPoint)),
		[]byte(fmt.Sprintf("c:%x:", s.entryPoint)),
	} {
		if err := s.db.DeleteByPrefix(prefix); err != nil {
			return err
		}
	}
	return nil
}

func (s *DatabaseStore) Len() (int, error) {
	n, err := s.db.CountKeysByPrefix(schema.UserOpPrefix(s.entryPoint))
	return int(n), err
}

func (s *DatabaseStore) SetCodeHashes(hash common.Hash, hashes []model.CodeHash) error {
	raw, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	return s.db.Set(schema.CodeHashesKey(s.entryPoint, hash), raw)
}

func (s *DatabaseStore) GetCodeHashes(hash common.Hash) ([]model.CodeHash, error) {
	raw, err := s.db.GetKey(schema.CodeHashesKey(s.entryPoint, hash))
	if err != nil {
		return nil, nil
	}
	var hashes []model.CodeHash
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *DatabaseStore) HasCodeHashes(hash common.Hash) (bool, error) {
	return s.db.Exist(schema.CodeHashesKey(s.entryPoint, hash))
}
