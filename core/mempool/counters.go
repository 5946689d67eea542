package mempool

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/silius-go/silius/storage"
	"github.com/silius-go/silius/storage/schema"
)

// MemoryCounters keeps reputation counters in process memory.
type MemoryCounters struct {
	mu       sync.Mutex
	seen     map[common.Address]uint64
	included map[common.Address]uint64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		seen:     make(map[common.Address]uint64),
		included: make(map[common.Address]uint64),
	}
}

func (c *MemoryCounters) AddSeen(addr common.Address, n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[addr] += n
	return nil
}

func (c *MemoryCounters) AddIncluded(addr common.Address, n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.included[addr] += n
	return nil
}

func (c *MemoryCounters) Get(addr common.Address) (uint64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[addr], c.included[addr], nil
}

func (c *MemoryCounters) Set(addr common.Address, seen, included uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen == 0 && included == 0 {
		delete(c.seen, addr)
		delete(c.included, addr)
		return nil
	}
	c.seen[addr] = seen
	c.included[addr] = included
	return nil
}

func (c *MemoryCounters) All() (map[common.Address][2]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make(map[common.Address][2]uint64, len(c.seen))
	for addr, n := range c.seen {
		all[addr] = [2]uint64{n, c.included[addr]}
	}
	for addr, n := range c.included {
		if _, ok := all[addr]; !ok {
			all[addr] = [2]uint64{0, n}
		}
	}
	return all, nil
}

// DatabaseCounters stores reputation counters in badger so standing
// survives restarts.
type DatabaseCounters struct {
	db         storage.Storage
	entryPoint common.Address
}

func NewDatabaseCounters(db storage.Storage, entryPoint common.Address) *DatabaseCounters {
	return &DatabaseCounters{db: db, entryPoint: entryPoint}
}

func (c *DatabaseCounters) AddSeen(addr common.Address, n uint64) error {
	return c.add(schema.OpsSeenKey(c.entryPoint, addr), n)
}

func (c *DatabaseCounters) AddIncluded(addr common.Address, n uint64) error {
	return c.add(schema.OpsIncludedKey(c.entryPoint, addr), n)
}

func (c *DatabaseCounters) add(key []byte, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if _, err := c.db.IncCounter(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *DatabaseCounters) Get(addr common.Address) (uint64, uint64, error) {
	seen, err := c.db.GetCounter(schema.OpsSeenKey(c.entryPoint, addr), 0)
	if err != nil {
		return 0, 0, err
	}
	included, err := c.db.GetCounter(schema.OpsIncludedKey(c.entryPoint, addr), 0)
	if err != nil {
		return 0, 0, err
	}
	return seen, included, nil
}

func (c *DatabaseCounters) Set(addr common.Address, seen, included uint64) error {
	if err := c.db.SetCounter(schema.OpsSeenKey(c.entryPoint, addr), seen); err != nil {
		return err
	}
	return c.db.SetCounter(schema.OpsIncludedKey(c.entryPoint, addr), included)
}

func (c *DatabaseCounters) All() (map[common.Address][2]uint64, error) {
	all := make(map[common.Address][2]uint64)

	seenItems, err := c.db.GetByPrefix(schema.OpsSeenPrefix(c.entryPoint))
	if err != nil {
		return nil, err
	}
	for _, item := range seenItems {
		addr, ok := schema.AddressFromCounterKey(item.Key)
		if !ok {
			continue
		}
		counts := all[addr]
		counts[0] = storage.ParseCounter(item.Value)
		all[addr] = counts
	}

	includedItems, err := c.db.GetByPrefix(schema.OpsIncludedPrefix(c.entryPoint))
	if err != nil {
		return nil, err
	}
	for _, item := range includedItems {
		addr, ok := schema.AddressFromCounterKey(item.Key)
		if !ok {
			continue
		}
		counts := all[addr]
		counts[1] = storage.ParseCounter(item.Value)
		all[addr] = counts
	}
	return all, nil
}
