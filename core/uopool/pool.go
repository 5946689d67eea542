package uopool

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/events"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/validator"
	"github.com/silius-go/silius/model"
)

// OpValidator is the admission pipeline the pool drives. Validate runs
// the full pipeline for new operations; Revalidate re-simulates pooled
// operations before inclusion.
type OpValidator interface {
	Validate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*validator.Outcome, error)
	Revalidate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*validator.Outcome, error)
}

// Pool orchestrates one entry-point-scoped mempool: it owns the store's
// lock, drives validation, feeds the reputation engine and publishes
// admitted operations on the event bus.
type Pool struct {
	chain  chainio.Backend
	val    OpValidator
	rep    *mempool.Reputation
	bus    *events.Bus
	logger *zap.SugaredLogger

	mu    sync.Mutex
	store mempool.Store
	// inFlight guards (sender, nonce) pairs currently validating, so two
	// concurrent submissions cannot both pass the replacement check.
	inFlight map[string]struct{}
	seq      uint64
}

func New(chain chainio.Backend, store mempool.Store, rep *mempool.Reputation, val OpValidator, bus *events.Bus, logger *zap.SugaredLogger) *Pool {
	return &Pool{
		chain:    chain,
		val:      val,
		rep:      rep,
		bus:      bus,
		logger:   logger,
		store:    store,
		inFlight: make(map[string]struct{}),
	}
}

func (p *Pool) EntryPoint() common.Address { return p.chain.EntryPoint() }

func (p *Pool) ChainID() *big.Int { return p.chain.ChainID() }

// AddUserOperation validates the operation and, on success, pools it,
// records its code hashes, counts its entities as seen and publishes it.
// Remote marks operations learned from gossip, which are pooled but not
// re-published to the mesh.
func (p *Pool) AddUserOperation(ctx context.Context, uo *model.UserOperation, remote bool) (common.Hash, error) {
	hash := uo.Hash(p.chain.EntryPoint(), p.chain.ChainID())

	key := inFlightKey(uo)
	p.mu.Lock()
	if _, err := p.store.GetByHash(hash); err == nil {
		p.mu.Unlock()
		return hash, &DuplicateError{Hash: hash}
	}
	if _, busy := p.inFlight[key]; busy {
		p.mu.Unlock()
		return hash, &InFlightError{Sender: uo.Sender}
	}
	p.inFlight[key] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, key)
		p.mu.Unlock()
	}()

	outcome, err := p.val.Validate(ctx, uo, hash)
	if err != nil {
		var banned *mempool.EntityBannedError
		if errors.As(err, &banned) {
			p.mu.Lock()
			p.removeEntityOps(banned.Address)
			p.mu.Unlock()
		}
		return hash, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	replaced, err := p.store.Add(&mempool.Entry{Op: uo, Hash: hash, AddedAt: p.seq})
	if err != nil {
		return hash, err
	}
	if replaced != nil {
		p.logger.Debugw("user operation replaced", "old", replaced, "new", hash)
	}
	if err := p.store.SetCodeHashes(hash, outcome.CodeHashes); err != nil {
		return hash, err
	}
	if err := p.rep.IncrementSeen(uo.Sender, uo.Factory(), uo.Paymaster()); err != nil {
		p.logger.Warnw("cannot update reputation counters", "err", err)
	}

	p.bus.PublishNewUserOp(events.NewUserOp{
		UserOp:          uo,
		Hash:            hash,
		EntryPoint:      p.chain.EntryPoint(),
		VerifiedAtBlock: outcome.VerifiedAtBlockHash,
		Remote:          remote,
	})
	p.logger.Infow("user operation added to mempool",
		"hash", hash, "sender", uo.Sender, "nonce", uo.Nonce, "remote", remote)
	return hash, nil
}

// removeEntityOps drops every pooled operation that references the given
// address as sender, factory or paymaster. Caller holds p.mu.
func (p *Pool) removeEntityOps(entity common.Address) {
	entries, err := p.store.GetAll()
	if err != nil {
		p.logger.Warnw("cannot list mempool for entity removal", "err", err)
		return
	}
	for _, e := range entries {
		if e.Op.Sender == entity || e.Op.Factory() == entity || e.Op.Paymaster() == entity {
			if err := p.store.Remove(e.Hash); err != nil {
				p.logger.Warnw("cannot remove operation of banned entity", "hash", e.Hash, "err", err)
			}
		}
	}
}

// CandidatesForBundle returns the pooled operations eligible for the
// next bundle, best-paying first: one per sender, none from banned
// entities (which are evicted on sight) and at most one operation from
// any throttled entity.
func (p *Pool) CandidatesForBundle() ([]*mempool.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := p.store.GetSorted()
	if err != nil {
		return nil, err
	}

	var out []*mempool.Entry
	senders := make(map[common.Address]struct{})
	throttled := make(map[common.Address]int)
	for _, e := range entries {
		if _, dup := senders[e.Op.Sender]; dup {
			continue
		}

		skip, evict := false, false
		entities := []common.Address{e.Op.Sender, e.Op.Factory(), e.Op.Paymaster()}
		for _, entity := range entities {
			if entity == (common.Address{}) {
				continue
			}
			status, err := p.rep.Status(entity)
			if err != nil {
				return nil, err
			}
			switch status {
			case mempool.StatusBanned:
				evict = true
			case mempool.StatusThrottled:
				if throttled[entity] >= mempool.ThrottledEntityBundleCount {
					skip = true
				}
			}
		}
		if evict {
			if err := p.store.Remove(e.Hash); err != nil {
				p.logger.Warnw("cannot evict operation of banned entity", "hash", e.Hash, "err", err)
			}
			continue
		}
		if skip {
			continue
		}

		for _, entity := range entities {
			if entity == (common.Address{}) {
				continue
			}
			if status, _ := p.rep.Status(entity); status == mempool.StatusThrottled {
				throttled[entity]++
			}
		}
		senders[e.Op.Sender] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// Revalidate re-runs the traced simulation for a pooled operation, as
// the bundler does right before inclusion.
func (p *Pool) Revalidate(ctx context.Context, uo *model.UserOperation, hash common.Hash) (*validator.Outcome, error) {
	return p.val.Revalidate(ctx, uo, hash)
}

// RemoveFailed evicts an operation whose pre-inclusion re-validation
// failed and penalizes its entities so repeat offenders reach the ban
// threshold quickly.
func (p *Pool) RemoveFailed(hash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.store.GetByHash(hash)
	if err != nil {
		return
	}
	if err := p.store.Remove(hash); err != nil {
		p.logger.Warnw("cannot remove failed operation", "hash", hash, "err", err)
		return
	}
	for _, entity := range []common.Address{entry.Op.Sender, entry.Op.Factory(), entry.Op.Paymaster()} {
		if err := p.rep.PenalizeSeen(entity); err != nil {
			p.logger.Warnw("cannot penalize entity", "entity", entity, "err", err)
		}
	}
}

// RemoveIncluded drops operations that made it on-chain and credits
// their entities in the reputation engine.
func (p *Pool) RemoveIncluded(ops []*model.UserOperation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, uo := range ops {
		hash := uo.Hash(p.chain.EntryPoint(), p.chain.ChainID())
		if err := p.store.Remove(hash); err != nil && !errors.Is(err, mempool.ErrNotFound) {
			p.logger.Warnw("cannot remove included operation", "hash", hash, "err", err)
		}
		if err := p.rep.IncrementIncluded(uo.Sender, uo.Factory(), uo.Paymaster()); err != nil {
			p.logger.Warnw("cannot update reputation counters", "err", err)
		}
	}
}

// Remove drops a single operation by hash.
func (p *Pool) Remove(hash common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Remove(hash)
}

// GetByHash returns the pooled entry for a hash, if any.
func (p *Pool) GetByHash(hash common.Hash) (*mempool.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.GetByHash(hash)
}

// GetAll returns every pooled entry in no particular order.
func (p *Pool) GetAll() ([]*mempool.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.GetAll()
}

// GetSorted returns every pooled entry, best-paying first.
func (p *Pool) GetSorted() ([]*mempool.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.GetSorted()
}

func (p *Pool) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Len()
}

// Clear empties the mempool and resets every reputation counter; the
// debug API uses it between test scenarios.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Clear(); err != nil {
		return err
	}
	return p.rep.Clear()
}

// DumpReputation lists every entity's standing.
func (p *Pool) DumpReputation() ([]mempool.ReputationEntry, error) {
	return p.rep.Dump()
}

// SetReputation overrides reputation counters, for the debug API.
func (p *Pool) SetReputation(entries []mempool.ReputationEntry) error {
	return p.rep.SetEntries(entries)
}

// OnNewBlock advances the reputation decay clock.
func (p *Pool) OnNewBlock(ev events.NewBlock) {
	if err := p.rep.OnNewBlock(); err != nil {
		p.logger.Warnw("reputation decay failed", "block", ev.Number, "err", err)
	}
}

// DecayReputation applies one decay round directly; the node uses it as
// a wall-clock fallback when the chain stops producing blocks.
func (p *Pool) DecayReputation() error {
	return p.rep.Decay()
}

func inFlightKey(uo *model.UserOperation) string {
	buf := make([]byte, 0, common.AddressLength+32)
	buf = append(buf, uo.Sender.Bytes()...)
	nonce := make([]byte, 32)
	uo.Nonce.FillBytes(nonce)
	return string(append(buf, nonce...))
}
