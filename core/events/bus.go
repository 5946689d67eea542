package events

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/silius-go/silius/model"
)

// NewBlock is published by the chain watcher on every canonical head.
type NewBlock struct {
	Number    uint64
	Hash      common.Hash
	BaseFee   *big.Int
	GasLimit  uint64
	Timestamp uint64
}

// NewUserOp is published by the pool when an operation is admitted. The
// p2p layer forwards locally received operations to the gossip mesh.
type NewUserOp struct {
	UserOp          *model.UserOperation
	Hash            common.Hash
	EntryPoint      common.Address
	VerifiedAtBlock common.Hash
	// Remote marks operations learned from gossip, which must not be
	// re-published.
	Remote bool
}

// BundleSubmitted is published by the bundler after a handleOps
// transaction is handed to the network.
type BundleSubmitted struct {
	TxHash common.Hash
	Hashes []common.Hash
}

// Bus is a small typed fan-out between the node's subsystems. Publish
// never blocks: a subscriber that stops draining its channel loses
// events rather than stalling the producer.
type Bus struct {
	mu     sync.RWMutex
	logger *zap.SugaredLogger

	blockSubs  []chan NewBlock
	userOpSubs []chan NewUserOp
	bundleSubs []chan BundleSubmitted
}

const subscriberBuffer = 256

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) SubscribeNewBlock() <-chan NewBlock {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan NewBlock, subscriberBuffer)
	b.blockSubs = append(b.blockSubs, ch)
	return ch
}

func (b *Bus) SubscribeNewUserOp() <-chan NewUserOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan NewUserOp, subscriberBuffer)
	b.userOpSubs = append(b.userOpSubs, ch)
	return ch
}

func (b *Bus) SubscribeBundleSubmitted() <-chan BundleSubmitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan BundleSubmitted, subscriberBuffer)
	b.bundleSubs = append(b.bundleSubs, ch)
	return ch
}

func (b *Bus) PublishNewBlock(ev NewBlock) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.blockSubs {
		select {
		case ch <- ev:
		default:
			b.logger.Warnw("dropping block event, slow subscriber", "block", ev.Number)
		}
	}
}

func (b *Bus) PublishNewUserOp(ev NewUserOp) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.userOpSubs {
		select {
		case ch <- ev:
		default:
			b.logger.Warnw("dropping user op event, slow subscriber", "hash", ev.Hash)
		}
	}
}

func (b *Bus) PublishBundleSubmitted(ev BundleSubmitted) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.bundleSubs {
		select {
		case ch <- ev:
		default:
			b.logger.Warnw("dropping bundle event, slow subscriber", "tx", ev.TxHash)
		}
	}
}
