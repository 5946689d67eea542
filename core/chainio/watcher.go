package chainio

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/events"
)

// Watcher follows the canonical chain head and republishes it on the
// event bus. It prefers a newHeads subscription and falls back to
// polling when the transport cannot subscribe.
type Watcher struct {
	client *Client
	bus    *events.Bus
	logger *zap.SugaredLogger

	pollInterval time.Duration
}

func NewWatcher(client *Client, bus *events.Bus, pollInterval time.Duration, logger *zap.SugaredLogger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Watcher{
		client:       client,
		bus:          bus,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Run blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	heads := make(chan *types.Header, 16)
	sub, err := w.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		w.logger.Infow("newHeads subscription unavailable, polling", "interval", w.pollInterval, "err", err)
		w.poll(ctx)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			w.logger.Warnw("head subscription dropped, polling", "err", err)
			w.poll(ctx)
			return
		case head := <-heads:
			w.publish(head)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := w.client.HeaderByNumber(ctx, nil)
			if err != nil {
				w.logger.Warnw("cannot fetch chain head", "err", err)
				continue
			}
			if head.Number.Uint64() == last {
				continue
			}
			last = head.Number.Uint64()
			w.publish(head)
		}
	}
}

func (w *Watcher) publish(head *types.Header) {
	w.bus.PublishNewBlock(events.NewBlock{
		Number:    head.Number.Uint64(),
		Hash:      head.Hash(),
		BaseFee:   head.BaseFee,
		GasLimit:  head.GasLimit,
		Timestamp: head.Time,
	})
}
