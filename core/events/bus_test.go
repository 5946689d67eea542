package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	a := bus.SubscribeNewBlock()
	b := bus.SubscribeNewBlock()

	bus.PublishNewBlock(NewBlock{Number: 7})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, uint64(7), (<-a).Number)
	assert.Equal(t, uint64(7), (<-b).Number)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())
	_ = bus.SubscribeNewUserOp()

	// nobody drains; overflow past the buffer must not deadlock
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.PublishNewUserOp(NewUserOp{Hash: common.BigToHash(common.Big1)})
	}
}

func TestBusNoSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())
	bus.PublishBundleSubmitted(BundleSubmitted{})
}
