package p2p

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/events"
	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/model"
)

const (
	// maxGossipSize caps the uncompressed size of one gossip payload.
	maxGossipSize = 1 << 20

	// seenTTL keeps recently gossiped hashes for dedup; long enough to
	// cover propagation, short enough to allow later re-announcement.
	seenTTL = 5 * time.Minute
)

// Message-id domains distinguish payloads that decompress from ones
// that do not, so malformed copies of a valid message cannot squat its
// id.
var (
	msgDomainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
	msgDomainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
)

// gossipTopic is the pubsub topic carrying verified user operations
// for one mempool.
func gossipTopic(mempoolID string) string {
	return fmt.Sprintf("userOp/%s/ssz_snappy", mempoolID)
}

// gossipMsgID hashes the decompressed payload under the valid domain,
// or the raw bytes under the invalid domain when decompression fails.
func gossipMsgID(m *pubsubpb.Message) string {
	raw, err := decompressGossip(m.Data)
	if err != nil {
		h := sha256.Sum256(append(msgDomainInvalidSnappy[:], m.Data...))
		return string(h[:20])
	}
	h := sha256.Sum256(append(msgDomainValidSnappy[:], raw...))
	return string(h[:20])
}

// gossip publishes locally admitted operations and feeds remote ones
// into the pool through the topic validator.
type gossip struct {
	pool      *uopool.Pool
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	seen      *bigcache.BigCache
	scorer    *scorer
	mempoolID string
	logger    *zap.SugaredLogger
}

func newGossip(
	ctx context.Context,
	h host.Host,
	pool *uopool.Pool,
	sc *scorer,
	mempoolID string,
	logger *zap.SugaredLogger,
) (*gossip, error) {
	seen, err := bigcache.New(ctx, bigcache.DefaultConfig(seenTTL))
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(gossipMsgID),
		pubsub.WithMaxMessageSize(maxGossipSize),
	)
	if err != nil {
		return nil, err
	}

	g := &gossip{
		pool:      pool,
		seen:      seen,
		scorer:    sc,
		mempoolID: mempoolID,
		logger:    logger,
	}

	name := gossipTopic(mempoolID)
	if err := ps.RegisterTopicValidator(name, g.validate); err != nil {
		return nil, err
	}
	if g.topic, err = ps.Join(name); err != nil {
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		return nil, err
	}
	return g, nil
}

// validate is the topic validator: decode, dedup and admit through the
// pool. Rejected messages penalize the sender and are not forwarded.
func (g *gossip) validate(ctx context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	vuo := new(model.VerifiedUserOperation)
	if err := decodeGossip(msg.Data, vuo); err != nil {
		g.logger.Debugw("malformed gossip payload", "peer", from, "error", err)
		g.scorer.penalize(from, invalidMessagePenalty)
		return pubsub.ValidationReject
	}
	if vuo.EntryPoint != g.pool.EntryPoint() {
		g.scorer.penalize(from, invalidMessagePenalty)
		return pubsub.ValidationReject
	}

	hash := vuo.UserOperation.Hash(g.pool.EntryPoint(), g.pool.ChainID())
	if g.markSeen(hash.Hex()) {
		return pubsub.ValidationIgnore
	}

	if _, err := g.pool.AddUserOperation(ctx, vuo.UserOperation, true); err != nil {
		var dup *uopool.DuplicateError
		if errors.As(err, &dup) {
			return pubsub.ValidationIgnore
		}
		g.logger.Debugw("gossiped user operation rejected", "peer", from, "hash", hash, "error", err)
		g.scorer.penalize(from, invalidMessagePenalty)
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

// publish announces a locally admitted operation to the mempool topic.
func (g *gossip) publish(ctx context.Context, ev events.NewUserOp) error {
	vuo := &model.VerifiedUserOperation{
		UserOperation:       ev.UserOp,
		EntryPoint:          ev.EntryPoint,
		VerifiedAtBlockHash: ev.VerifiedAtBlock,
	}
	data, err := encodeGossip(vuo)
	if err != nil {
		return err
	}
	g.markSeen(ev.Hash.Hex())
	return g.topic.Publish(ctx, data)
}

// run drains the subscription; delivery happens in the validator, the
// loop only keeps the mesh subscription alive.
func (g *gossip) run(ctx context.Context) {
	for {
		if _, err := g.sub.Next(ctx); err != nil {
			return
		}
	}
}

// markSeen records a hash and reports whether it was already present.
func (g *gossip) markSeen(key string) bool {
	if _, err := g.seen.Get(key); err == nil {
		return true
	}
	if err := g.seen.Set(key, nil); err != nil {
		g.logger.Debugw("cannot record seen hash", "error", err)
	}
	return false
}

func (g *gossip) close() {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.logger.Debugw("cannot close gossip topic", "error", err)
	}
	if err := g.seen.Close(); err != nil {
		g.logger.Debugw("cannot close seen cache", "error", err)
	}
}
