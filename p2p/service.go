package p2p

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/silius-go/silius/core/events"
	"github.com/silius-go/silius/core/uopool"
)

// TargetPeers is the mesh size the discovery loop dials towards.
const TargetPeers = 50

// Config describes the overlay listener and the mempool it serves.
type Config struct {
	ListenAddr string
	TCPPort    int
	UDPPort    int
	Bootnodes  []string
	// MempoolID is the canonical identifier of the shared mempool this
	// node gossips for.
	MempoolID string
	// PrivateSeed deterministically derives the node key; empty means a
	// fresh key per run.
	PrivateSeed string
}

// Service runs the p2p overlay: gossip for admitted operations, the
// reqresp protocols and discv5 peer discovery.
type Service struct {
	cfg    Config
	pool   *uopool.Pool
	bus    *events.Bus
	logger *zap.SugaredLogger

	host    host.Host
	scorer  *scorer
	gossip  *gossip
	reqresp *reqresp
	disc    *discovery

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the libp2p host; protocols attach on Start.
func NewService(cfg Config, pool *uopool.Pool, bus *events.Bus, logger *zap.SugaredLogger) (*Service, error) {
	if cfg.MempoolID == "" {
		return nil, fmt.Errorf("mempool id is required")
	}

	key, err := nodeKey(cfg.PrivateSeed)
	if err != nil {
		return nil, err
	}
	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(ethcrypto.FromECDSA(key))
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenAddr, cfg.TCPPort)),
	)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		pool:   pool,
		bus:    bus,
		logger: logger,
		host:   h,
		scorer: newScorer(h, logger),
		done:   make(chan struct{}),
	}
	s.disc, err = newDiscovery(key, cfg.ListenAddr, cfg.UDPPort, cfg.TCPPort, cfg.Bootnodes, logger)
	if err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

// Start attaches gossip and reqresp, then runs the publish, discovery
// and subscription loops until Close.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	g, err := newGossip(ctx, s.host, s.pool, s.scorer, s.cfg.MempoolID, s.logger)
	if err != nil {
		return err
	}
	s.gossip = g
	s.reqresp = newReqresp(s.host, s.pool, NewMempoolID(s.cfg.MempoolID), s.pool.ChainID().Uint64(), s.logger)

	s.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			go s.syncPeer(ctx, c.RemotePeer())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			s.scorer.forget(c.RemotePeer())
		},
	})

	go s.gossip.run(ctx)
	go s.publishLoop(ctx)
	go s.headLoop(ctx)
	go s.discoverLoop(ctx)

	s.logger.Infow("p2p service started",
		"peer", s.host.ID(),
		"addrs", s.host.Addrs(),
		"topic", gossipTopic(s.cfg.MempoolID),
	)
	return nil
}

// publishLoop forwards locally admitted operations to the gossip topic.
func (s *Service) publishLoop(ctx context.Context) {
	sub := s.bus.SubscribeNewUserOp()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			if ev.Remote {
				continue
			}
			if err := s.gossip.publish(ctx, ev); err != nil {
				s.logger.Warnw("cannot publish user operation", "hash", ev.Hash, "error", err)
			}
		}
	}
}

// headLoop keeps the status message's block fields at the chain head.
func (s *Service) headLoop(ctx context.Context) {
	sub := s.bus.SubscribeNewBlock()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			s.reqresp.setHead(ev.Hash, ev.Number)
		}
	}
}

// discoverLoop dials discovered peers until the mesh reaches
// TargetPeers, then idles until connections drop.
func (s *Service) discoverLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if len(s.host.Network().Peers()) >= TargetPeers {
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		info, ok := s.disc.next()
		if !ok {
			return
		}
		if info.ID == s.host.ID() {
			continue
		}
		if err := s.host.Connect(ctx, *info); err != nil {
			s.logger.Debugw("cannot connect to discovered peer", "peer", info.ID, "error", err)
		}
	}
}

// syncPeer runs the connect handshake: exchange status, then pull the
// pooled operations we are missing.
func (s *Service) syncPeer(ctx context.Context, p peer.ID) {
	status, err := s.reqresp.Status(ctx, p)
	if err != nil {
		s.logger.Debugw("status exchange failed", "peer", p, "error", err)
		return
	}
	if !s.reqresp.compatible(status) {
		s.logger.Infow("incompatible peer status, disconnecting", "peer", p, "chainId", status.ChainID)
		_ = s.host.Network().ClosePeer(p)
		return
	}

	var offset uint64
	for {
		page, err := s.reqresp.PooledHashes(ctx, p, offset)
		if err != nil {
			s.logger.Debugw("cannot fetch pooled hashes", "peer", p, "error", err)
			return
		}

		missing := make([]common.Hash, 0, len(page.Hashes))
		for _, hash := range page.Hashes {
			if _, err := s.pool.GetByHash(hash); err != nil {
				missing = append(missing, hash)
			}
		}
		if len(missing) > 0 {
			ops, err := s.reqresp.PooledOpsByHash(ctx, p, missing)
			if err != nil {
				s.logger.Debugw("cannot fetch pooled operations", "peer", p, "error", err)
				return
			}
			for _, op := range ops {
				if _, err := s.pool.AddUserOperation(ctx, op, true); err != nil {
					s.logger.Debugw("synced user operation rejected", "peer", p, "error", err)
				}
			}
		}

		if page.More == 0 {
			return
		}
		offset += uint64(len(page.Hashes))
	}
}

// PeerCount reports connected peers.
func (s *Service) PeerCount() int {
	return len(s.host.Network().Peers())
}

// ENR returns the local discovery record.
func (s *Service) ENR() string {
	return s.disc.ENR()
}

// Close tears down the loops, discovery and the host.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.disc.close()
	if s.gossip != nil {
		s.gossip.close()
	}
	return s.host.Close()
}

// nodeKey derives the node identity: keccak of the seed when provided,
// otherwise a fresh random key.
func nodeKey(seed string) (*ecdsa.PrivateKey, error) {
	if seed == "" {
		return ethcrypto.GenerateKey()
	}
	return ethcrypto.ToECDSA(ethcrypto.Keccak256([]byte(seed)))
}
