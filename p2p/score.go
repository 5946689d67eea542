package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Score deltas and the disconnect threshold.
const (
	invalidMessagePenalty = -10
	disconnectScore       = -50
)

// scorer tracks per-peer misbehavior and disconnects peers that sink
// below the threshold.
type scorer struct {
	host   host.Host
	logger *zap.SugaredLogger

	mu     sync.Mutex
	scores map[peer.ID]float64
}

func newScorer(h host.Host, logger *zap.SugaredLogger) *scorer {
	return &scorer{
		host:   h,
		logger: logger,
		scores: make(map[peer.ID]float64),
	}
}

// penalize lowers a peer's score and drops the connection once it
// falls below the disconnect threshold.
func (s *scorer) penalize(p peer.ID, delta float64) {
	s.mu.Lock()
	s.scores[p] += delta
	score := s.scores[p]
	s.mu.Unlock()

	if score < disconnectScore {
		s.logger.Warnw("disconnecting misbehaving peer", "peer", p, "score", score)
		if err := s.host.Network().ClosePeer(p); err != nil {
			s.logger.Debugw("cannot close peer", "peer", p, "error", err)
		}
	}
}

func (s *scorer) score(p peer.ID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[p]
}

// forget drops a disconnected peer's score so a later reconnect starts
// clean.
func (s *scorer) forget(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, p)
}
