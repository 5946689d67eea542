package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/model"
)

// Reqresp protocol ids.
const (
	protocolStatus          protocol.ID = "/account_abstraction/req/status/ssz_snappy/1"
	protocolMetadata        protocol.ID = "/account_abstraction/req/metadata/ssz_snappy/1"
	protocolPooledHashes    protocol.ID = "/account_abstraction/req/pooled_user_op_hashes/ssz_snappy/1"
	protocolPooledOpsByHash protocol.ID = "/account_abstraction/req/pooled_user_ops_by_hash/ssz_snappy/1"
)

const (
	// respTimeout bounds a full reqresp exchange.
	respTimeout = 10 * time.Second
	// ttfbTimeout bounds the wait for the first response byte.
	ttfbTimeout = 5 * time.Second

	// Per-peer inbound request budget.
	requestRate  = 16
	requestBurst = 32
)

// reqresp serves and issues the request/response protocols over raw
// libp2p streams.
type reqresp struct {
	host      host.Host
	pool      *uopool.Pool
	mempoolID MempoolID
	chainID   uint64
	metadata  *Metadata
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[peer.ID]*rate.Limiter
	// latest head advertised in status messages
	headHash   common.Hash
	headNumber uint64
}

func newReqresp(h host.Host, pool *uopool.Pool, mempoolID MempoolID, chainID uint64, logger *zap.SugaredLogger) *reqresp {
	rr := &reqresp{
		host:      h,
		pool:      pool,
		mempoolID: mempoolID,
		chainID:   chainID,
		metadata:  &Metadata{SeqNumber: 0},
		logger:    logger,
		limiters:  make(map[peer.ID]*rate.Limiter),
	}
	h.SetStreamHandler(protocolStatus, rr.handleStatus)
	h.SetStreamHandler(protocolMetadata, rr.handleMetadata)
	h.SetStreamHandler(protocolPooledHashes, rr.handlePooledHashes)
	h.SetStreamHandler(protocolPooledOpsByHash, rr.handlePooledOpsByHash)
	return rr
}

// setHead records the latest observed block for status messages.
func (rr *reqresp) setHead(hash common.Hash, number uint64) {
	rr.mu.Lock()
	rr.headHash = hash
	rr.headNumber = number
	rr.mu.Unlock()
}

func (rr *reqresp) localStatus() *Status {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return &Status{
		ChainID:           rr.chainID,
		BlockHash:         rr.headHash,
		BlockNumber:       rr.headNumber,
		SupportedMempools: []MempoolID{rr.mempoolID},
	}
}

// compatible reports whether a peer's status allows keeping the
// connection: same chain and at least one mempool in common.
func (rr *reqresp) compatible(theirs *Status) bool {
	return theirs.ChainID == rr.chainID && theirs.Supports(rr.mempoolID)
}

// throttle enforces the per-peer request budget; over-budget streams
// get an error chunk and are dropped.
func (rr *reqresp) throttle(s network.Stream) bool {
	p := s.Conn().RemotePeer()
	rr.mu.Lock()
	lim, ok := rr.limiters[p]
	if !ok {
		lim = rate.NewLimiter(requestRate, requestBurst)
		rr.limiters[p] = lim
	}
	rr.mu.Unlock()

	if lim.Allow() {
		return true
	}
	rr.logger.Debugw("throttling peer requests", "peer", p)
	_ = writeResponse(s, codeError, nil)
	return false
}

func (rr *reqresp) handleStatus(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(respTimeout))
	if !rr.throttle(s) {
		return
	}

	var theirs Status
	if err := readChunk(s, maxRequestSize, &theirs); err != nil {
		rr.logger.Debugw("bad status request", "peer", s.Conn().RemotePeer(), "error", err)
		_ = writeResponse(s, codeInvalid, nil)
		return
	}
	if err := writeResponse(s, codeSuccess, rr.localStatus()); err != nil {
		rr.logger.Debugw("cannot write status response", "error", err)
		return
	}
	if !rr.compatible(&theirs) {
		rr.logger.Infow("incompatible peer status, disconnecting",
			"peer", s.Conn().RemotePeer(), "chainId", theirs.ChainID)
		_ = rr.host.Network().ClosePeer(s.Conn().RemotePeer())
	}
}

func (rr *reqresp) handleMetadata(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(respTimeout))
	if !rr.throttle(s) {
		return
	}
	if err := writeResponse(s, codeSuccess, rr.metadata); err != nil {
		rr.logger.Debugw("cannot write metadata response", "error", err)
	}
}

func (rr *reqresp) handlePooledHashes(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(respTimeout))
	if !rr.throttle(s) {
		return
	}

	var req PooledUserOpHashesRequest
	if err := readChunk(s, maxRequestSize, &req); err != nil {
		_ = writeResponse(s, codeInvalid, nil)
		return
	}
	if req.Mempool != rr.mempoolID {
		_ = writeResponse(s, codeInvalid, nil)
		return
	}

	entries, err := rr.pool.GetSorted()
	if err != nil {
		_ = writeResponse(s, codeError, nil)
		return
	}

	resp := &PooledUserOpHashes{}
	for i := int(req.Offset); i < len(entries); i++ {
		if len(resp.Hashes) == MaxOpsPerRequest {
			resp.More = 1
			break
		}
		resp.Hashes = append(resp.Hashes, entries[i].Hash)
	}
	if err := writeResponse(s, codeSuccess, resp); err != nil {
		rr.logger.Debugw("cannot write pooled hashes response", "error", err)
	}
}

func (rr *reqresp) handlePooledOpsByHash(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(respTimeout))
	if !rr.throttle(s) {
		return
	}

	var req PooledUserOpsByHashRequest
	if err := readChunk(s, maxRequestSize, &req); err != nil {
		_ = writeResponse(s, codeInvalid, nil)
		return
	}

	resp := &PooledUserOpsByHash{}
	for _, hash := range req.Hashes {
		entry, err := rr.pool.GetByHash(hash)
		if err != nil {
			// Unknown hashes are omitted, not an error.
			continue
		}
		resp.UserOperations = append(resp.UserOperations, entry.Op)
	}
	if err := writeResponse(s, codeSuccess, resp); err != nil {
		rr.logger.Debugw("cannot write pooled ops response", "error", err)
	}
}

// request runs one exchange: open a stream, send the request, half
// close, read the response within the timeouts.
func (rr *reqresp) request(ctx context.Context, p peer.ID, proto protocol.ID, req sszMarshaler, resp sszUnmarshaler) error {
	ctx, cancel := context.WithTimeout(ctx, respTimeout)
	defer cancel()

	s, err := rr.host.NewStream(ctx, p, proto)
	if err != nil {
		return err
	}
	defer s.Close()

	_ = s.SetWriteDeadline(time.Now().Add(respTimeout))
	if req != nil {
		if err := writeChunk(s, req); err != nil {
			return err
		}
	}
	if err := s.CloseWrite(); err != nil {
		return err
	}

	_ = s.SetReadDeadline(time.Now().Add(ttfbTimeout))
	var code [1]byte
	if _, err := io.ReadFull(s, code[:]); err != nil {
		return err
	}
	_ = s.SetReadDeadline(time.Now().Add(respTimeout))
	if code[0] != codeSuccess {
		return fmt.Errorf("peer responded with error code %d", code[0])
	}
	return readChunk(s, maxResponseSize, resp)
}

// Status exchanges status messages with a peer.
func (rr *reqresp) Status(ctx context.Context, p peer.ID) (*Status, error) {
	resp := new(Status)
	if err := rr.request(ctx, p, protocolStatus, rr.localStatus(), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Metadata fetches a peer's sequence number.
func (rr *reqresp) Metadata(ctx context.Context, p peer.ID) (*Metadata, error) {
	resp := new(Metadata)
	if err := rr.request(ctx, p, protocolMetadata, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PooledHashes pages through a peer's pooled hashes.
func (rr *reqresp) PooledHashes(ctx context.Context, p peer.ID, offset uint64) (*PooledUserOpHashes, error) {
	req := &PooledUserOpHashesRequest{Mempool: rr.mempoolID, Offset: offset}
	resp := new(PooledUserOpHashes)
	if err := rr.request(ctx, p, protocolPooledHashes, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PooledOpsByHash fetches full operations behind a set of hashes.
func (rr *reqresp) PooledOpsByHash(ctx context.Context, p peer.ID, hashes []common.Hash) ([]*model.UserOperation, error) {
	req := &PooledUserOpsByHashRequest{Hashes: hashes}
	resp := new(PooledUserOpsByHash)
	if err := rr.request(ctx, p, protocolPooledOpsByHash, req, resp); err != nil {
		return nil, err
	}
	return resp.UserOperations, nil
}
