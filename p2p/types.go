package p2p

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ssz "github.com/ferranbt/fastssz"

	"github.com/silius-go/silius/model"
)

const (
	// MaxOpsPerRequest bounds hashes and operations in one reqresp
	// exchange.
	MaxOpsPerRequest = 4096

	// maxSupportedMempools bounds the mempool list in a status message.
	maxSupportedMempools = 1024
)

// MempoolID is the 32-byte digest of a mempool's canonical identifier,
// as carried in status messages and hash-range requests.
type MempoolID [32]byte

// NewMempoolID derives the wire id from the canonical mempool
// identifier string.
func NewMempoolID(id string) MempoolID {
	return MempoolID(crypto.Keccak256Hash([]byte(id)))
}

// statusFixedSize is the fixed part of a Status container: chain id,
// block hash, block number and the mempool list offset.
const statusFixedSize = 8 + 32 + 8 + 4

// Status is the connect handshake: which chain and block the peer is
// on and which mempools it serves. Peers on another chain, or with no
// mempool in common, are disconnected.
type Status struct {
	ChainID           uint64
	BlockHash         common.Hash
	BlockNumber       uint64
	SupportedMempools []MempoolID
}

func (s *Status) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(s)
}

func (s *Status) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(s.SupportedMempools) > maxSupportedMempools {
		return nil, ssz.ErrListTooBig
	}
	dst := ssz.MarshalUint64(buf, s.ChainID)
	dst = append(dst, s.BlockHash[:]...)
	dst = ssz.MarshalUint64(dst, s.BlockNumber)
	dst = ssz.WriteOffset(dst, statusFixedSize)
	for _, id := range s.SupportedMempools {
		dst = append(dst, id[:]...)
	}
	return dst, nil
}

func (s *Status) UnmarshalSSZ(buf []byte) error {
	if len(buf) < statusFixedSize {
		return ssz.ErrSize
	}
	s.ChainID = ssz.UnmarshallUint64(buf[0:8])
	s.BlockHash = common.BytesToHash(buf[8:40])
	s.BlockNumber = ssz.UnmarshallUint64(buf[40:48])
	if ssz.ReadOffset(buf[48:52]) != statusFixedSize {
		return ssz.ErrOffset
	}
	data := buf[statusFixedSize:]
	if len(data)%32 != 0 {
		return ssz.ErrSize
	}
	n := len(data) / 32
	if n > maxSupportedMempools {
		return ssz.ErrListTooBig
	}
	s.SupportedMempools = make([]MempoolID, n)
	for i := 0; i < n; i++ {
		copy(s.SupportedMempools[i][:], data[i*32:(i+1)*32])
	}
	return nil
}

func (s *Status) SizeSSZ() int {
	return statusFixedSize + 32*len(s.SupportedMempools)
}

// Supports reports whether the status lists the given mempool.
func (s *Status) Supports(id MempoolID) bool {
	for _, m := range s.SupportedMempools {
		if m == id {
			return true
		}
	}
	return false
}

// Metadata carries a peer's monotonic sequence number; a peer bumping
// it signals its status may have changed.
type Metadata struct {
	SeqNumber uint64
}

func (m *Metadata) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(m)
}

func (m *Metadata) MarshalSSZTo(buf []byte) ([]byte, error) {
	return ssz.MarshalUint64(buf, m.SeqNumber), nil
}

func (m *Metadata) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 8 {
		return ssz.ErrSize
	}
	m.SeqNumber = ssz.UnmarshallUint64(buf)
	return nil
}

func (m *Metadata) SizeSSZ() int { return 8 }

// PooledUserOpHashesRequest pages through a peer's pooled hashes for
// one mempool.
type PooledUserOpHashesRequest struct {
	Mempool MempoolID
	Offset  uint64
}

func (r *PooledUserOpHashesRequest) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(r)
}

func (r *PooledUserOpHashesRequest) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := append(buf, r.Mempool[:]...)
	return ssz.MarshalUint64(dst, r.Offset), nil
}

func (r *PooledUserOpHashesRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 40 {
		return ssz.ErrSize
	}
	copy(r.Mempool[:], buf[0:32])
	r.Offset = ssz.UnmarshallUint64(buf[32:40])
	return nil
}

func (r *PooledUserOpHashesRequest) SizeSSZ() int { return 40 }

// PooledUserOpHashes is one page of pooled hashes; More is non-zero
// when another page remains past the requested offset.
type PooledUserOpHashes struct {
	More   uint64
	Hashes []common.Hash
}

func (p *PooledUserOpHashes) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(p)
}

func (p *PooledUserOpHashes) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(p.Hashes) > MaxOpsPerRequest {
		return nil, ssz.ErrListTooBig
	}
	dst := ssz.MarshalUint64(buf, p.More)
	dst = ssz.WriteOffset(dst, 12)
	for _, h := range p.Hashes {
		dst = append(dst, h.Bytes()...)
	}
	return dst, nil
}

func (p *PooledUserOpHashes) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 12 {
		return ssz.ErrSize
	}
	p.More = ssz.UnmarshallUint64(buf[0:8])
	if ssz.ReadOffset(buf[8:12]) != 12 {
		return ssz.ErrOffset
	}
	data := buf[12:]
	if len(data)%32 != 0 {
		return ssz.ErrSize
	}
	n := len(data) / 32
	if n > MaxOpsPerRequest {
		return ssz.ErrListTooBig
	}
	p.Hashes = make([]common.Hash, n)
	for i := 0; i < n; i++ {
		p.Hashes[i] = common.BytesToHash(data[i*32 : (i+1)*32])
	}
	return nil
}

func (p *PooledUserOpHashes) SizeSSZ() int {
	return 12 + 32*len(p.Hashes)
}

// PooledUserOpsByHashRequest asks for the full operations behind a set
// of hashes.
type PooledUserOpsByHashRequest struct {
	Hashes []common.Hash
}

func (r *PooledUserOpsByHashRequest) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(r)
}

func (r *PooledUserOpsByHashRequest) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(r.Hashes) > MaxOpsPerRequest {
		return nil, ssz.ErrListTooBig
	}
	dst := ssz.WriteOffset(buf, 4)
	for _, h := range r.Hashes {
		dst = append(dst, h.Bytes()...)
	}
	return dst, nil
}

func (r *PooledUserOpsByHashRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 4 {
		return ssz.ErrSize
	}
	if ssz.ReadOffset(buf[0:4]) != 4 {
		return ssz.ErrOffset
	}
	data := buf[4:]
	if len(data)%32 != 0 {
		return ssz.ErrSize
	}
	n := len(data) / 32
	if n > MaxOpsPerRequest {
		return ssz.ErrListTooBig
	}
	r.Hashes = make([]common.Hash, n)
	for i := 0; i < n; i++ {
		r.Hashes[i] = common.BytesToHash(data[i*32 : (i+1)*32])
	}
	return nil
}

func (r *PooledUserOpsByHashRequest) SizeSSZ() int {
	return 4 + 32*len(r.Hashes)
}

// PooledUserOpsByHash returns the operations a peer still pools from a
// hash request; unknown hashes are silently omitted.
type PooledUserOpsByHash struct {
	UserOperations []*model.UserOperation
}

func (p *PooledUserOpsByHash) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(p)
}

func (p *PooledUserOpsByHash) MarshalSSZTo(buf []byte) ([]byte, error) {
	if len(p.UserOperations) > MaxOpsPerRequest {
		return nil, ssz.ErrListTooBig
	}
	dst := ssz.WriteOffset(buf, 4)

	offset := 4 * len(p.UserOperations)
	for _, op := range p.UserOperations {
		dst = ssz.WriteOffset(dst, offset)
		offset += op.SizeSSZ()
	}
	var err error
	for _, op := range p.UserOperations {
		if dst, err = op.MarshalSSZTo(dst); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (p *PooledUserOpsByHash) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 4 {
		return ssz.ErrSize
	}
	if ssz.ReadOffset(buf[0:4]) != 4 {
		return ssz.ErrOffset
	}
	data := buf[4:]
	if len(data) == 0 {
		p.UserOperations = nil
		return nil
	}
	if len(data) < 4 {
		return ssz.ErrSize
	}

	first := ssz.ReadOffset(data[0:4])
	if first%4 != 0 || first > uint64(len(data)) {
		return ssz.ErrOffset
	}
	n := int(first / 4)
	if n > MaxOpsPerRequest {
		return ssz.ErrListTooBig
	}

	offsets := make([]uint64, n+1)
	for i := 0; i < n; i++ {
		offsets[i] = ssz.ReadOffset(data[i*4 : i*4+4])
		if offsets[i] > uint64(len(data)) {
			return ssz.ErrOffset
		}
		if i > 0 && offsets[i] < offsets[i-1] {
			return ssz.ErrOffset
		}
	}
	offsets[n] = uint64(len(data))

	p.UserOperations = make([]*model.UserOperation, n)
	for i := 0; i < n; i++ {
		op := new(model.UserOperation)
		if err := op.UnmarshalSSZ(data[offsets[i]:offsets[i+1]]); err != nil {
			return err
		}
		p.UserOperations[i] = op
	}
	return nil
}

func (p *PooledUserOpsByHash) SizeSSZ() int {
	size := 4
	for _, op := range p.UserOperations {
		size += 4 + op.SizeSSZ()
	}
	return size
}
