package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ssz "github.com/ferranbt/fastssz"
)

// SSZ limits for the variable-length fields of a gossiped user operation.
// Bounded by the maximum uncompressed gossip message size.
const (
	maxInitCodeSize         = 92160
	maxCallDataSize         = 92160
	maxPaymasterAndDataSize = 92160
	maxSignatureSize        = 18432
)

// userOpFixedSize is the fixed part of the SSZ container:
// sender(20) + nonce(32) + 2 offsets + five uint256 gas fields + 2 offsets.
const userOpFixedSize = 20 + 32 + 4 + 4 + 5*32 + 4 + 4

func uint256ToSSZ(v *big.Int, dst []byte) {
	var be [32]byte
	if v != nil {
		v.FillBytes(be[:])
	}
	// uint256 is serialized little-endian
	for i := 0; i < 32; i++ {
		dst[i] = be[31-i]
	}
}

func uint256FromSSZ(src []byte) *big.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = src[31-i]
	}
	return new(big.Int).SetBytes(be[:])
}

// MarshalSSZ ssz marshals the UserOperation object
func (uo *UserOperation) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(uo)
}

// MarshalSSZTo ssz marshals the UserOperation object to a target array
func (uo *UserOperation) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	offset := userOpFixedSize

	// Field (0) 'Sender'
	dst = append(dst, uo.Sender.Bytes()...)

	// Field (1) 'Nonce'
	var scratch [32]byte
	uint256ToSSZ(uo.Nonce, scratch[:])
	dst = append(dst, scratch[:]...)

	// Offset (2) 'InitCode'
	dst = ssz.WriteOffset(dst, offset)
	offset += len(uo.InitCode)

	// Offset (3) 'CallData'
	dst = ssz.WriteOffset(dst, offset)
	offset += len(uo.CallData)

	// Field (4) 'CallGasLimit'
	uint256ToSSZ(uo.CallGasLimit, scratch[:])
	dst = append(dst, scratch[:]...)

	// Field (5) 'VerificationGasLimit'
	uint256ToSSZ(uo.VerificationGasLimit, scratch[:])
	dst = append(dst, scratch[:]...)

	// Field (6) 'PreVerificationGas'
	uint256ToSSZ(uo.PreVerificationGas, scratch[:])
	dst = append(dst, scratch[:]...)

	// Field (7) 'MaxFeePerGas'
	uint256ToSSZ(uo.MaxFeePerGas, scratch[:])
	dst = append(dst, scratch[:]...)

	// Field (8) 'MaxPriorityFeePerGas'
	uint256ToSSZ(uo.MaxPriorityFeePerGas, scratch[:])
	dst = append(dst, scratch[:]...)

	// Offset (9) 'PaymasterAndData'
	dst = ssz.WriteOffset(dst, offset)
	offset += len(uo.PaymasterAndData)

	// Offset (10) 'Signature'
	dst = ssz.WriteOffset(dst, offset)

	// Field (2) 'InitCode'
	if len(uo.InitCode) > maxInitCodeSize {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, uo.InitCode...)

	// Field (3) 'CallData'
	if len(uo.CallData) > maxCallDataSize {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, uo.CallData...)

	// Field (9) 'PaymasterAndData'
	if len(uo.PaymasterAndData) > maxPaymasterAndDataSize {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, uo.PaymasterAndData...)

	// Field (10) 'Signature'
	if len(uo.Signature) > maxSignatureSize {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, uo.Signature...)

	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the UserOperation object
func (uo *UserOperation) UnmarshalSSZ(buf []byte) error {
	size := uint64(len(buf))
	if size < userOpFixedSize {
		return ssz.ErrSize
	}

	tail := buf
	var o2, o3, o9, o10 uint64

	// Field (0) 'Sender'
	uo.Sender = common.BytesToAddress(buf[0:20])

	// Field (1) 'Nonce'
	uo.Nonce = uint256FromSSZ(buf[20:52])

	// Offset (2) 'InitCode'
	if o2 = ssz.ReadOffset(buf[52:56]); o2 > size {
		return ssz.ErrOffset
	}
	if o2 != userOpFixedSize {
		return ssz.ErrInvalidVariableOffset
	}

	// Offset (3) 'CallData'
	if o3 = ssz.ReadOffset(buf[56:60]); o3 > size || o2 > o3 {
		return ssz.ErrOffset
	}

	// Field (4) 'CallGasLimit'
	uo.CallGasLimit = uint256FromSSZ(buf[60:92])

	// Field (5) 'VerificationGasLimit'
	uo.VerificationGasLimit = uint256FromSSZ(buf[92:124])

	// Field (6) 'PreVerificationGas'
	uo.PreVerificationGas = uint256FromSSZ(buf[124:156])

	// Field (7) 'MaxFeePerGas'
	uo.MaxFeePerGas = uint256FromSSZ(buf[156:188])

	// Field (8) 'MaxPriorityFeePerGas'
	uo.MaxPriorityFeePerGas = uint256FromSSZ(buf[188:220])

	// Offset (9) 'PaymasterAndData'
	if o9 = ssz.ReadOffset(buf[220:224]); o9 > size || o3 > o9 {
		return ssz.ErrOffset
	}

	// Offset (10) 'Signature'
	if o10 = ssz.ReadOffset(buf[224:228]); o10 > size || o9 > o10 {
		return ssz.ErrOffset
	}

	// Field (2) 'InitCode'
	{
		buf = tail[o2:o3]
		if len(buf) > maxInitCodeSize {
			return ssz.ErrBytesLength
		}
		uo.InitCode = append([]byte(nil), buf...)
	}

	// Field (3) 'CallData'
	{
		buf = tail[o3:o9]
		if len(buf) > maxCallDataSize {
			return ssz.ErrBytesLength
		}
		uo.CallData = append([]byte(nil), buf...)
	}

	// Field (9) 'PaymasterAndData'
	{
		buf = tail[o9:o10]
		if len(buf) > maxPaymasterAndDataSize {
			return ssz.ErrBytesLength
		}
		uo.PaymasterAndData = append([]byte(nil), buf...)
	}

	// Field (10) 'Signature'
	{
		buf = tail[o10:]
		if len(buf) > maxSignatureSize {
			return ssz.ErrBytesLength
		}
		uo.Signature = append([]byte(nil), buf...)
	}

	return nil
}

// SizeSSZ returns the ssz encoded size in bytes for the UserOperation object
func (uo *UserOperation) SizeSSZ() int {
	return userOpFixedSize + len(uo.InitCode) + len(uo.CallData) +
		len(uo.PaymasterAndData) + len(uo.Signature)
}

// HashTreeRoot ssz hashes the UserOperation object
func (uo *UserOperation) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(uo)
}

// GetTree ssz hashes the UserOperation object
func (uo *UserOperation) GetTree() (*ssz.Node, error) {
	return ssz.ProofTree(uo)
}

// HashTreeRootWith ssz hashes the UserOperation object with a hasher
func (uo *UserOperation) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()

	var scratch [32]byte

	// Field (0) 'Sender'
	hh.PutBytes(uo.Sender.Bytes())

	// Field (1) 'Nonce'
	uint256ToSSZ(uo.Nonce, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (2) 'InitCode'
	hashByteList(hh, uo.InitCode, maxInitCodeSize)

	// Field (3) 'CallData'
	hashByteList(hh, uo.CallData, maxCallDataSize)

	// Field (4) 'CallGasLimit'
	uint256ToSSZ(uo.CallGasLimit, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (5) 'VerificationGasLimit'
	uint256ToSSZ(uo.VerificationGasLimit, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (6) 'PreVerificationGas'
	uint256ToSSZ(uo.PreVerificationGas, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (7) 'MaxFeePerGas'
	uint256ToSSZ(uo.MaxFeePerGas, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (8) 'MaxPriorityFeePerGas'
	uint256ToSSZ(uo.MaxPriorityFeePerGas, scratch[:])
	hh.PutBytes(scratch[:])

	// Field (9) 'PaymasterAndData'
	hashByteList(hh, uo.PaymasterAndData, maxPaymasterAndDataSize)

	// Field (10) 'Signature'
	hashByteList(hh, uo.Signature, maxSignatureSize)

	hh.Merkleize(indx)
	return nil
}

func hashByteList(hh ssz.HashWalker, b []byte, limit uint64) {
	elemIndx := hh.Index()
	byteLen := uint64(len(b))
	hh.PutBytes(b)
	hh.MerkleizeWithMixin(elemIndx, byteLen, (limit+31)/32)
}

// VerifiedUserOperation is the gossip payload: the operation together with
// the entry point it was validated against and the block it was verified at.
type VerifiedUserOperation struct {
	UserOperation       *UserOperation
	EntryPoint          common.Address
	VerifiedAtBlockHash common.Hash
}

const verifiedUserOpFixedSize = 4 + 20 + 32

// MarshalSSZ ssz marshals the VerifiedUserOperation object
func (v *VerifiedUserOperation) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(v)
}

// MarshalSSZTo ssz marshals the VerifiedUserOperation object to a target array
func (v *VerifiedUserOperation) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	if v.UserOperation == nil {
		v.UserOperation = new(UserOperation)
	}

	// Offset (0) 'UserOperation'
	dst = ssz.WriteOffset(dst, verifiedUserOpFixedSize)

	// Field (1) 'EntryPoint'
	dst = append(dst, v.EntryPoint.Bytes()...)

	// Field (2) 'VerifiedAtBlockHash'
	dst = append(dst, v.VerifiedAtBlockHash.Bytes()...)

	// Field (0) 'UserOperation'
	return v.UserOperation.MarshalSSZTo(dst)
}

// UnmarshalSSZ ssz unmarshals the VerifiedUserOperation object
func (v *VerifiedUserOperation) UnmarshalSSZ(buf []byte) error {
	size := uint64(len(buf))
	if size < verifiedUserOpFixedSize {
		return ssz.ErrSize
	}

	// Offset (0) 'UserOperation'
	o0 := ssz.ReadOffset(buf[0:4])
	if o0 > size || o0 != verifiedUserOpFixedSize {
		return ssz.ErrOffset
	}

	// Field (1) 'EntryPoint'
	v.EntryPoint = common.BytesToAddress(buf[4:24])

	// Field (2) 'VerifiedAtBlockHash'
	v.VerifiedAtBlockHash = common.BytesToHash(buf[24:56])

	// Field (0) 'UserOperation'
	v.UserOperation = new(UserOperation)
	return v.UserOperation.UnmarshalSSZ(buf[o0:])
}

// SizeSSZ returns the ssz encoded size in bytes for the VerifiedUserOperation object
func (v *VerifiedUserOperation) SizeSSZ() int {
	size := verifiedUserOpFixedSize
	if v.UserOperation != nil {
		size += v.UserOperation.SizeSSZ()
	} else {
		size += userOpFixedSize
	}
	return size
}

// HashTreeRoot ssz hashes the VerifiedUserOperation object
func (v *VerifiedUserOperation) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(v)
}

// GetTree ssz hashes the VerifiedUserOperation object
func (v *VerifiedUserOperation) GetTree() (*ssz.Node, error) {
	return ssz.ProofTree(v)
}

// HashTreeRootWith ssz hashes the VerifiedUserOperation object with a hasher
func (v *VerifiedUserOperation) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()

	// Field (0) 'UserOperation'
	if v.UserOperation == nil {
		v.UserOperation = new(UserOperation)
	}
	if err := v.UserOperation.HashTreeRootWith(hh); err != nil {
		return err
	}

	// Field (1) 'EntryPoint'
	hh.PutBytes(v.EntryPoint.Bytes())

	// Field (2) 'VerifiedAtBlockHash'
	hh.PutBytes(v.VerifiedAtBlockHash.Bytes())

	hh.Merkleize(indx)
	return nil
}
