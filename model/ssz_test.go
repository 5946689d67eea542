package model

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Encoding generated by the reference eth2 ssz python implementation.
const sszVector = "0x1f9090aae28b8a3dceadf281b0f12828e676c3266400000000000000000000000000000000000000000000000000000000000000e40000003c010000a086010000000000000000000000000000000000000000000000000000000000f483050000000000000000000000000000000000000000000000000000000000b4af000000000000000000000000000000000000000000000000000000000000dea5076500000000000000000000000000000000000000000000000000000000c0a5076500000000000000000000000000000000000000000000000000000000c0010000c10100009406cc6185a346906296840746125a0e449764545fbfb9cf000000000000000000000000ce0fefa6f7979c4c9b5373e0f5105b7259092c6d0000000000000000000000000000000000000000000000000000000000000000b61d27f60000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c00000000000000000000000000000000000000000000000000005af3107a4000000000000000000000000000000000000000000000000000000000000000006000000000000000000000000000000000000000000000000000000000000000001febfd4657afe1f1c05c1ec65f3f9cc992a3ac083c424454ba61eab93152195e1400d74df01fc9fa53caadcb83a891d478b713016bcc0c64307c1ad3d7ea2e2d921b"

func sszUserOp() *UserOperation {
	uo := testUserOp()
	uo.Sender = common.HexToAddress("0x1F9090AAE28B8A3DCEADF281B0F12828E676C326")
	uo.Nonce = big.NewInt(100)
	uo.CallGasLimit = big.NewInt(100000)
	uo.PaymasterAndData = []byte{0x1f}
	return uo
}

func TestUserOperationSSZEncode(t *testing.T) {
	encoded, err := sszUserOp().MarshalSSZ()
	require.NoError(t, err)
	assert.Equal(t, hexutil.MustDecode(sszVector), encoded)
}

func TestUserOperationSSZDecode(t *testing.T) {
	var decoded UserOperation
	require.NoError(t, decoded.UnmarshalSSZ(hexutil.MustDecode(sszVector)))

	uo := sszUserOp()
	assert.Equal(t, uo.Sender, decoded.Sender)
	assert.Zero(t, uo.Nonce.Cmp(decoded.Nonce))
	assert.Equal(t, uo.InitCode, decoded.InitCode)
	assert.Equal(t, uo.CallData, decoded.CallData)
	assert.Zero(t, uo.CallGasLimit.Cmp(decoded.CallGasLimit))
	assert.Zero(t, uo.VerificationGasLimit.Cmp(decoded.VerificationGasLimit))
	assert.Zero(t, uo.PreVerificationGas.Cmp(decoded.PreVerificationGas))
	assert.Zero(t, uo.MaxFeePerGas.Cmp(decoded.MaxFeePerGas))
	assert.Zero(t, uo.MaxPriorityFeePerGas.Cmp(decoded.MaxPriorityFeePerGas))
	assert.Equal(t, uo.PaymasterAndData, decoded.PaymasterAndData)
	assert.Equal(t, uo.Signature, decoded.Signature)
}

func TestUserOperationSSZTruncated(t *testing.T) {
	raw := hexutil.MustDecode(sszVector)
	var decoded UserOperation
	assert.Error(t, decoded.UnmarshalSSZ(raw[:100]))
}

func TestVerifiedUserOperationSSZRoundTrip(t *testing.T) {
	v := &VerifiedUserOperation{
		UserOperation:       sszUserOp(),
		EntryPoint:          common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		VerifiedAtBlockHash: common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000001"),
	}

	encoded, err := v.MarshalSSZ()
	require.NoError(t, err)
	require.Equal(t, v.SizeSSZ(), len(encoded))

	var decoded VerifiedUserOperation
	require.NoError(t, decoded.UnmarshalSSZ(encoded))
	assert.Equal(t, v.EntryPoint, decoded.EntryPoint)
	assert.Equal(t, v.VerifiedAtBlockHash, decoded.VerifiedAtBlockHash)
	assert.Equal(t, v.UserOperation.Sender, decoded.UserOperation.Sender)
	assert.Equal(t, v.UserOperation.CallData, decoded.UserOperation.CallData)
}

func TestUserOperationHashTreeRoot(t *testing.T) {
	uo := sszUserOp()

	root, err := uo.HashTreeRoot()
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, root)

	again, err := uo.HashTreeRoot()
	require.NoError(t, err)
	assert.Equal(t, root, again)

	tree, err := uo.GetTree()
	require.NoError(t, err)
	assert.Equal(t, root[:], tree.Hash())
}

func TestVerifiedUserOperationHashTreeRoot(t *testing.T) {
	v := &VerifiedUserOperation{
		UserOperation:       sszUserOp(),
		EntryPoint:          common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
		VerifiedAtBlockHash: common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000001"),
	}

	root, err := v.HashTreeRoot()
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, root)

	tree, err := v.GetTree()
	require.NoError(t, err)
	assert.Equal(t, root[:], tree.Hash())
}
