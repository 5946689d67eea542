package model

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUserOp() *UserOperation {
	return &UserOperation{
		Sender:               common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"),
		Nonce:                big.NewInt(0),
		InitCode:             hexutil.MustDecode("0x9406cc6185a346906296840746125a0e449764545fbfb9cf000000000000000000000000ce0fefa6f7979c4c9b5373e0f5105b7259092c6d0000000000000000000000000000000000000000000000000000000000000000"),
		CallData:             hexutil.MustDecode("0xb61d27f60000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c00000000000000000000000000000000000000000000000000005af3107a400000000000000000000000000000000000000000000000000000000000000000600000000000000000000000000000000000000000000000000000000000000000"),
		CallGasLimit:         big.NewInt(33100),
		VerificationGasLimit: big.NewInt(361460),
		PreVerificationGas:   big.NewInt(44980),
		MaxFeePerGas:         big.NewInt(1695000030),
		MaxPriorityFeePerGas: big.NewInt(1695000000),
		PaymasterAndData:     []byte{},
		Signature:            hexutil.MustDecode("0xebfd4657afe1f1c05c1ec65f3f9cc992a3ac083c424454ba61eab93152195e1400d74df01fc9fa53caadcb83a891d478b713016bcc0c64307c1ad3d7ea2e2d921b"),
	}
}

func TestUserOperationHash(t *testing.T) {
	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	chainID := big.NewInt(80001)

	minimal := &UserOperation{
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(1000000000),
	}
	assert.Equal(t,
		common.HexToHash("0x95418c07086df02ff6bc9e8bdc150b380cb761beecc098630440bcec6e862702"),
		minimal.Hash(entryPoint, chainID),
	)

	assert.Equal(t,
		common.HexToHash("0x7c1b8c9df49a9e09ecef0f0fe6841d895850d29820f9a4b494097764085dcd7e"),
		testUserOp().Hash(entryPoint, chainID),
	)
}

func TestUserOperationFactoryPaymaster(t *testing.T) {
	uo := testUserOp()
	assert.Equal(t, common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454"), uo.Factory())
	assert.Equal(t, common.Address{}, uo.Paymaster())

	uo.PaymasterAndData = append(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes(), 0xde, 0xad)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), uo.Paymaster())
}

func TestUserOperationMaxGasCost(t *testing.T) {
	uo := &UserOperation{
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(100),
		VerificationGasLimit: big.NewInt(200),
		PreVerificationGas:   big.NewInt(50),
		MaxFeePerGas:         big.NewInt(3),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	// no paymaster: (50 + 100 + 200) * 3
	assert.Equal(t, big.NewInt(1050), uo.MaxGasCost())

	uo.PaymasterAndData = common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()
	// with paymaster the verification limit is charged three times
	assert.Equal(t, big.NewInt(2250), uo.MaxGasCost())
}

func TestUserOperationJSONRoundTrip(t *testing.T) {
	uo := testUserOp()

	data, err := json.Marshal(uo)
	require.NoError(t, err)

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uo.Sender, decoded.Sender)
	assert.Zero(t, uo.Nonce.Cmp(decoded.Nonce))
	assert.Equal(t, uo.CallData, []byte(decoded.CallData))
	assert.Equal(t, uo.Signature, []byte(decoded.Signature))
}

func TestUserOperationJSONPartial(t *testing.T) {
	// gas fields may be absent when the operation comes in for
	// estimation; they decode as zero
	var decoded UserOperation
	raw := `{"sender":"0x9c5754De1443984659E1b3a8d1931D83475ba29C","nonce":"0x1","callData":"0xdead"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	assert.Equal(t, common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"), decoded.Sender)
	assert.Zero(t, decoded.Nonce.Cmp(big.NewInt(1)))
	assert.Zero(t, decoded.CallGasLimit.Sign())
	assert.Zero(t, decoded.VerificationGasLimit.Sign())
	assert.Zero(t, decoded.PreVerificationGas.Sign())
	assert.Zero(t, decoded.MaxFeePerGas.Sign())
	assert.Zero(t, decoded.MaxPriorityFeePerGas.Sign())
}

func TestCalcPreVerificationGasPartialOp(t *testing.T) {
	uo := testUserOp()
	uo.PreVerificationGas = nil
	uo.CallGasLimit = nil

	pvg := DefaultOverhead().CalcPreVerificationGas(uo)
	assert.Greater(t, pvg.Int64(), int64(21000+18300))
}

func TestCalcPreVerificationGas(t *testing.T) {
	uo := testUserOp()
	pvg := DefaultOverhead().CalcPreVerificationGas(uo)

	// lower bound: fixed + perUserOp with no byte costs at all
	assert.Greater(t, pvg.Int64(), int64(21000+18300))
	// deterministic for the same operation
	assert.Zero(t, pvg.Cmp(DefaultOverhead().CalcPreVerificationGas(uo)))

	// growing the calldata grows the charge
	bigger := uo.Clone()
	bigger.CallData = append(bigger.CallData, make([]byte, 1024)...)
	assert.Greater(t, DefaultOverhead().CalcPreVerificationGas(bigger).Int64(), pvg.Int64())
}
