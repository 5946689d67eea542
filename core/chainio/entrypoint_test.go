package chainio

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silius-go/silius/model"
)

func packError(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	e, ok := entryPointABI.Errors[name]
	require.True(t, ok, "unknown error %s", name)
	packed, err := e.Inputs.Pack(args...)
	require.NoError(t, err)
	return append(e.ID.Bytes()[:4], packed...)
}

func TestDecodeValidationResult(t *testing.T) {
	data := packError(t, "ValidationResult",
		abiReturnInfo{
			PreOpGas:         big.NewInt(50000),
			Prefund:          big.NewInt(1000000),
			SigFailed:        false,
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(281474976710655),
			PaymasterContext: []byte{},
		},
		abiStakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		abiStakeInfo{Stake: big.NewInt(2), UnstakeDelaySec: big.NewInt(86400)},
		abiStakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
	)

	res, err := DecodeSimulateValidationRevert(data)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), res.ReturnInfo.PreOpGas.Int64())
	assert.False(t, res.ReturnInfo.SigFailed)
	assert.True(t, res.FactoryInfo.Staked())
	assert.False(t, res.SenderInfo.Staked())
	assert.Equal(t, common.Address{}, res.Aggregator)

	byLevel := res.StakeInfoByLevel()
	assert.Equal(t, res.FactoryInfo, byLevel[model.FactoryLevel])
	assert.Equal(t, res.SenderInfo, byLevel[model.SenderLevel])
	assert.Equal(t, res.PaymasterInfo, byLevel[model.PaymasterLevel])
}

func TestDecodeFailedOp(t *testing.T) {
	data := packError(t, "FailedOp", big.NewInt(0), "AA25 invalid account nonce")

	res, err := DecodeSimulateValidationRevert(data)
	require.Nil(t, res)
	var failed *FailedOpError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "AA25 invalid account nonce", failed.Reason)
}

func TestDecodeUnknownRevert(t *testing.T) {
	_, err := DecodeSimulateValidationRevert([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.Error(t, err)

	_, err = DecodeSimulateValidationRevert(nil)
	assert.Error(t, err)
}

func TestDecodeSenderAddressResult(t *testing.T) {
	want := common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C")
	data := packError(t, "SenderAddressResult", want)

	got, err := DecodeSenderAddressRevert(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPackHandleOps(t *testing.T) {
	uo := &model.UserOperation{
		Sender:               common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"),
		Nonce:                big.NewInt(1),
		CallGasLimit:         big.NewInt(21000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(45000),
		MaxFeePerGas:         big.NewInt(2000000000),
		MaxPriorityFeePerGas: big.NewInt(1000000000),
	}
	data, err := PackHandleOps([]*model.UserOperation{uo}, common.HexToAddress("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	assert.Equal(t, entryPointABI.Methods["handleOps"].ID, data[:4])
}

func TestParseTracerFrame(t *testing.T) {
	raw := []byte(`{
		"callsFromEntryPoint": [{
			"topLevelMethodSig": "0x19822f7c",
			"topLevelTargetAddress": "0x9c5754de1443984659e1b3a8d1931d83475ba29c",
			"access": {"0x9c5754de1443984659e1b3a8d1931d83475ba29c": {"reads": {"0x0": "0x1"}, "writes": {"0x0": 2}}},
			"opcodes": {"SLOAD": 3, "GAS": 1},
			"contractSize": {"0x2222222222222222222222222222222222222222": {"opcode": "CALL", "contractSize": 120}},
			"extCodeAccessInfo": {}
		}],
		"keccak": ["0x01"],
		"logs": [],
		"calls": [{"type": "REVERT", "gasUsed": 0, "data": "0xdeadbeef"}],
		"debug": []
	}`)

	frame, err := ParseTracerFrame(raw)
	require.NoError(t, err)
	require.Len(t, frame.CallsFromEntryPoint, 1)

	level := frame.CallsFromEntryPoint[0]
	assert.Equal(t, uint64(3), level.Opcodes["SLOAD"])
	rw := level.Access[common.HexToAddress("0x9c5754de1443984659e1b3a8d1931d83475ba29c")]
	assert.Equal(t, "0x1", rw.Reads["0x0"])
	assert.Equal(t, uint64(2), rw.Writes["0x0"])
	assert.Equal(t, uint64(120), level.ContractSize[common.HexToAddress("0x2222222222222222222222222222222222222222")].ContractSize)
	require.Len(t, frame.Calls, 1)
	assert.Equal(t, "REVERT", frame.Calls[0].Type)
}
