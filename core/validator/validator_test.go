package validator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/model"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testSender     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testFactory    = common.HexToAddress("0x2222222222222222222222222222222222222222")

	factorySig   = hexutil.Bytes{0x57, 0x0e, 0x1a, 0x36}
	senderSig    = hexutil.Bytes{0x3a, 0x87, 0x1c, 0xdd}
	paymasterSig = hexutil.Bytes{0xf4, 0x65, 0xc7, 0x7e}
)

// fakeBackend serves canned chain state to the pipeline.
type fakeBackend struct {
	code     map[common.Address][]byte
	deposits map[common.Address]*big.Int
	balances map[common.Address]*big.Int
	baseFee  *big.Int
	frame    *chainio.TracerFrame
	result   *chainio.ValidationResult
	simErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		code:     make(map[common.Address][]byte),
		deposits: make(map[common.Address]*big.Int),
		balances: make(map[common.Address]*big.Int),
		baseFee:  big.NewInt(1_000_000_000),
	}
}

func (f *fakeBackend) ChainID() *big.Int          { return big.NewInt(1337) }
func (f *fakeBackend) EntryPoint() common.Address { return testEntryPoint }

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if d, ok := f.deposits[account]; ok {
		return d, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBackend) SimulateValidation(ctx context.Context, uo *model.UserOperation) (*chainio.ValidationResult, error) {
	return f.result, f.simErr
}

func (f *fakeBackend) SimulateValidationTrace(ctx context.Context, uo *model.UserOperation) (*chainio.TracerFrame, *chainio.ValidationResult, error) {
	return f.frame, f.result, f.simErr
}

func (f *fakeBackend) SimulateHandleOp(ctx context.Context, uo *model.UserOperation) (*chainio.ExecutionResult, error) {
	return nil, nil
}

func (f *fakeBackend) FindUserOperationEvent(ctx context.Context, userOpHash common.Hash) (*types.Log, error) {
	return nil, nil
}

func validOp() *model.UserOperation {
	uo := &model.UserOperation{
		Sender:               testSender,
		Nonce:                big.NewInt(0),
		InitCode:             append(testFactory.Bytes(), 0x01, 0x02),
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(100000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
	uo.PreVerificationGas = model.DefaultOverhead().CalcPreVerificationGas(uo)
	return uo
}

func cleanFrame() *chainio.TracerFrame {
	oneCreate2 := map[string]uint64{"CREATE2": 1}
	return &chainio.TracerFrame{
		CallsFromEntryPoint: []chainio.TopLevelCallInfo{
			{
				TopLevelMethodSig:     factorySig,
				TopLevelTargetAddress: testFactory.Hex(),
				Opcodes:               oneCreate2,
				Access:                map[common.Address]chainio.ReadsAndWrites{},
				ContractSize:          map[common.Address]chainio.ContractSizeInfo{},
				ExtCodeAccessInfo:     map[common.Address]string{},
			},
			{
				TopLevelMethodSig:     senderSig,
				TopLevelTargetAddress: testSender.Hex(),
				Opcodes:               map[string]uint64{},
				Access:                map[common.Address]chainio.ReadsAndWrites{},
				ContractSize:          map[common.Address]chainio.ContractSizeInfo{},
				ExtCodeAccessInfo:     map[common.Address]string{},
			},
		},
	}
}

func passingResult(uo *model.UserOperation) *chainio.ValidationResult {
	return &chainio.ValidationResult{
		ReturnInfo: chainio.ReturnInfo{
			PreOpGas:   new(big.Int).Add(uo.PreVerificationGas, big.NewInt(50000)),
			Prefund:    big.NewInt(0),
			ValidAfter: big.NewInt(0),
			ValidUntil: big.NewInt(0),
		},
		SenderInfo:    model.StakeInfo{Address: uo.Sender, Stake: big.NewInt(0), UnstakeDelay: big.NewInt(0)},
		FactoryInfo:   model.StakeInfo{Address: uo.Factory(), Stake: big.NewInt(0), UnstakeDelay: big.NewInt(0)},
		PaymasterInfo: model.StakeInfo{Stake: big.NewInt(0), UnstakeDelay: big.NewInt(0)},
	}
}

func newTestValidator(backend *fakeBackend) (*Validator, mempool.Store) {
	pool := mempool.NewMemoryStore()
	rep := mempool.NewReputation(mempool.NewMemoryCounters(), big.NewInt(1), nil, nil)
	cfg := Config{
		MinStake:             big.NewInt(1),
		MinPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxVerificationGas:   big.NewInt(5_000_000),
	}
	return New(backend, pool, rep, cfg, zap.NewNop().Sugar()), pool
}

func TestValidateAdmitsWellFormedOp(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60, 0x80}

	uo := validOp()
	backend.frame = cleanFrame()
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	outcome, err := v.Validate(context.Background(), uo, uo.Hash(testEntryPoint, big.NewInt(1337)))
	require.NoError(t, err)
	assert.False(t, outcome.SigFailed)
	assert.Equal(t, big.NewInt(100), outcome.VerifiedAtBlock)
	assert.Equal(t, uo.Sender, outcome.StakeInfo[model.SenderLevel].Address)
}

func TestValidateSanityRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(uo *model.UserOperation)
		field  string
	}{
		{"zero sender", func(uo *model.UserOperation) { uo.Sender = common.Address{} }, "sender"},
		{"short init code", func(uo *model.UserOperation) { uo.InitCode = []byte{0x01} }, "initCode"},
		{"short paymaster", func(uo *model.UserOperation) { uo.PaymasterAndData = []byte{0x01} }, "paymasterAndData"},
		{"call gas too low", func(uo *model.UserOperation) { uo.CallGasLimit = big.NewInt(20000) }, "callGasLimit"},
		{"verification gas too high", func(uo *model.UserOperation) { uo.VerificationGasLimit = big.NewInt(6_000_000) }, "verificationGasLimit"},
		{"pre verification gas too low", func(uo *model.UserOperation) { uo.PreVerificationGas = big.NewInt(1000) }, "preVerificationGas"},
		{"tip above max fee", func(uo *model.UserOperation) { uo.MaxPriorityFeePerGas = big.NewInt(3_000_000_000) }, "maxPriorityFeePerGas"},
		{"max fee below base fee", func(uo *model.UserOperation) {
			uo.MaxFeePerGas = big.NewInt(500_000_000)
			uo.MaxPriorityFeePerGas = big.NewInt(400_000_000)
		}, "maxFeePerGas"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.code[testFactory] = []byte{0x60}
			uo := validOp()
			tc.mutate(uo)

			v, _ := newTestValidator(backend)
			_, err := v.Validate(context.Background(), uo, common.Hash{})
			var sanityErr *SanityError
			require.ErrorAs(t, err, &sanityErr)
			assert.Equal(t, tc.field, sanityErr.Field)
		})
	}
}

func TestValidateSenderDeploymentExclusivity(t *testing.T) {
	backend := newFakeBackend()
	v, _ := newTestValidator(backend)

	// deployed sender must not carry initCode
	backend.code[testSender] = []byte{0x60}
	backend.code[testFactory] = []byte{0x60}
	uo := validOp()
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var sanityErr *SanityError
	require.ErrorAs(t, err, &sanityErr)

	// undeployed sender must carry initCode
	delete(backend.code, testSender)
	uo = validOp()
	uo.InitCode = []byte{}
	_, err = v.Validate(context.Background(), uo, common.Hash{})
	require.ErrorAs(t, err, &sanityErr)
	assert.Equal(t, "sender", sanityErr.Field)
}

func TestValidateReplacementFees(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	backend.result = passingResult(uo)

	v, pool := newTestValidator(backend)
	_, err := pool.Add(&mempool.Entry{Op: uo, Hash: uo.Hash(testEntryPoint, big.NewInt(1337))})
	require.NoError(t, err)

	// +9% on both fees is not enough
	replacement := uo.Clone()
	replacement.MaxFeePerGas = big.NewInt(2_180_000_000)
	replacement.MaxPriorityFeePerGas = big.NewInt(1_635_000_000)
	backend.result = passingResult(replacement)
	_, err = v.Validate(context.Background(), replacement, common.Hash{})
	var underpriced *ReplacementUnderpricedError
	require.ErrorAs(t, err, &underpriced)

	// +10% on both fees passes
	replacement = uo.Clone()
	replacement.MaxFeePerGas = big.NewInt(2_200_000_000)
	replacement.MaxPriorityFeePerGas = big.NewInt(1_650_000_000)
	backend.result = passingResult(replacement)
	_, err = v.Validate(context.Background(), replacement, replacement.Hash(testEntryPoint, big.NewInt(1337)))
	require.NoError(t, err)
}

func TestValidateForbiddenOpcode(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	frame := cleanFrame()
	frame.CallsFromEntryPoint[0].Opcodes["NUMBER"] = 2
	backend.frame = frame
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var opErr *OpcodeError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.EntityFactory, opErr.Entity)
	assert.Equal(t, "NUMBER", opErr.Opcode)
}

func TestValidateCreate2Rules(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}
	uo := validOp()
	v, _ := newTestValidator(backend)

	// a second CREATE2 in the factory frame is rejected
	frame := cleanFrame()
	frame.CallsFromEntryPoint[0].Opcodes["CREATE2"] = 2
	backend.frame = frame
	backend.result = passingResult(uo)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var opErr *OpcodeError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "CREATE2", opErr.Opcode)

	// CREATE2 outside the factory frame is rejected
	frame = cleanFrame()
	frame.CallsFromEntryPoint[1].Opcodes["CREATE2"] = 1
	backend.frame = frame
	_, err = v.Validate(context.Background(), uo, common.Hash{})
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.EntitySender, opErr.Entity)
}

func TestValidateOutOfGas(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	frame := cleanFrame()
	oog := true
	frame.CallsFromEntryPoint[1].OOG = &oog
	backend.frame = frame
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var oogErr *OutOfGasError
	require.ErrorAs(t, err, &oogErr)
}

func TestValidateStorageAccess(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")

	uo := validOp()
	frame := cleanFrame()
	// the sender frame writes a foreign contract's arbitrary slot
	frame.CallsFromEntryPoint[1].Access = map[common.Address]chainio.ReadsAndWrites{
		other: {
			Reads:  map[string]string{},
			Writes: map[string]uint64{"0x00000000000000000000000000000000000000000000000000000000000000aa": 1},
		},
	}
	backend.frame = frame
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var stErr *StorageAccessError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, model.EntitySender, stErr.Entity)
}

func TestValidateAssociatedSlotAllowed(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testSender] = []byte{0x60}
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")

	// deployed account, so associated storage in a foreign contract is fine
	uo := validOp()
	uo.InitCode = []byte{}
	uo.PreVerificationGas = model.DefaultOverhead().CalcPreVerificationGas(uo)

	// keccak(pad32(sender) ++ 0x05) preimage observed; the derived slot is
	// associated with the account
	preimage := make([]byte, 64)
	copy(preimage[12:32], testSender.Bytes())
	preimage[63] = 0x05
	slot := crypto.Keccak256Hash(preimage)

	frame := cleanFrame()
	frame.CallsFromEntryPoint = frame.CallsFromEntryPoint[1:] // no factory frame
	frame.Keccak = []hexutil.Bytes{preimage}
	frame.CallsFromEntryPoint[0].Access = map[common.Address]chainio.ReadsAndWrites{
		other: {
			Reads:  map[string]string{},
			Writes: map[string]uint64{slot.Hex(): 1},
		},
	}
	backend.frame = frame
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	require.NoError(t, err)
}

func TestValidateCallIntoEntryPoint(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	frame := cleanFrame()
	gas := uint64(50000)
	frame.Calls = []chainio.TracerCall{
		{Type: "CALL", From: &testSender, To: &testEntryPoint, Method: hexutil.Bytes{0x3a, 0x87, 0x1c, 0xdd}, Gas: &gas},
		{Type: "RETURN"},
	}
	backend.frame = frame
	backend.result = passingResult(uo)

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var callErr *CallStackError
	require.ErrorAs(t, err, &callErr)

	// depositTo is the one allowed entry point call
	frame.Calls[0].Method = hexutil.Bytes{0xb7, 0x60, 0xfa, 0xf9}
	_, err = v.Validate(context.Background(), uo, common.Hash{})
	require.NoError(t, err)
}

func TestValidateCodeHashChangeDetected(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60, 0x80}

	uo := validOp()
	hash := uo.Hash(testEntryPoint, big.NewInt(1337))
	frame := cleanFrame()
	frame.CallsFromEntryPoint[0].ContractSize = map[common.Address]chainio.ContractSizeInfo{
		testFactory: {Opcode: "CALL", ContractSize: 2000},
	}
	backend.frame = frame
	backend.result = passingResult(uo)

	v, pool := newTestValidator(backend)
	outcome, err := v.Validate(context.Background(), uo, hash)
	require.NoError(t, err)
	require.Len(t, outcome.CodeHashes, 1)

	// first validation stores the snapshot, second with changed code fails
	_, err = pool.Add(&mempool.Entry{Op: uo, Hash: hash})
	require.NoError(t, err)
	require.NoError(t, pool.SetCodeHashes(hash, outcome.CodeHashes))

	backend.code[testFactory] = []byte{0x60, 0x81}
	_, err = v.Revalidate(context.Background(), uo, hash)
	var chErr *CodeHashesError
	require.ErrorAs(t, err, &chErr)
}

func TestValidateExpiredOp(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	res := passingResult(uo)
	res.ReturnInfo.ValidUntil = big.NewInt(1) // long past
	backend.result = res

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var expErr *ExpiredError
	require.ErrorAs(t, err, &expErr)
}

func TestValidateSignatureFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	res := passingResult(uo)
	res.ReturnInfo.SigFailed = true
	backend.result = res

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
}

func TestValidatePrefund(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	res := passingResult(uo)
	res.ReturnInfo.Prefund = big.NewInt(1_000_000)
	backend.result = res

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var prefundErr *PrefundError
	require.ErrorAs(t, err, &prefundErr)

	backend.balances[testSender] = big.NewInt(2_000_000)
	_, err = v.Validate(context.Background(), uo, common.Hash{})
	require.NoError(t, err)
}

func TestValidateBannedEntity(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	backend.result = passingResult(uo)

	pool := mempool.NewMemoryStore()
	rep := mempool.NewReputation(mempool.NewMemoryCounters(), big.NewInt(1), nil,
		[]common.Address{testFactory})
	v := New(backend, pool, rep, Config{MinPriorityFeePerGas: big.NewInt(1)}, zap.NewNop().Sugar())

	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var bannedErr *mempool.EntityBannedError
	require.ErrorAs(t, err, &bannedErr)
	assert.Equal(t, testFactory, bannedErr.Address)
}

func TestValidateUnstakedSenderCap(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	v, pool := newTestValidator(backend)
	for i := int64(0); i < mempool.SameSenderMempoolCount; i++ {
		existing := validOp()
		existing.Nonce = big.NewInt(i + 10)
		_, err := pool.Add(&mempool.Entry{
			Op:   existing,
			Hash: existing.Hash(testEntryPoint, big.NewInt(1337)),
		})
		require.NoError(t, err)
	}

	uo := validOp()
	backend.frame = cleanFrame()
	backend.result = passingResult(uo)

	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var unstakedErr *UnstakedEntityError
	require.ErrorAs(t, err, &unstakedErr)
	assert.Equal(t, model.EntitySender, unstakedErr.Entity)
}

func TestValidateAggregatorRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.code[testFactory] = []byte{0x60}

	uo := validOp()
	backend.frame = cleanFrame()
	res := passingResult(uo)
	res.Aggregator = common.HexToAddress("0xabcdabcdabcdabcdabcdabcdabcdabcdabcdabcd")
	backend.result = res

	v, _ := newTestValidator(backend)
	_, err := v.Validate(context.Background(), uo, common.Hash{})
	var aggErr *AggregatorError
	require.ErrorAs(t, err, &aggErr)
}

// the paymaster frame selector is referenced by the level map; keep the
// compiler honest about it
var _ = paymasterSig
