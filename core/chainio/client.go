package chainio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/silius-go/silius/model"
)

// latestScanDepth bounds how far back receipt lookups scan for the
// UserOperationEvent of a given operation.
const latestScanDepth = 1000

// rpcDeadline caps every outbound chain RPC.
const rpcDeadline = 10 * time.Second

// Backend is the chain oracle surface the pool, validator and bundler
// consume. *Client implements it against a real execution client; tests
// substitute fakes.
type Backend interface {
	ChainID() *big.Int
	EntryPoint() common.Address

	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// EntryPoint views
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)

	// Simulation
	SimulateValidation(ctx context.Context, uo *model.UserOperation) (*ValidationResult, error)
	SimulateValidationTrace(ctx context.Context, uo *model.UserOperation) (*TracerFrame, *ValidationResult, error)
	SimulateHandleOp(ctx context.Context, uo *model.UserOperation) (*ExecutionResult, error)

	// UserOperationEvent lookup within the recent scan window.
	FindUserOperationEvent(ctx context.Context, userOpHash common.Hash) (*types.Log, error)
}

// Client is the chain oracle adapter: one execution-client endpoint,
// EntryPoint helpers and the validation tracer behind a retry policy.
type Client struct {
	eth    *ethclient.Client
	rpc    *rpc.Client
	logger *zap.SugaredLogger

	chainID    *big.Int
	entryPoint common.Address
}

// Dial connects to the execution client and resolves the chain id.
func Dial(ctx context.Context, rawURL string, entryPoint common.Address, logger *zap.SugaredLogger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("cannot dial execution client: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("cannot resolve chain id: %w", err)
	}

	return &Client{
		eth:        eth,
		rpc:        rpcClient,
		logger:     logger,
		chainID:    chainID,
		entryPoint: entryPoint,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) ChainID() *big.Int          { return new(big.Int).Set(c.chainID) }
func (c *Client) EntryPoint() common.Address { return c.entryPoint }
func (c *Client) Raw() *rpc.Client           { return c.rpc }
func (c *Client) Eth() *ethclient.Client     { return c.eth }

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rpcDeadline)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var header *types.Header
	err := withRetry(ctx, func() error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var code []byte
	err := withRetry(ctx, func() error {
		var err error
		code, err = c.eth.CodeAt(ctx, account, blockNumber)
		return err
	})
	return code, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var balance *big.Int
	err := withRetry(ctx, func() error {
		var err error
		balance, err = c.eth.BalanceAt(ctx, account, nil)
		return err
	})
	return balance, err
}

func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var nonce uint64
	err := withRetry(ctx, func() error {
		var err error
		nonce, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var tip *big.Int
	err := withRetry(ctx, func() error {
		var err error
		tip, err = c.eth.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.EstimateGas(ctx, msg)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return withRetry(ctx, func() error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.TransactionByHash(ctx, txHash)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var logs []types.Log
	err := withRetry(ctx, func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// SubscribeNewHead proxies the underlying subscription; callers fall back
// to polling when the transport does not support subscriptions.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.eth.SubscribeNewHead(ctx, ch)
}

func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := entryPointABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (c *Client) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (c *Client) call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var out []byte
	err := withRetry(ctx, func() error {
		var err error
		out, err = c.eth.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

// SimulateValidation runs EntryPoint.simulateValidation via eth_call and
// decodes the mandatory revert.
func (c *Client) SimulateValidation(ctx context.Context, uo *model.UserOperation) (*ValidationResult, error) {
	data, err := PackSimulateValidation(uo)
	if err != nil {
		return nil, err
	}
	_, err = c.call(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data})
	if err == nil {
		return nil, fmt.Errorf("simulateValidation did not revert")
	}
	revert, ok := revertData(err)
	if !ok {
		return nil, err
	}
	return DecodeSimulateValidationRevert(revert)
}

// SimulateValidationTrace runs simulateValidation under the collector
// tracer via debug_traceCall and returns both the trace frame and the
// decoded ValidationResult reconstructed from the top-level revert.
func (c *Client) SimulateValidationTrace(ctx context.Context, uo *model.UserOperation) (*TracerFrame, *ValidationResult, error) {
	data, err := PackSimulateValidation(uo)
	if err != nil {
		return nil, nil, err
	}

	callArgs := map[string]interface{}{
		"to":   c.entryPoint,
		"data": hexutil.Bytes(data),
		// cover verification at its limit, execution excluded by the tracer
		"gas": hexutil.Uint64(3_000_000),
	}
	traceOpts := map[string]interface{}{
		"tracer": validationTracer,
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	var raw json.RawMessage
	err = withRetry(ctx, func() error {
		return c.rpc.CallContext(ctx, &raw, "debug_traceCall", callArgs, "latest", traceOpts)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("debug_traceCall failed: %w", err)
	}

	frame, err := ParseTracerFrame(raw)
	if err != nil {
		return nil, nil, err
	}

	// simulateValidation always exits via revert; the tracer records it
	// as the last top-level call entry
	var revert []byte
	for i := len(frame.Calls) - 1; i >= 0; i-- {
		if frame.Calls[i].Type == "REVERT" {
			revert = frame.Calls[i].Data
			break
		}
	}
	if revert == nil {
		return nil, nil, fmt.Errorf("validation trace has no revert frame")
	}
	res, err := DecodeSimulateValidationRevert(revert)
	if err != nil {
		return frame, nil, err
	}
	return frame, res, nil
}

// SimulateHandleOp probes the execution phase of an operation via
// eth_call; the EntryPoint reports the outcome as an ExecutionResult
// revert.
func (c *Client) SimulateHandleOp(ctx context.Context, uo *model.UserOperation) (*ExecutionResult, error) {
	data, err := PackSimulateHandleOp(uo, common.Address{}, nil)
	if err != nil {
		return nil, err
	}
	_, err = c.call(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data})
	if err == nil {
		return nil, fmt.Errorf("simulateHandleOp did not revert")
	}
	revert, ok := revertData(err)
	if !ok {
		return nil, err
	}
	return DecodeSimulateHandleOpRevert(revert)
}

// GetSenderAddress resolves the counterfactual account address for an
// initCode.
func (c *Client) GetSenderAddress(ctx context.Context, initCode []byte) (common.Address, error) {
	data, err := PackGetSenderAddress(initCode)
	if err != nil {
		return common.Address{}, err
	}
	_, err = c.call(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data})
	if err == nil {
		return common.Address{}, fmt.Errorf("getSenderAddress did not revert")
	}
	revert, ok := revertData(err)
	if !ok {
		return common.Address{}, err
	}
	return DecodeSenderAddressRevert(revert)
}

// FindUserOperationEvent scans the recent block window for the
// UserOperationEvent of the given hash. A nil log means not found.
func (c *Client) FindUserOperationEvent(ctx context.Context, userOpHash common.Hash) (*types.Log, error) {
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	from := new(big.Int).Sub(head.Number, big.NewInt(latestScanDepth))
	if from.Sign() < 0 {
		from.SetInt64(0)
	}

	logs, err := c.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   head.Number,
		Addresses: []common.Address{c.entryPoint},
		Topics: [][]common.Hash{
			{entryPointABI.Events["UserOperationEvent"].ID},
			{userOpHash},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

// FailedOpFromError extracts a FailedOp revert carried by an RPC error,
// as eth_estimateGas returns it when handleOps would revert.
func FailedOpFromError(err error) (*FailedOpError, bool) {
	data, ok := revertData(err)
	if !ok || len(data) < 4 {
		return nil, false
	}
	if !bytes.Equal(data[:4], entryPointABI.Errors["FailedOp"].ID.Bytes()[:4]) {
		return nil, false
	}
	abiErr := entryPointABI.Errors["FailedOp"]
	vals, decErr := abiErr.Unpack(data)
	if decErr != nil {
		return nil, false
	}
	vs := vals.([]interface{})
	return &FailedOpError{
		OpIndex: *abi.ConvertType(vs[0], new(*big.Int)).(**big.Int),
		Reason:  *abi.ConvertType(vs[1], new(string)).(*string),
	}, true
}

// revertData pulls the ABI-encoded revert payload out of an eth_call
// error, when the transport exposes it.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch data := de.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(data)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return data, true
	default:
		return nil, false
	}
}
