package bundler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/wallet"
)

// SendMode selects how signed bundle transactions reach the network.
type SendMode string

const (
	// SendModeEth submits via eth_sendRawTransaction on the execution
	// client.
	SendModeEth SendMode = "eth"
	// SendModeFlashbots submits via eth_sendBundle on MEV relays, keeping
	// the bundle out of the public mempool.
	SendModeFlashbots SendMode = "flashbots"
	// SendModeConditional submits via eth_sendRawTransactionConditional,
	// for chains whose sequencer supports it.
	SendModeConditional SendMode = "conditional"
)

// DefaultFlashbotsRelay is used when no relay list is configured.
const DefaultFlashbotsRelay = "https://relay.flashbots.net"

// Sender delivers a signed bundle transaction. targetBlock is advisory;
// relay-based senders bind the bundle to it.
type Sender interface {
	Send(ctx context.Context, tx *types.Transaction, targetBlock uint64) (common.Hash, error)
}

// RawCaller is the raw JSON-RPC surface conditional submission needs.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// NewSender builds the sender for the configured mode.
func NewSender(mode SendMode, chain chainio.Backend, raw RawCaller, w *wallet.Wallet, relays []string, logger *zap.SugaredLogger) (Sender, error) {
	switch mode {
	case SendModeEth, "":
		return &ethSender{chain: chain}, nil
	case SendModeFlashbots:
		if len(relays) == 0 {
			relays = []string{DefaultFlashbotsRelay}
		}
		return &flashbotsSender{
			client: resty.New(),
			relays: relays,
			wallet: w,
			logger: logger,
		}, nil
	case SendModeConditional:
		if raw == nil {
			return nil, fmt.Errorf("conditional send mode needs a raw rpc client")
		}
		return &conditionalSender{caller: raw}, nil
	default:
		return nil, fmt.Errorf("unknown send mode %q", mode)
	}
}

type ethSender struct {
	chain chainio.Backend
}

func (s *ethSender) Send(ctx context.Context, tx *types.Transaction, _ uint64) (common.Hash, error) {
	if err := s.chain.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

type flashbotsSender struct {
	client *resty.Client
	relays []string
	wallet *wallet.Wallet
	logger *zap.SugaredLogger
}

type flashbotsRequest struct {
	JSONRPC string                  `json:"jsonrpc"`
	ID      int                     `json:"id"`
	Method  string                  `json:"method"`
	Params  []flashbotsBundleParams `json:"params"`
}

type flashbotsBundleParams struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber string          `json:"blockNumber"`
}

type flashbotsResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *flashbotsSender) Send(ctx context.Context, tx *types.Transaction, targetBlock uint64) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	body, err := json.Marshal(flashbotsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendBundle",
		Params: []flashbotsBundleParams{{
			Txs:         []hexutil.Bytes{raw},
			BlockNumber: hexutil.EncodeUint64(targetBlock),
		}},
	})
	if err != nil {
		return common.Hash{}, err
	}

	// relays authenticate via an EIP-191 signature over the body digest
	sig, err := s.wallet.SignHash(accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body)))))
	if err != nil {
		return common.Hash{}, err
	}
	header := s.wallet.Address().Hex() + ":" + hexutil.Encode(sig)

	var lastErr error
	accepted := false
	for _, relay := range s.relays {
		var out flashbotsResponse
		resp, err := s.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Flashbots-Signature", header).
			SetBody(body).
			SetResult(&out).
			Post(relay)

		var relayErr error
		switch {
		case err != nil:
			relayErr = err
		case resp.IsError():
			relayErr = fmt.Errorf("relay %s: http %d", relay, resp.StatusCode())
		case out.Error != nil:
			relayErr = fmt.Errorf("relay %s: %s", relay, out.Error.Message)
		default:
			accepted = true
		}
		if relayErr != nil {
			s.logger.Warnw("relay rejected bundle", "relay", relay, "err", relayErr)
			lastErr = relayErr
		}
	}
	if !accepted {
		return common.Hash{}, fmt.Errorf("no relay accepted the bundle: %w", lastErr)
	}
	return tx.Hash(), nil
}

type conditionalSender struct {
	caller RawCaller
}

// conditionalOptions is the options object of
// eth_sendRawTransactionConditional; empty bounds mean "any block".
type conditionalOptions struct {
	KnownAccounts  map[common.Address]interface{} `json:"knownAccounts"`
	BlockNumberMin *hexutil.Big                   `json:"blockNumberMin,omitempty"`
	BlockNumberMax *hexutil.Big                   `json:"blockNumberMax,omitempty"`
}

func (s *conditionalSender) Send(ctx context.Context, tx *types.Transaction, _ uint64) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var result common.Hash
	err = s.caller.CallContext(ctx, &result, "eth_sendRawTransactionConditional",
		hexutil.Encode(raw), conditionalOptions{KnownAccounts: map[common.Address]interface{}{}})
	if err != nil {
		return common.Hash{}, err
	}
	return result, nil
}
