package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/core/validator"
)

func TestWrapErrorCodes(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"sanity", &validator.SanityError{Field: "callGasLimit", Reason: "too low"}, CodeInvalidFields},
		{"replacement underpriced", &validator.ReplacementUnderpricedError{Sender: addr}, CodeInvalidFields},
		{"duplicate", &uopool.DuplicateError{Hash: common.BigToHash(common.Big1)}, CodeInvalidFields},
		{"in flight", &uopool.InFlightError{Sender: addr}, CodeInvalidFields},
		{"forbidden opcode", &validator.OpcodeError{Entity: "account", Opcode: "GASPRICE"}, CodeOpcodeViolation},
		{"storage access", &validator.StorageAccessError{Entity: "factory", Slot: "0x1"}, CodeOpcodeViolation},
		{"call stack", &validator.CallStackError{Reason: "CALL into entry point"}, CodeOpcodeViolation},
		{"code hashes changed", &validator.CodeHashesError{}, CodeOpcodeViolation},
		{"out of gas", &validator.OutOfGasError{}, CodeOpcodeViolation},
		{"expired", &validator.ExpiredError{Reason: "expires too soon"}, CodeExpired},
		{"banned entity", &mempool.EntityBannedError{Entity: "paymaster", Address: addr}, CodeThrottledEntity},
		{"stake too low", &mempool.StakeTooLowError{Entity: "factory", Address: addr}, CodeStakeTooLow},
		{"unstaked entity", &validator.UnstakedEntityError{Entity: "paymaster", Address: addr}, CodeStakeTooLow},
		{"aggregator", &validator.AggregatorError{Aggregator: addr}, CodeBadAggregator},
		{"signature", &validator.SignatureError{}, CodeInvalidSignature},
		{"simulation", &validator.SimulationError{Reason: "AA23 reverted"}, CodeRejected},
		{"unknown", errors.New("boom"), CodeRejected},
		{"wrapped sanity", fmt.Errorf("add: %w", &validator.SanityError{Field: "nonce", Reason: "bad"}), CodeInvalidFields},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := wrapError(tc.err)
			require.Error(t, wrapped)

			var rpcErr *apiError
			require.ErrorAs(t, wrapped, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.ErrorCode())
			assert.Equal(t, tc.err.Error(), rpcErr.Error())
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	assert.NoError(t, wrapError(nil))
}
