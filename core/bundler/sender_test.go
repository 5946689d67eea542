package bundler

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/wallet"
)

func relayServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("X-Flashbots-Signature"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testBundleTx() *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     7,
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(2e9),
		Gas:       500_000,
		To:        &testEntryPoint,
	})
}

func TestFlashbotsSenderSucceedsAfterRejection(t *testing.T) {
	w, err := wallet.FromPrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	rejecting := relayServer(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"bundle rejected"}}`)
	accepting := relayServer(t, `{"jsonrpc":"2.0","id":1,"result":null}`)

	sender, err := NewSender(SendModeFlashbots, nil, nil, w, []string{rejecting.URL, accepting.URL}, zap.NewNop().Sugar())
	require.NoError(t, err)

	tx := testBundleTx()
	hash, err := sender.Send(context.Background(), tx, 101)
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), hash)
}

func TestFlashbotsSenderAllRelaysReject(t *testing.T) {
	w, err := wallet.FromPrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	rejecting := relayServer(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"bundle rejected"}}`)

	sender, err := NewSender(SendModeFlashbots, nil, nil, w, []string{rejecting.URL}, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), testBundleTx(), 101)
	require.ErrorContains(t, err, "bundle rejected")
}
