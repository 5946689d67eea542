package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServerStartStop(t *testing.T) {
	srv := NewServer(zap.NewNop().Sugar())
	require.NoError(t, srv.RegisterAPIs(&EthAPI{}, nil))

	require.NoError(t, srv.Start("127.0.0.1:0", "127.0.0.1:0"))
	require.NoError(t, srv.Stop())
}

func TestServerSkipsEmptyTransports(t *testing.T) {
	srv := NewServer(zap.NewNop().Sugar())
	require.NoError(t, srv.RegisterAPIs(&EthAPI{}, nil))

	require.NoError(t, srv.Start("", ""))
	require.NoError(t, srv.Stop())
}
