package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silius-go/silius/core/chainio"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBuildDefaults(t *testing.T) {
	raw, err := ReadYaml(writeConfig(t, `
eth_client_url: http://127.0.0.1:8545
datadir: /tmp/silius
`))
	require.NoError(t, err)

	cfg, err := raw.Build()
	require.NoError(t, err)

	assert.Equal(t, chainio.DefaultEntryPoint, cfg.EntryPoint)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultWSAddr, cfg.WSAddr)
	assert.Equal(t, "database", cfg.MempoolMode)
	assert.Equal(t, "eth", cfg.SendMode)
	assert.Equal(t, "auto", cfg.BundlingMode)
	assert.Equal(t, DefaultBundleInterval, cfg.BundleInterval)
	assert.Equal(t, big.NewInt(5_000_000), cfg.MaxVerificationGas)
	assert.False(t, cfg.P2P.Enabled)
}

func TestBuildFullConfig(t *testing.T) {
	raw, err := ReadYaml(writeConfig(t, `
eth_client_url: ws://127.0.0.1:8546
entry_point: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
datadir: /var/lib/silius
verbosity: debug
mempool_mode: memory
min_stake: "1000000000000000000"
min_priority_fee_per_gas: "1000000000"
whitelist:
  - "0x1111111111111111111111111111111111111111"
blacklist:
  - "0x2222222222222222222222222222222222222222"
beneficiary: "0x3333333333333333333333333333333333333333"
send_mode: flashbots
relays:
  - https://relay.example.org
bundle_interval_seconds: 3
block_time_seconds: 2
bundling_mode: manual
p2p:
  enabled: true
  tcp_port: 9000
  udp_port: 9000
  mempool_id: Qmf7P3CuhzSbpJa8LqXPwRzfPqsvoQ6RG7aXvthYTzGxb2
  bootnodes:
    - enr:-abc
`))
	require.NoError(t, err)

	cfg, err := raw.Build()
	require.NoError(t, err)

	stake, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, stake, cfg.MinStake)
	assert.Equal(t, big.NewInt(1e9), cfg.MinPriorityFeePerGas)
	assert.Equal(t, []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}, cfg.Whitelist)
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), cfg.Beneficiary)
	assert.Equal(t, "flashbots", cfg.SendMode)
	assert.Equal(t, 3*time.Second, cfg.BundleInterval)
	assert.Equal(t, 2*time.Second, cfg.BlockTime)
	assert.Equal(t, "manual", cfg.BundlingMode)
	assert.True(t, cfg.P2P.Enabled)
	assert.Equal(t, 9000, cfg.P2P.TCPPort)
}

func TestBuildRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		raw  ConfigRaw
	}{
		{"missing url", ConfigRaw{DataDir: "/tmp/x"}},
		{"missing datadir", ConfigRaw{EthClientURL: "http://x"}},
		{"bad entry point", ConfigRaw{EthClientURL: "http://x", DataDir: "/tmp/x", EntryPoint: "nope"}},
		{"bad min stake", ConfigRaw{EthClientURL: "http://x", DataDir: "/tmp/x", MinStake: "12ether"}},
		{"bad mempool mode", ConfigRaw{EthClientURL: "http://x", DataDir: "/tmp/x", MempoolMode: "redis"}},
		{"bad send mode", ConfigRaw{EthClientURL: "http://x", DataDir: "/tmp/x", SendMode: "carrier-pigeon"}},
		{"p2p without mempool id", ConfigRaw{EthClientURL: "http://x", DataDir: "/tmp/x", P2P: P2PRaw{Enabled: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.raw.Build()
			assert.Error(t, err)
		})
	}
}

func TestLogLevelEnvOverride(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	assert.Equal(t, "info", LogLevel("info"))
	t.Setenv(EnvLogLevel, "debug")
	assert.Equal(t, "debug", LogLevel("info"))
}
