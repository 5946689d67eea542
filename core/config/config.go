package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	yaml "gopkg.in/yaml.v2"

	"github.com/silius-go/silius/core/chainio"
)

// Defaults per the standard bundler setup.
const (
	DefaultHTTPAddr   = "127.0.0.1:3000"
	DefaultWSAddr     = "127.0.0.1:3001"
	DefaultStatusAddr = "127.0.0.1:9090"
	DefaultP2PPort    = 4337

	DefaultBundleInterval = 10 * time.Second
	DefaultBlockTime      = 12 * time.Second
)

// ConfigRaw is the yaml shape of the config file; zero values fall back
// to defaults in Build.
type ConfigRaw struct {
	EthClientURL string `yaml:"eth_client_url"`
	EntryPoint   string `yaml:"entry_point"`
	DataDir      string `yaml:"datadir"`
	Verbosity    string `yaml:"verbosity"`

	HTTPAddr   string `yaml:"http_addr"`
	WSAddr     string `yaml:"ws_addr"`
	StatusAddr string `yaml:"status_addr"`

	// MempoolMode selects "memory" or "database" (badger under datadir).
	MempoolMode string `yaml:"mempool_mode"`

	MinStake             string   `yaml:"min_stake"`
	MinPriorityFeePerGas string   `yaml:"min_priority_fee_per_gas"`
	MaxVerificationGas   string   `yaml:"max_verification_gas"`
	Whitelist            []string `yaml:"whitelist"`
	Blacklist            []string `yaml:"blacklist"`

	Beneficiary    string   `yaml:"beneficiary"`
	SendMode       string   `yaml:"send_mode"`
	Relays         []string `yaml:"relays"`
	BundleInterval int      `yaml:"bundle_interval_seconds"`
	BlockTime      int      `yaml:"block_time_seconds"`
	BundlingMode   string   `yaml:"bundling_mode"`

	P2P P2PRaw `yaml:"p2p"`
}

// P2PRaw configures the gossip overlay.
type P2PRaw struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	TCPPort    int      `yaml:"tcp_port"`
	UDPPort    int      `yaml:"udp_port"`
	Bootnodes  []string `yaml:"bootnodes"`
	MempoolID  string   `yaml:"mempool_id"`
}

// Config is the resolved runtime configuration.
type Config struct {
	EthClientURL string
	EntryPoint   common.Address
	DataDir      string
	Verbosity    string

	HTTPAddr   string
	WSAddr     string
	StatusAddr string

	MempoolMode string

	MinStake             *big.Int
	MinPriorityFeePerGas *big.Int
	MaxVerificationGas   *big.Int
	Whitelist            []common.Address
	Blacklist            []common.Address

	Beneficiary    common.Address
	SendMode       string
	Relays         []string
	BundleInterval time.Duration
	BlockTime      time.Duration
	BundlingMode   string

	P2P P2PConfig
}

// P2PConfig is the resolved overlay configuration.
type P2PConfig struct {
	Enabled    bool
	ListenAddr string
	TCPPort    int
	UDPPort    int
	Bootnodes  []string
	MempoolID  string
}

// ReadYaml loads a raw config from a yaml file.
func ReadYaml(path string) (*ConfigRaw, error) {
	raw := &ConfigRaw{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}
	return raw, nil
}

// Build resolves the raw config: defaults filled, addresses and
// quantities parsed, combinations validated.
func (raw *ConfigRaw) Build() (*Config, error) {
	if raw.EthClientURL == "" {
		return nil, fmt.Errorf("eth_client_url is required")
	}
	if raw.DataDir == "" {
		return nil, fmt.Errorf("datadir is required")
	}

	cfg := &Config{
		EthClientURL: raw.EthClientURL,
		EntryPoint:   chainio.DefaultEntryPoint,
		DataDir:      raw.DataDir,
		Verbosity:    stringOr(raw.Verbosity, "info"),
		HTTPAddr:     stringOr(raw.HTTPAddr, DefaultHTTPAddr),
		WSAddr:       stringOr(raw.WSAddr, DefaultWSAddr),
		StatusAddr:   stringOr(raw.StatusAddr, DefaultStatusAddr),
		MempoolMode:  stringOr(raw.MempoolMode, "database"),
		Whitelist:    toAddresses(raw.Whitelist),
		Blacklist:    toAddresses(raw.Blacklist),
		SendMode:     stringOr(raw.SendMode, "eth"),
		Relays:       raw.Relays,
		BundlingMode: stringOr(raw.BundlingMode, "auto"),
		P2P: P2PConfig{
			Enabled:    raw.P2P.Enabled,
			ListenAddr: stringOr(raw.P2P.ListenAddr, "0.0.0.0"),
			TCPPort:    intOr(raw.P2P.TCPPort, DefaultP2PPort),
			UDPPort:    intOr(raw.P2P.UDPPort, DefaultP2PPort),
			Bootnodes:  raw.P2P.Bootnodes,
			MempoolID:  raw.P2P.MempoolID,
		},
	}

	if raw.EntryPoint != "" {
		if !common.IsHexAddress(raw.EntryPoint) {
			return nil, fmt.Errorf("invalid entry_point address %q", raw.EntryPoint)
		}
		cfg.EntryPoint = common.HexToAddress(raw.EntryPoint)
	}
	if raw.Beneficiary != "" {
		if !common.IsHexAddress(raw.Beneficiary) {
			return nil, fmt.Errorf("invalid beneficiary address %q", raw.Beneficiary)
		}
		cfg.Beneficiary = common.HexToAddress(raw.Beneficiary)
	}

	var err error
	if cfg.MinStake, err = quantityOr(raw.MinStake, big.NewInt(1)); err != nil {
		return nil, fmt.Errorf("min_stake: %w", err)
	}
	if cfg.MinPriorityFeePerGas, err = quantityOr(raw.MinPriorityFeePerGas, big.NewInt(0)); err != nil {
		return nil, fmt.Errorf("min_priority_fee_per_gas: %w", err)
	}
	if cfg.MaxVerificationGas, err = quantityOr(raw.MaxVerificationGas, big.NewInt(5_000_000)); err != nil {
		return nil, fmt.Errorf("max_verification_gas: %w", err)
	}

	cfg.BundleInterval = durationOr(raw.BundleInterval, DefaultBundleInterval)
	cfg.BlockTime = durationOr(raw.BlockTime, DefaultBlockTime)

	switch cfg.MempoolMode {
	case "memory", "database":
	default:
		return nil, fmt.Errorf("unknown mempool_mode %q", cfg.MempoolMode)
	}
	switch cfg.SendMode {
	case "eth", "flashbots", "conditional":
	default:
		return nil, fmt.Errorf("unknown send_mode %q", cfg.SendMode)
	}
	switch cfg.BundlingMode {
	case "auto", "manual":
	default:
		return nil, fmt.Errorf("unknown bundling_mode %q", cfg.BundlingMode)
	}
	if cfg.P2P.Enabled && cfg.P2P.MempoolID == "" {
		return nil, fmt.Errorf("p2p.mempool_id is required when p2p is enabled")
	}
	return cfg, nil
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func durationOr(seconds int, def time.Duration) time.Duration {
	if seconds == 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func quantityOr(v string, def *big.Int) (*big.Int, error) {
	if v == "" {
		return def, nil
	}
	q, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal quantity %q", v)
	}
	return q, nil
}

func toAddresses(addrs []string) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, common.HexToAddress(a))
	}
	return out
}
