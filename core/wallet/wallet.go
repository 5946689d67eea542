package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyFileName is the bundler signing key file under the data directory.
const KeyFileName = "bundler-key"

// Wallet holds the bundler's EOA key used to sign handleOps
// transactions.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New creates a fresh key and persists it under dataDir. It refuses to
// overwrite an existing key file.
func New(dataDir string) (*Wallet, error) {
	path := filepath.Join(dataDir, KeyFileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file already exists: %s", path)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	if err := os.WriteFile(path, []byte(hexKey), 0o600); err != nil {
		return nil, err
	}

	return fromKey(key), nil
}

// Load reads the key file under dataDir.
func Load(dataDir string) (*Wallet, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("cannot read bundler key: %w", err)
	}
	return FromPrivateKeyHex(strings.TrimSpace(string(raw)))
}

// FromPrivateKeyHex builds a wallet from a hex-encoded private key, with
// or without the 0x prefix.
func FromPrivateKeyHex(privateKeyHex string) (*Wallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cannot parse bundler key: %w", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// TransactOpts returns a signer bound to the chain id, for building
// EIP-1559 transactions.
func (w *Wallet) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	return bind.NewKeyedTransactorWithChainID(w.key, chainID)
}

// SignHash signs a 32-byte digest with the wallet key.
func (w *Wallet) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, w.key)
}
