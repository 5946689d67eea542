package schema

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout of the persistent mempool, one prefix per table:
// o: user operations by hash
// s: (sender, nonce) -> user operation hash, the uniqueness index
// c: code hashes observed during validation, by user operation hash
// r: reputation counters per entity address, split into seen/included
//
// Every key is scoped by the entry point so one database can serve
// several supported entry points side by side.

func UserOpKey(entryPoint common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("o:%x:%x", entryPoint, hash))
}

func UserOpPrefix(entryPoint common.Address) []byte {
	return []byte(fmt.Sprintf("o:%x:", entryPoint))
}

func SenderNonceKey(entryPoint common.Address, sender common.Address, nonce *big.Int) []byte {
	var n [32]byte
	nonce.FillBytes(n[:])
	return []byte(fmt.Sprintf("s:%x:%x:%x", entryPoint, sender, n))
}

func SenderPrefix(entryPoint common.Address, sender common.Address) []byte {
	return []byte(fmt.Sprintf("s:%x:%x:", entryPoint, sender))
}

func CodeHashesKey(entryPoint common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("c:%x:%x", entryPoint, hash))
}

func OpsSeenKey(entryPoint common.Address, entity common.Address) []byte {
	return []byte(fmt.Sprintf("r:seen:%x:%x", entryPoint, entity))
}

func OpsIncludedKey(entryPoint common.Address, entity common.Address) []byte {
	return []byte(fmt.Sprintf("r:incl:%x:%x", entryPoint, entity))
}

func OpsSeenPrefix(entryPoint common.Address) []byte {
	return []byte(fmt.Sprintf("r:seen:%x:", entryPoint))
}

func OpsIncludedPrefix(entryPoint common.Address) []byte {
	return []byte(fmt.Sprintf("r:incl:%x:", entryPoint))
}

// AddressFromCounterKey recovers the entity address from a reputation
// counter key, which ends in the hex-encoded address.
func AddressFromCounterKey(key []byte) (common.Address, bool) {
	i := bytes.LastIndexByte(key, ':')
	if i < 0 || len(key)-i-1 != common.AddressLength*2 {
		return common.Address{}, false
	}
	raw, err := hex.DecodeString(string(key[i+1:]))
	if err != nil {
		return common.Address{}, false
	}
	return common.BytesToAddress(raw), true
}
