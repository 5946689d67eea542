package config

import "os"

// Environment variables the node honors.
const (
	// EnvLogLevel overrides the configured verbosity.
	EnvLogLevel = "SILIUS_LOG"
	// EnvP2PSeed deterministically derives the p2p node key; without it
	// a fresh key is generated per run.
	EnvP2PSeed = "P2P_PRIVATE_SEED"
)

// LogLevel returns the effective verbosity: SILIUS_LOG wins over the
// config file.
func LogLevel(configured string) string {
	if v := os.Getenv(EnvLogLevel); v != "" {
		return v
	}
	return configured
}

// P2PSeed returns the node key seed from the environment, if set.
func P2PSeed() (string, bool) {
	v := os.Getenv(EnvP2PSeed)
	return v, v != ""
}
