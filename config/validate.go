package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"nftmarket/crypto"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
)

// Validate checks the loaded configuration before any subsystem starts.
func (c *Config) Validate() error {
	if _, err := c.LedgerConfig(); err != nil {
		return err
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("auth: ClockSkewSeconds must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.StreamPerMinute < 0 {
		return fmt.Errorf("rate_limit: per-minute rates must not be negative")
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.StreamBurst < 0 {
		return fmt.Errorf("rate_limit: burst must not be negative")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage: unsupported backend %q", c.Storage.Backend)
	}
	if c.Indexer.Enabled {
		switch strings.ToLower(c.Indexer.Driver) {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("indexer: unsupported driver %q", c.Indexer.Driver)
		}
		if strings.TrimSpace(c.Indexer.DSN) == "" {
			return fmt.Errorf("indexer: DSN required when enabled")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	return nil
}

// LedgerConfig resolves the market section into engine parameters. An empty
// operator falls back to the keystore account and an empty vault to
// DefaultVault.
func (c *Config) LedgerConfig() (market.Config, error) {
	var cfg market.Config

	operator, err := c.operatorAddress()
	if err != nil {
		return cfg, err
	}
	cfg.Operator = operator

	vault := DefaultVault()
	if raw := strings.TrimSpace(c.Market.Vault); raw != "" {
		vault, err = crypto.ParseAddress(raw)
		if err != nil {
			return cfg, fmt.Errorf("market: invalid Vault: %w", err)
		}
	}
	cfg.Vault = vault

	fee, ok := new(big.Int).SetString(strings.TrimSpace(c.Market.ListingFee), 10)
	if !ok {
		return cfg, fmt.Errorf("market: invalid ListingFee %q", c.Market.ListingFee)
	}
	cfg.ListingFee = fee

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) operatorAddress() (crypto.Address, error) {
	if raw := strings.TrimSpace(c.Market.Operator); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("market: invalid Operator: %w", err)
		}
		return addr, nil
	}
	if c.OperatorKeystorePath == "" {
		return crypto.Address{}, fmt.Errorf("market: Operator or OperatorKeystorePath required")
	}
	addr, err := crypto.KeystoreAddress(c.OperatorKeystorePath)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("market: operator keystore: %w", err)
	}
	return addr, nil
}

// Pauses returns the static pause table consulted by the ledger.
func (c *Config) Pauses() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{"market": c.Market.Paused}
}

// AuthSecret returns the JWT signing secret, preferring the environment
// variable named by HMACSecretEnv. An empty result disables authenticated
// RPC methods.
func (c *Config) AuthSecret() string {
	if env := strings.TrimSpace(c.Auth.HMACSecretEnv); env != "" {
		if value, ok := os.LookupEnv(env); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(c.Auth.HMACSecret)
}

func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Auth.ClockSkewSeconds) * time.Second
}
