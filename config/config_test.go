package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nftmarket/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if cfg.OperatorKeystorePath != filepath.Join(dir, "operator.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.OperatorKeystorePath)
	}
	keystoreAddr, err := crypto.KeystoreAddress(cfg.OperatorKeystorePath)
	if err != nil {
		t.Fatalf("keystore address: %v", err)
	}
	if cfg.Market.Operator != keystoreAddr.Hex() {
		t.Fatalf("operator %s does not match keystore %s", cfg.Market.Operator, keystoreAddr.Hex())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Market.Operator != cfg.Market.Operator || reloaded.RPCAddress != cfg.RPCAddress {
		t.Fatalf("reloaded config differs: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "keys", "operator.keystore")
	contents := `RPCAddress = "127.0.0.1:9000"
DataDir = "./data"
GenesisFile = "genesis.yaml"
Environment = "staging"
OperatorKeystorePath = "` + filepath.ToSlash(keystorePath) + `"
CORSOrigins = ["https://market.example"]
RPCTrustedProxies = ["10.0.0.1"]

[market]
Operator = "0x000000000000000000000000000000000000000f"
Vault = "0x00000000000000000000000000000000000000ee"
ListingFee = "25"
Paused = true

[auth]
HMACSecret = "inline"
Issuer = "ops"
ClockSkewSeconds = 30

[rate_limit]
RequestsPerMinute = 120
Burst = 10

[indexer]
Enabled = true
Driver = "postgres"
DSN = "postgres://market@localhost/market"

[logging]
Level = "debug"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9000" || cfg.Environment != "staging" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if len(cfg.RPCTrustedProxies) != 1 || cfg.RPCTrustedProxies[0] != "10.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.RPCTrustedProxies)
	}
	if _, err := os.Stat(keystorePath); err != nil {
		t.Fatalf("keystore not generated: %v", err)
	}

	ledger, err := cfg.LedgerConfig()
	if err != nil {
		t.Fatalf("ledger config: %v", err)
	}
	if ledger.Operator[19] != 0x0f || ledger.Vault[19] != 0xee {
		t.Fatalf("unexpected accounts: %x %x", ledger.Operator, ledger.Vault)
	}
	if ledger.ListingFee.Int64() != 25 {
		t.Fatalf("unexpected fee %s", ledger.ListingFee)
	}
	if !cfg.Pauses().IsPaused("market") {
		t.Fatalf("expected market paused")
	}
	if cfg.AuthSecret() != "inline" || cfg.ClockSkew().Seconds() != 30 {
		t.Fatalf("unexpected auth settings")
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Indexer.BackfillBatch != 500 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("ListenAddress = \":6001\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ListenAddress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestAuthSecretPrefersEnvironment(t *testing.T) {
	t.Setenv("MARKET_TEST_SECRET", "from-env")
	cfg := &Config{Auth: Auth{HMACSecret: "inline", HMACSecretEnv: "MARKET_TEST_SECRET"}}
	if got := cfg.AuthSecret(); got != "from-env" {
		t.Fatalf("expected env secret, got %q", got)
	}
	t.Setenv("MARKET_TEST_SECRET", "  ")
	if got := cfg.AuthSecret(); got != "inline" {
		t.Fatalf("expected inline fallback, got %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Market: Market{
			Operator: "0x000000000000000000000000000000000000000f",
			Vault:    "0x00000000000000000000000000000000000000ee",
		}}
		cfg.applyDefaults()
		return cfg
	}
	cases := map[string]func(*Config){
		"bad fee":           func(c *Config) { c.Market.ListingFee = "ten" },
		"negative fee":      func(c *Config) { c.Market.ListingFee = "-1" },
		"operator is vault": func(c *Config) { c.Market.Vault = c.Market.Operator },
		"bad operator":      func(c *Config) { c.Market.Operator = "0x12" },
		"storage backend":   func(c *Config) { c.Storage.Backend = "rocksdb" },
		"indexer driver":    func(c *Config) { c.Indexer.Enabled = true; c.Indexer.Driver = "mysql"; c.Indexer.DSN = "x" },
		"indexer dsn":       func(c *Config) { c.Indexer.Enabled = true },
		"log level":         func(c *Config) { c.Logging.Level = "loud" },
		"negative burst":    func(c *Config) { c.RateLimit.Burst = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
}

func TestDefaultVaultIsStable(t *testing.T) {
	vault := DefaultVault()
	if vault.IsZero() || vault != DefaultVault() {
		t.Fatalf("vault derivation unstable")
	}
}
