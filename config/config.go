package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftmarket/crypto"
)

const (
	defaultRPCAddress  = ":8545"
	defaultDataDir     = "./market-data"
	defaultEnvironment = "local"
	defaultListingFee  = "0"
	defaultIssuer      = "marketd"
	defaultSecretEnv   = "MARKET_RPC_JWT_SECRET"
)

type Config struct {
	RPCAddress           string   `toml:"RPCAddress"`
	DataDir              string   `toml:"DataDir"`
	GenesisFile          string   `toml:"GenesisFile"`
	Environment          string   `toml:"Environment"`
	OperatorKeystorePath string   `toml:"OperatorKeystorePath"`
	CORSOrigins          []string `toml:"CORSOrigins"`
	// RPCTrustedProxies lists peers (addresses or CIDRs) whose forwarding
	// headers identify the client for rate limiting.
	RPCTrustedProxies    []string `toml:"RPCTrustedProxies"`

	Market    Market    `toml:"market"`
	Auth      Auth      `toml:"auth"`
	RateLimit RateLimit `toml:"rate_limit"`
	Indexer   Indexer   `toml:"indexer"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
	Storage   Storage   `toml:"storage"`
}

// Market holds the ledger's construction parameters. Operator defaults to
// the keystore account when left empty.
type Market struct {
	Operator   string `toml:"Operator"`
	Vault      string `toml:"Vault"`
	ListingFee string `toml:"ListingFee"`
	Paused     bool   `toml:"Paused"`
}

// Auth configures bearer-token verification on the RPC endpoint. The secret
// may be given inline or through the named environment variable.
type Auth struct {
	HMACSecret       string `toml:"HMACSecret"`
	HMACSecretEnv    string `toml:"HMACSecretEnv"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds"`
}

type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	StreamPerMinute   float64 `toml:"StreamPerMinute"`
	StreamBurst       int     `toml:"StreamBurst"`
}

type Indexer struct {
	Enabled       bool   `toml:"Enabled"`
	Driver        string `toml:"Driver"`
	DSN           string `toml:"DSN"`
	BackfillBatch int    `toml:"BackfillBatch"`
}

type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

type Storage struct {
	Backend string `toml:"Backend"`
}

// Load loads the configuration from the given path, writing a default file
// and operator keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = defaultRPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if strings.TrimSpace(c.Market.ListingFee) == "" {
		c.Market.ListingFee = defaultListingFee
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = defaultIssuer
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{}
	}
	if c.RPCTrustedProxies == nil {
		c.RPCTrustedProxies = []string{}
	}
	if c.Indexer.Driver == "" {
		c.Indexer.Driver = "sqlite"
	}
	if c.Indexer.BackfillBatch <= 0 {
		c.Indexer.BackfillBatch = 500
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "leveldb"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		OperatorKeystorePath: keystorePath,
		Market: Market{
			Operator: key.Address().Hex(),
			Vault:    DefaultVault().Hex(),
		},
		Auth: Auth{HMACSecretEnv: defaultSecretEnv},
		RateLimit: RateLimit{
			RequestsPerMinute: 600,
			Burst:             60,
			StreamPerMinute:   30,
			StreamBurst:       5,
		},
		Indexer: Indexer{
			Enabled: true,
			DSN:     filepath.Join(defaultDataDir, "indexer.db"),
		},
		Logging: Logging{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

// DefaultVault derives the escrow identity used when none is configured. No
// private key exists for it.
func DefaultVault() crypto.Address {
	var vault crypto.Address
	copy(vault[:], ethcrypto.Keccak256([]byte("nftmarket.vault"))[12:])
	return vault
}
