// Package config loads the daemon configuration from a TOML file, writing a
// commented default file on first run.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Config is the daemon configuration. Wallet fields are hex-encoded 20-byte
// addresses; ArbitrationCost is a decimal amount in the smallest native unit.
type Config struct {
	ListenAddress         string `toml:"ListenAddress"`
	Env                   string `toml:"Env"`
	AdminWallet           string `toml:"AdminWallet"`
	BurnWallet            string `toml:"BurnWallet"`
	AdminFeeBps           uint32 `toml:"AdminFeeBps"`
	BurnFeeBps            uint32 `toml:"BurnFeeBps"`
	FeeTimeoutSeconds     int64  `toml:"FeeTimeoutSeconds"`
	PaymentTimeoutSeconds int64  `toml:"PaymentTimeoutSeconds"`
	ArbitratorOwner       string `toml:"ArbitratorOwner"`
	ArbitrationCost       string `toml:"ArbitrationCost"`
	OtelEndpoint          string `toml:"OtelEndpoint"`
	OtelInsecure          bool   `toml:"OtelInsecure"`
}

const defaultConfig = `ListenAddress = ":8645"
Env = "dev"
AdminWallet = "0x0000000000000000000000000000000000000001"
BurnWallet = "0x0000000000000000000000000000000000000002"
AdminFeeBps = 100
BurnFeeBps = 50
FeeTimeoutSeconds = 86400
PaymentTimeoutSeconds = 604800
ArbitratorOwner = "0x0000000000000000000000000000000000000003"
ArbitrationCost = "1000000000000000"

# OTLP trace collector, e.g. "localhost:4318". Empty disables trace export.
OtelEndpoint = ""
OtelInsecure = true
`

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8645"
	}
	if cfg.FeeTimeoutSeconds <= 0 {
		cfg.FeeTimeoutSeconds = 86_400
	}
	if cfg.PaymentTimeoutSeconds <= 0 {
		cfg.PaymentTimeoutSeconds = 604_800
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o644)
}

func (c *Config) validate() error {
	if uint64(c.AdminFeeBps)+uint64(c.BurnFeeBps) >= 10_000 {
		return fmt.Errorf("config: combined fee bps must stay below 10000")
	}
	for name, raw := range map[string]string{
		"AdminWallet":     c.AdminWallet,
		"BurnWallet":      c.BurnWallet,
		"ArbitratorOwner": c.ArbitratorOwner,
	} {
		if _, err := parseAddress(raw); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	if _, err := c.ArbitrationCostAmount(); err != nil {
		return err
	}
	return nil
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("not a hex address: %q", raw)
	}
	return [20]byte(ethcommon.HexToAddress(trimmed)), nil
}

// AdminWalletAddress returns the parsed administrative fee wallet.
func (c *Config) AdminWalletAddress() [20]byte {
	addr, _ := parseAddress(c.AdminWallet)
	return addr
}

// BurnWalletAddress returns the parsed burn sink wallet.
func (c *Config) BurnWalletAddress() [20]byte {
	addr, _ := parseAddress(c.BurnWallet)
	return addr
}

// ArbitratorOwnerAddress returns the parsed arbitrator owner account.
func (c *Config) ArbitratorOwnerAddress() [20]byte {
	addr, _ := parseAddress(c.ArbitratorOwner)
	return addr
}

// ArbitrationCostAmount parses the configured arbitration cost.
func (c *Config) ArbitrationCostAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.ArbitrationCost)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	cost, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || cost.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid ArbitrationCost %q", c.ArbitrationCost)
	}
	return cost, nil
}
