package config

import (
	"encoding/hex"
	"fmt"
	"govcore/crypto"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	RPCAddress     string   `toml:"RPCAddress"`
	DataDir        string   `toml:"DataDir"`
	ValidatorKey   string   `toml:"ValidatorKey"`
	BootstrapPeers []string `toml:"BootstrapPeers"`

	// Governance parameters. See staking.Engine, votingpower.Ledger,
	// registry.Registry and election.Manager for where each is threaded.
	MinRepStake           uint64 `toml:"MinRepStake"`
	MinDelegateStake      uint64 `toml:"MinDelegateStake"`
	ThawingPeriodEpochs   uint32 `toml:"ThawingPeriodEpochs"`
	DilutionFactorPercent uint64 `toml:"DilutionFactorPercent"`
	NumDelegates          int    `toml:"NumDelegates"`
	TermLength            int    `toml:"TermLength"`
}

// Validate checks the governance constants for internal consistency,
// following config/validate.go's dedicated-pass pattern (ValidateConfig
// there checks QuorumBPS/PassThresholdBPS/window relationships the same
// way this checks the dilution factor and delegate/term relationship).
func Validate(c *Config) error {
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.DilutionFactorPercent > 100 {
		return fmt.Errorf("config: DilutionFactorPercent must be <= 100, got %d", c.DilutionFactorPercent)
	}
	if c.TermLength <= 0 {
		return fmt.Errorf("config: TermLength must be positive, got %d", c.TermLength)
	}
	if c.NumDelegates <= 0 {
		return fmt.Errorf("config: NumDelegates must be positive, got %d", c.NumDelegates)
	}
	if c.NumDelegates%c.TermLength != 0 {
		return fmt.Errorf("config: NumDelegates (%d) must be a multiple of TermLength (%d)", c.NumDelegates, c.TermLength)
	}
	if c.MinDelegateStake < c.MinRepStake {
		return fmt.Errorf("config: MinDelegateStake (%d) must be >= MinRepStake (%d)", c.MinDelegateStake, c.MinRepStake)
	}
	if c.ThawingPeriodEpochs == 0 {
		return fmt.Errorf("config: ThawingPeriodEpochs must be positive")
	}
	return nil
}

// RetiringCount returns NumDelegates/TermLength, the number of delegates
// retiring at every epoch boundary.
func (c *Config) RetiringCount() int {
	if c.TermLength == 0 {
		return 0
	}
	return c.NumDelegates / c.TermLength
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.ValidatorKey == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		cfg.ValidatorKey = hex.EncodeToString(key.Bytes())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":6001",
		RPCAddress:    ":8080",
		DataDir:       "./govcore-data",
		ValidatorKey:  hex.EncodeToString(key.Bytes()),
		// Initialize with an empty list of peers by default.
		BootstrapPeers: []string{},

		MinRepStake:           1000,
		MinDelegateStake:      10000,
		ThawingPeriodEpochs:   10,
		DilutionFactorPercent: 50,
		NumDelegates:          32,
		TermLength:            4,
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
