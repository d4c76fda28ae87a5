package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.Equal(t, ":6001", cfg.ListenAddress)
	require.Equal(t, ":8080", cfg.RPCAddress)
	require.NotEmpty(t, cfg.ValidatorKey)
	require.Equal(t, uint64(1000), cfg.MinRepStake)
	require.Equal(t, uint64(10000), cfg.MinDelegateStake)
	require.Equal(t, uint32(10), cfg.ThawingPeriodEpochs)
	require.Equal(t, uint64(50), cfg.DilutionFactorPercent)
	require.Equal(t, 32, cfg.NumDelegates)
	require.Equal(t, 4, cfg.TermLength)
	require.Equal(t, 8, cfg.RetiringCount())
}

func TestLoadParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:6001"
RPCAddress = "0.0.0.0:8080"
DataDir = "./data"
ValidatorKey = "aabbcc"
MinRepStake = 500
MinDelegateStake = 5000
ThawingPeriodEpochs = 6
DilutionFactorPercent = 40
NumDelegates = 24
TermLength = 3
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:6001", cfg.ListenAddress)
	require.Equal(t, uint64(500), cfg.MinRepStake)
	require.Equal(t, uint32(6), cfg.ThawingPeriodEpochs)
	require.Equal(t, 24, cfg.NumDelegates)
	require.Equal(t, 3, cfg.TermLength)
	require.Equal(t, 8, cfg.RetiringCount())
}

func TestLoadPersistsGeneratedValidatorKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":6001"
RPCAddress = ":8080"
DataDir = "./data"
MinRepStake = 1000
MinDelegateStake = 10000
ThawingPeriodEpochs = 10
DilutionFactorPercent = 50
NumDelegates = 32
TermLength = 4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ValidatorKey)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ValidatorKey, reloaded.ValidatorKey)
}

func TestValidateRejectsInconsistentGovernanceConstants(t *testing.T) {
	base := Config{
		DataDir:               "./data",
		MinRepStake:           1000,
		MinDelegateStake:      10000,
		ThawingPeriodEpochs:   10,
		DilutionFactorPercent: 50,
		NumDelegates:          32,
		TermLength:            4,
	}

	require.NoError(t, Validate(&base))

	t.Run("empty data dir", func(t *testing.T) {
		cfg := base
		cfg.DataDir = ""
		require.Error(t, Validate(&cfg))
	})

	t.Run("dilution factor over 100", func(t *testing.T) {
		cfg := base
		cfg.DilutionFactorPercent = 101
		require.Error(t, Validate(&cfg))
	})

	t.Run("delegates not a multiple of term length", func(t *testing.T) {
		cfg := base
		cfg.NumDelegates = 30
		require.Error(t, Validate(&cfg))
	})

	t.Run("delegate stake below rep stake", func(t *testing.T) {
		cfg := base
		cfg.MinDelegateStake = 1
		require.Error(t, Validate(&cfg))
	})

	t.Run("zero thawing period", func(t *testing.T) {
		cfg := base
		cfg.ThawingPeriodEpochs = 0
		require.Error(t, Validate(&cfg))
	})

	t.Run("zero term length", func(t *testing.T) {
		cfg := base
		cfg.TermLength = 0
		require.Error(t, Validate(&cfg))
	})
}

func TestLoadRejectsInvalidGovernanceConstants(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":6001"
RPCAddress = ":8080"
DataDir = "./data"
ValidatorKey = "aabbcc"
MinRepStake = 1000
MinDelegateStake = 10000
ThawingPeriodEpochs = 10
DilutionFactorPercent = 150
NumDelegates = 32
TermLength = 4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
