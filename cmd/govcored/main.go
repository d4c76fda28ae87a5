// Command govcored is the node entrypoint for the governance/staking/
// election core: parse flags, load config, open the store, construct the
// component graph. It stops at construction — the RPC, P2P, and consensus
// message-pipeline layers that would call Core.Apply and
// Core.TransitionNextEpoch live outside this repository.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"govcore/config"
	"govcore/core"
	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/observability/logging"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	keystorePath := flag.String("keystore", "", "Path to an encrypted validator keystore file (overrides the config file's plaintext ValidatorKey)")
	keystorePassphrase := flag.String("keystore-passphrase", "", "Passphrase for --keystore")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GOVCORE_ENV"))
	logger := logging.Setup("govcored", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	storePath := filepath.Join(cfg.DataDir, "govcore.db")
	store, err := kvstore.Open(storePath)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", storePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	validatorKey, err := resolveValidatorKey(cfg.ValidatorKey, *keystorePath, *keystorePassphrase)
	if err != nil {
		logger.Error("failed to load validator key", slog.Any("error", err))
		os.Exit(1)
	}
	validatorAddr := validatorKey.PubKey().Address()

	c := core.New(store, cfg, logger)

	logger.Info("governance core ready",
		slog.String("validator_address", validatorAddr.String()),
		logging.MaskField("validator_key", cfg.ValidatorKey),
		slog.Int("num_delegates", cfg.NumDelegates),
		slog.Int("term_length", cfg.TermLength),
		slog.Int("retiring_count", cfg.RetiringCount()),
		slog.Uint64("min_rep_stake", cfg.MinRepStake),
		slog.Uint64("min_delegate_stake", cfg.MinDelegateStake),
	)

	// c.Apply and c.TransitionNextEpoch are the two calls the consensus
	// pipeline drives; that pipeline, and the RPC/P2P surface in front of
	// it, are not constructed here.
	_ = c
}

// resolveValidatorKey prefers an encrypted keystore file over the config
// file's plaintext hex ValidatorKey. With keystorePath set but no file
// there yet, it mints a fresh key and seals it into a new keystore rather
// than falling back to plaintext.
func resolveValidatorKey(hexKey, keystorePath, passphrase string) (*crypto.PrivateKey, error) {
	if keystorePath == "" {
		return loadValidatorKey(hexKey)
	}
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate validator key: %w", err)
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return nil, fmt.Errorf("seal validator key into keystore: %w", err)
		}
		return key, nil
	}
	return crypto.LoadFromKeystore(keystorePath, passphrase)
}

func loadValidatorKey(hexKey string) (*crypto.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("validator key is empty")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode validator key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}
