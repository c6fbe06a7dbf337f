// Package common provides shared helpers for the darkbatch service
// binaries: logger construction, signing key loading, and engine
// configuration loading and fetching.
package common

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/protocol"
)

// NewLogger builds the process logger. JSON output is for deployments,
// text for local runs.
func NewLogger(service string, jsonOutput, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("app", service)
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a fresh key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadEngineConfig reads a YAML engine configuration, or returns the
// defaults when path is empty.
func LoadEngineConfig(path string) (protocol.EngineConfig, error) {
	if path == "" {
		return protocol.DefaultConfig(), nil
	}
	return protocol.LoadConfig(path)
}

// FetchEngineConfig retrieves the authoritative engine configuration from
// a registry's /config endpoint.
func FetchEngineConfig(registryURL string) (*protocol.EngineConfig, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(registryURL + "/config")
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var cfg protocol.EngineConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry served invalid config: %w", err)
	}
	return &cfg, nil
}
