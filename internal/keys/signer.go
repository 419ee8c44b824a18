// Package keys loads the hot-wallet signing key that pays out claims.
//
// The key normally comes from configuration (SIGNER_PRIVATE_KEY). For local
// development and CI, setting MOCK_SIGNER makes the loader read
// MOCK_SIGNER_KEY instead, so a throwaway key never ends up in config files.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the parsed signing key and its derived address.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

var (
	mu     sync.Mutex
	cached *Signer
)

// Load returns the signing key, caching the first successful parse.
//
// Decision tree:
//  1. MOCK_SIGNER env var set → MOCK_SIGNER_KEY (error if absent)
//  2. Otherwise → configured hex key
//
// Errors are not cached so a corrected environment can be retried.
func Load(configured string) (*Signer, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	s, err := load(configured)
	if err != nil {
		return nil, err
	}
	cached = s
	return s, nil
}

func load(configured string) (*Signer, error) {
	raw := configured
	if os.Getenv("MOCK_SIGNER") != "" {
		raw = os.Getenv("MOCK_SIGNER_KEY")
		if raw == "" {
			return nil, fmt.Errorf("keys: MOCK_SIGNER is set but MOCK_SIGNER_KEY is empty")
		}
	}
	return Parse(raw)
}

// Parse decodes a 32-byte hex private key, with or without the 0x prefix.
func Parse(raw string) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("keys: no signing key configured (SIGNER_PRIVATE_KEY)")
	}
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("keys: signing key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: parse signing key: %w", err)
	}
	return &Signer{Key: priv, Address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}
