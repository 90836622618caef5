package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"

	"repro_market/pkg/utils"
)

// LoadOrCreateIdentity loads the host's private key from keyFile, generating
// and saving an Ed25519 key on first use so the peer id survives restarts.
func LoadOrCreateIdentity(keyFile string) (crypto.PrivKey, error) {
	keyBytes, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	keyBytes, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := utils.WriteFileAtomic(keyFile, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to file: %w", err)
	}
	return priv, nil
}
