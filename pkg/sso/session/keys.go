// Package session mints local access/refresh token pairs shaped like
// the server's native sessions, wrapping the provider tokens so clients
// never see the difference, and renews them via the provider.
package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vaultwarden/vwsso/pkg/logger"
)

const signingKeyBits = 2048

// LoadOrGenerateKey returns the RSA key used to sign local tokens,
// reading it from path or generating and persisting a fresh one. A new
// key invalidates every outstanding session, so the file should live on
// durable storage.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKeyPEM(raw)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding signing key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating signing key directory: %w", err)
	}
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key %s: %w", path, err)
	}

	logger.Infow("generated new session signing key", "path", path)
	return key, nil
}

func parseKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("signing key file contains no PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key is %T, want RSA", key)
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	return key, nil
}
