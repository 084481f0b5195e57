package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const rsaKeyBits = 2048

// LoadKeyPair reads the PEM encoded RSA key pair used to sign tokens. When
// both files are missing and generate is set, a new pair is created and written
// (private key 0600, public key 0644).
func LoadKeyPair(privatePath, publicPath string, generate bool) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privPEM, privErr := os.ReadFile(privatePath)
	pubPEM, pubErr := os.ReadFile(publicPath)

	if errors.Is(privErr, fs.ErrNotExist) && errors.Is(pubErr, fs.ErrNotExist) && generate {
		return generateKeyPair(privatePath, publicPath)
	}
	if privErr != nil {
		return nil, nil, fmt.Errorf("read jwt private key: %w", privErr)
	}
	if pubErr != nil {
		return nil, nil, fmt.Errorf("read jwt public key: %w", pubErr)
	}

	priv, err := jwtlib.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse jwt private key: %w", err)
	}
	pub, err := jwtlib.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, nil, errors.New("jwt public key does not match private key")
	}
	return priv, pub, nil
}

func generateKeyPair(privatePath, publicPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate jwt key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal jwt private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal jwt public key: %w", err)
	}

	for _, p := range []string{privatePath, publicPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write jwt private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		return nil, nil, fmt.Errorf("write jwt public key: %w", err)
	}
	return priv, &priv.PublicKey, nil
}
