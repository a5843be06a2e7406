package apub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/fedigrid/relay/internal/db"
)

const privateKeyKV = "private_key"

// KeyPair holds the relay's RSA key pair used for HTTP signatures.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// LoadOrGenerateKeyPair loads the relay's key from the database, generating
// and persisting one on first start. Keeping the key in the database means the
// relay's identity survives container rebuilds without volume juggling.
func LoadOrGenerateKeyPair(ctx context.Context, store *db.Store) (*KeyPair, error) {
	pemStr, ok, err := store.GetKV(ctx, privateKeyKV)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	if ok {
		return parsePrivatePEM([]byte(pemStr))
	}

	slog.Info("no signing key found, generating one")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := store.SetKV(ctx, privateKeyKV, string(privPEM)); err != nil {
		return nil, fmt.Errorf("persist private key: %w", err)
	}
	return newKeyPair(key)
}

func parsePrivatePEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	// PKCS#8 is what we write; PKCS#1 covers keys imported from other relays.
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return newKeyPair(key)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newKeyPair(key)
}

func newKeyPair(key *rsa.PrivateKey) (*KeyPair, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return &KeyPair{
		Private:   key,
		Public:    &key.PublicKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key from a remote actor
// document.
func ParseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
