package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// NonceLength is the hex length of nonces from NewNonce.
const NonceLength = 32

// ValidatePublicKey checks if a base64-encoded string is a valid Ed25519 public key.
func ValidatePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}

	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}

	return ed25519.PublicKey(decoded), nil
}

// ParsePrivateKey decodes a base64 private key given either as a 32-byte
// seed or as the full 64-byte key.
func ParsePrivateKey(keyB64 string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	}
	return nil, fmt.Errorf("%w: must be %d or %d bytes, got %d",
		ErrInvalidPrivateKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
}

// NewNonce returns a random hex request nonce.
func NewNonce() (string, error) {
	buf := make([]byte, NonceLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// VerifySignature verifies a base64 signature over signedData.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}

	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// Sign signs the canonical request payload and returns the base64 signature.
func Sign(priv ed25519.PrivateKey, method, path string, body []byte, nonce string, timestamp int64) string {
	payload := SignaturePayload(method, path, BodyHash(body), nonce, timestamp)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

// BodyHash returns the hex SHA-256 of a request body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignaturePayload creates the canonical data to sign.
// Format: METHOD|path|bodyhash|nonce|timestamp
func SignaturePayload(method, path, bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d", method, path, bodyHash, nonce, timestamp))
}
