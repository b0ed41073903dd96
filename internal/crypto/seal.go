package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealPrefix = "sealed:v1:"
	sealInfo   = "confab-message-v1"
	minKeyLen  = 32
)

var (
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")
	ErrUnseal      = errors.New("unable to unseal message content")
)

// Sealer encrypts message bodies at rest. Each session gets its own key,
// derived from the master key with HKDF-SHA256 salted by the session ID.
// A nil *Sealer passes content through unchanged.
type Sealer struct {
	master []byte
}

// NewSealer returns a Sealer for the given master key, or nil when the key is empty.
func NewSealer(masterKey string) (*Sealer, error) {
	if masterKey == "" {
		return nil, nil
	}
	if len(masterKey) < minKeyLen {
		return nil, ErrKeyTooShort
	}
	return &Sealer{master: []byte(masterKey)}, nil
}

func (s *Sealer) sessionKey(sessionID uuid.UUID) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, sessionID[:], []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for a session.
// Wire format: "sealed:v1:" + base64(nonce[12] || ciphertext[N+16])
func (s *Sealer) Seal(sessionID uuid.UUID, plaintext string) (string, error) {
	if s == nil {
		return plaintext, nil
	}
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	wire := aead.Seal(nonce, nonce, []byte(plaintext), sessionID[:])
	return sealPrefix + base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts content produced by Seal. Content without the sealed prefix
// is returned as-is so rows written before a key was configured stay readable.
func (s *Sealer) Open(sessionID uuid.UUID, content string) (string, error) {
	if !strings.HasPrefix(content, sealPrefix) {
		return content, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no encryption key configured", ErrUnseal)
	}

	wire, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(content, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrUnseal)
	}
	if len(wire) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrUnseal)
	}

	key, err := s.sessionKey(sessionID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce, ct := wire[:chacha20poly1305.NonceSize], wire[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, sessionID[:])
	if err != nil {
		return "", fmt.Errorf("%w: wrong key or tampered ciphertext", ErrUnseal)
	}
	return string(plaintext), nil
}
