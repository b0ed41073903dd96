package crypto

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewMessageID returns a ULID string for a message row.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewInviteToken returns a random URL-safe token for session invites.
func NewInviteToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
