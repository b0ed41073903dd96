package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered participant identity. Requests are signed with the
// Ed25519 key whose public half is stored here.
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PublicKey string    `json:"public_key" db:"public_key"`
	Name      string    `json:"name,omitempty" db:"name"`
	Email     string    `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
