package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local user able to federate
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
	DeletedAt     *time.Time // set when the account is tombstoned
}

// Deleted reports whether the account has been tombstoned.
// Tombstoned accounts keep their row so the actor URI is never reused.
func (a *Account) Deleted() bool {
	return a.DeletedAt != nil
}
