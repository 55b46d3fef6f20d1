package domain

import (
	"time"

	"github.com/google/uuid"
)

// Note represents a local post
type Note struct {
	Id         uuid.UUID
	CreatedBy  string // username of the author
	Message    string
	Visibility string // 'public' or 'followers'
	ObjectURI  string // empty for local notes until serialized
	CreatedAt  time.Time
	EditedAt   *time.Time
	DeletedAt  *time.Time // tombstoned, kept for Gone responses
}

const (
	VisibilityPublic    = "public"
	VisibilityFollowers = "followers"
)
