package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// Fresh reports whether the cached record is within the given TTL.
func (r *RemoteAccount) Fresh(ttl time.Duration) bool {
	return time.Since(r.LastFetchedAt) < ttl
}

// Follow represents a follow relationship between a local and a remote account
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower, local or remote
	TargetAccountId uuid.UUID // the account being followed
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like/favorite on a note
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string // ActivityPub Like activity URI
	CreatedAt time.Time
}

// Activity is the received-activity log, used for deduplication.
// The activity_uri column carries a unique constraint so the
// check-and-mark is atomic across concurrent deliveries.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, ...
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem represents a pending outbound delivery
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

// OwaToken is a one-time OpenWebAuth token handed to a verified remote visitor
type OwaToken struct {
	Id        uuid.UUID
	Token     string
	ActorURI  string
	CreatedAt time.Time
	ExpiresAt time.Time
}
