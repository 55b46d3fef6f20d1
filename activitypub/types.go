package activitypub

import (
	"encoding/json"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"

	ContentType = "application/activity+json"
)

// StringList unmarshals ActivityPub addressing fields that arrive
// either as a single string or as an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Activity is the envelope received at the inbox or built for the
// outbox. Object stays raw: it may be a bare URI string or a nested
// object depending on the activity type.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Published string          `json:"published,omitempty"`
	To        StringList      `json:"to,omitempty"`
	CC        StringList      `json:"cc,omitempty"`
	Audience  StringList      `json:"audience,omitempty"`
}

// ObjectURI returns the object's URI whether the object is a bare
// string or an embedded object carrying an id.
func (a *Activity) ObjectURI() string {
	return objectURI(a.Object)
}

// EmbeddedObject decodes the object as a nested object, or returns
// ErrMalformed when it is a bare string or unparseable.
func (a *Activity) EmbeddedObject() (*Object, error) {
	var obj Object
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: embedded object: %v", ErrMalformed, err)
	}
	return &obj, nil
}

func objectURI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return uri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Object is a generic ActivityStreams object as found embedded in
// Create, Update, Delete and Undo activities.
type Object struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Actor        string     `json:"actor,omitempty"`
	AttributedTo string     `json:"attributedTo,omitempty"`
	Content      string     `json:"content,omitempty"`
	Published    string     `json:"published,omitempty"`
	To           StringList `json:"to,omitempty"`
	CC           StringList `json:"cc,omitempty"`
}

// Note is the canonical shape of a locally originated post.
type Note struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Content      string      `json:"content"`
	Published    string      `json:"published"`
	Updated      string      `json:"updated,omitempty"`
	To           []string    `json:"to,omitempty"`
	CC           []string    `json:"cc,omitempty"`
}

// Tombstone replaces deleted actors and objects (HTTP 410).
type Tombstone struct {
	Context    interface{} `json:"@context,omitempty"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	FormerType string      `json:"formerType,omitempty"`
	Deleted    string      `json:"deleted,omitempty"`
}

// PublicKey is the key block of an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an avatar/icon attachment of an actor document.
type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Endpoints carries the optional sharedInbox of an actor document.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Actor is an ActivityPub actor document, used both for serving local
// accounts and for parsing fetched remote profiles.
type Actor struct {
	Context                   interface{} `json:"@context,omitempty"`
	ID                        string      `json:"id"`
	Type                      string      `json:"type"`
	PreferredUsername         string      `json:"preferredUsername"`
	Name                      string      `json:"name,omitempty"`
	Summary                   string      `json:"summary,omitempty"`
	Inbox                     string      `json:"inbox"`
	Outbox                    string      `json:"outbox,omitempty"`
	Followers                 string      `json:"followers,omitempty"`
	Following                 string      `json:"following,omitempty"`
	URL                       string      `json:"url,omitempty"`
	ManuallyApprovesFollowers bool        `json:"manuallyApprovesFollowers"`
	Discoverable              bool        `json:"discoverable,omitempty"`
	Endpoints                 *Endpoints  `json:"endpoints,omitempty"`
	Icon                      *Image      `json:"icon,omitempty"`
	PublicKey                 PublicKey   `json:"publicKey"`
}

// OrderedCollection is the summary document returned when no page is requested.
type OrderedCollection struct {
	Context    interface{} `json:"@context"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

// OrderedCollectionPage is one page of an ordered collection.
type OrderedCollectionPage struct {
	Context      interface{}   `json:"@context"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	PartOf       string        `json:"partOf"`
	OrderedItems []interface{} `json:"orderedItems"`
	Next         string        `json:"next,omitempty"`
	Prev         string        `json:"prev,omitempty"`
}

// IRI builders. Every identifier this node hands out is derived
// deterministically from the domain and a stable local id.

func ActorIRI(domain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, username)
}

func InboxIRI(domain, username string) string {
	return ActorIRI(domain, username) + "/inbox"
}

func OutboxIRI(domain, username string) string {
	return ActorIRI(domain, username) + "/outbox"
}

func FollowersIRI(domain, username string) string {
	return ActorIRI(domain, username) + "/followers"
}

func FollowingIRI(domain, username string) string {
	return ActorIRI(domain, username) + "/following"
}

func SharedInboxIRI(domain string) string {
	return fmt.Sprintf("https://%s/inbox", domain)
}

func ObjectIRI(domain, id string) string {
	return fmt.Sprintf("https://%s/objects/%s", domain, id)
}

func ActivityIRI(domain, id string) string {
	return fmt.Sprintf("https://%s/activities/%s", domain, id)
}

func KeyIRI(domain, username string) string {
	return ActorIRI(domain, username) + "#main-key"
}
