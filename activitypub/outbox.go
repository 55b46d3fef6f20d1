package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// Transmitter builds outbound activities and feeds them into the
// delivery queue. Building is deterministic: the same note always
// yields the same activity and object IRIs, so replays and retries
// deduplicate on the receiving side.
type Transmitter struct {
	store *db.DB
	conf  *util.AppConfig
}

func NewTransmitter(store *db.DB, conf *util.AppConfig) *Transmitter {
	return &Transmitter{store: store, conf: conf}
}

// BuildNoteObject renders a local note as its public object document.
func (t *Transmitter) BuildNoteObject(acc *domain.Account, note *domain.Note) *Note {
	dom := t.conf.Conf.Domain
	obj := &Note{
		ID:           ObjectIRI(dom, note.Id.String()),
		Type:         "Note",
		AttributedTo: ActorIRI(dom, acc.Username),
		Content:      note.Message,
		Published:    note.CreatedAt.UTC().Format(time.RFC3339),
	}
	if note.EditedAt != nil {
		obj.Updated = note.EditedAt.UTC().Format(time.RFC3339)
	}
	switch note.Visibility {
	case domain.VisibilityFollowers:
		obj.To = []string{FollowersIRI(dom, acc.Username)}
	default:
		obj.To = []string{PublicAudience}
		obj.CC = []string{FollowersIRI(dom, acc.Username)}
	}
	return obj
}

// BuildCreate wraps a note in its Create activity.
func (t *Transmitter) BuildCreate(acc *domain.Account, note *domain.Note) (*Activity, error) {
	obj := t.BuildNoteObject(acc, note)
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return &Activity{
		Context:   []string{ActivityStreamsContext},
		ID:        ActivityIRI(t.conf.Conf.Domain, note.Id.String()),
		Type:      "Create",
		Actor:     ActorIRI(t.conf.Conf.Domain, acc.Username),
		Object:    raw,
		Published: obj.Published,
		To:        StringList(obj.To),
		CC:        StringList(obj.CC),
	}, nil
}

// BuildDelete wraps a tombstoned note in its Delete activity.
func (t *Transmitter) BuildDelete(acc *domain.Account, note *domain.Note) (*Activity, error) {
	dom := t.conf.Conf.Domain
	tomb := Tombstone{
		ID:         ObjectIRI(dom, note.Id.String()),
		Type:       "Tombstone",
		FormerType: "Note",
	}
	raw, err := json.Marshal(tomb)
	if err != nil {
		return nil, err
	}
	return &Activity{
		Context: []string{ActivityStreamsContext},
		ID:      ActivityIRI(dom, note.Id.String()) + "/delete",
		Type:    "Delete",
		Actor:   ActorIRI(dom, acc.Username),
		Object:  raw,
		To:      StringList{PublicAudience},
		CC:      StringList{FollowersIRI(dom, acc.Username)},
	}, nil
}

// BuildAccept wraps the received Follow activity verbatim, as remote
// servers match the Accept against the original payload.
func (t *Transmitter) BuildAccept(acc *domain.Account, follow *Activity) (*Activity, error) {
	raw, err := json.Marshal(follow)
	if err != nil {
		return nil, err
	}
	return &Activity{
		Context: []string{ActivityStreamsContext},
		ID:      ActivityIRI(t.conf.Conf.Domain, uuid.New().String()),
		Type:    "Accept",
		Actor:   ActorIRI(t.conf.Conf.Domain, acc.Username),
		Object:  raw,
	}, nil
}

// BuildFollow creates a Follow activity targeting a remote actor.
func (t *Transmitter) BuildFollow(acc *domain.Account, targetActorURI string) *Activity {
	return &Activity{
		Context: []string{ActivityStreamsContext},
		ID:      ActivityIRI(t.conf.Conf.Domain, uuid.New().String()),
		Type:    "Follow",
		Actor:   ActorIRI(t.conf.Conf.Domain, acc.Username),
		Object:  json.RawMessage(fmt.Sprintf("%q", targetActorURI)),
	}
}

// BuildUndo wraps a previously sent activity in an Undo.
func (t *Transmitter) BuildUndo(acc *domain.Account, inner *Activity) (*Activity, error) {
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &Activity{
		Context: []string{ActivityStreamsContext},
		ID:      inner.ID + "/undo",
		Type:    "Undo",
		Actor:   ActorIRI(t.conf.Conf.Domain, acc.Username),
		Object:  raw,
	}, nil
}

// QueueAccept enqueues the Accept for a received Follow back to the
// follower's inbox.
func (t *Transmitter) QueueAccept(acc *domain.Account, follower *domain.RemoteAccount, follow *Activity) error {
	accept, err := t.BuildAccept(acc, follow)
	if err != nil {
		return err
	}
	return t.enqueue(accept, follower.InboxURI)
}

// PublishNote records the Create activity locally and fans it out to
// every follower inbox.
func (t *Transmitter) PublishNote(acc *domain.Account, note *domain.Note) error {
	create, err := t.BuildCreate(acc, note)
	if err != nil {
		return err
	}
	return t.publish(acc, create)
}

// RetractNote fans out the Delete for a tombstoned note.
func (t *Transmitter) RetractNote(acc *domain.Account, note *domain.Note) error {
	del, err := t.BuildDelete(acc, note)
	if err != nil {
		return err
	}
	return t.publish(acc, del)
}

// SendFollow records an outgoing follow as pending and enqueues it.
// The relationship turns visible once the remote's Accept arrives.
func (t *Transmitter) SendFollow(acc *domain.Account, remote *domain.RemoteAccount) error {
	follow := t.BuildFollow(acc, remote.ActorURI)
	rec := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: remote.Id,
		URI:             follow.ID,
		CreatedAt:       time.Now(),
		Accepted:        false,
	}
	if err := t.store.CreateFollow(rec); err != nil {
		if db.IsUniqueViolation(err) {
			return nil
		}
		return err
	}
	return t.enqueue(follow, remote.InboxURI)
}

// SendUndoFollow retracts an outgoing follow.
func (t *Transmitter) SendUndoFollow(acc *domain.Account, remote *domain.RemoteAccount) error {
	follow, err := t.store.ReadFollowByAccountIds(acc.Id, remote.Id)
	if err != nil {
		return fmt.Errorf("%w: no follow to undo", ErrNotFound)
	}
	inner := t.BuildFollow(acc, remote.ActorURI)
	inner.ID = follow.URI
	undo, err := t.BuildUndo(acc, inner)
	if err != nil {
		return err
	}
	if err := t.store.DeleteFollowByURI(follow.URI); err != nil {
		return err
	}
	return t.enqueue(undo, remote.InboxURI)
}

func (t *Transmitter) publish(acc *domain.Account, act *Activity) error {
	raw, err := json.Marshal(act)
	if err != nil {
		return err
	}

	logged := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: act.Type,
		ActorURI:     act.Actor,
		ObjectURI:    act.ObjectURI(),
		RawJSON:      string(raw),
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := t.store.CreateActivity(logged); err != nil && !db.IsUniqueViolation(err) {
		return err
	}

	return t.fanOut(acc, raw)
}

// fanOut enqueues one delivery per distinct follower inbox, preferring
// a shared inbox when the follower advertises one. Followers whose
// cached record went missing are skipped, not fatal.
func (t *Transmitter) fanOut(acc *domain.Account, activityJSON []byte) error {
	const batch = 100
	seen := make(map[string]bool)

	for offset := 0; ; offset += batch {
		follows, err := t.store.ReadFollowersPage(acc.Id, batch, offset)
		if err != nil {
			return err
		}
		for _, follow := range follows {
			remote, err := t.store.ReadRemoteAccountById(follow.AccountId)
			if err != nil {
				log.Warn("Skipping follower without cached actor", "follow", follow.URI)
				continue
			}
			inbox := remote.InboxURI
			if remote.SharedInboxURI != "" {
				inbox = remote.SharedInboxURI
			}
			if inbox == "" || seen[inbox] {
				continue
			}
			seen[inbox] = true
			if err := t.enqueueRaw(activityJSON, inbox); err != nil {
				return err
			}
		}
		if len(follows) < batch {
			break
		}
	}
	return nil
}

func (t *Transmitter) enqueue(act *Activity, inboxURI string) error {
	raw, err := json.Marshal(act)
	if err != nil {
		return err
	}
	return t.enqueueRaw(raw, inboxURI)
}

func (t *Transmitter) enqueueRaw(activityJSON []byte, inboxURI string) error {
	return t.store.EnqueueDelivery(&domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     inboxURI,
		ActivityJSON: string(activityJSON),
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	})
}
