package activitypub

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

type inboxFixture struct {
	store    *db.DB
	conf     *util.AppConfig
	receiver *Receiver
	alice    *domain.Account
	bob      *domain.RemoteAccount
	bobKey   *rsa.PrivateKey
}

func setupInbox(t *testing.T) *inboxFixture {
	t.Helper()
	store := setupTestStore(t)
	conf := testConf()

	alice, err := store.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	bobKey := generateTestKeyPair(t)
	bob := cacheRemoteActor(t, store, "https://remote.example/users/bob", publicKeyToPEM(t, &bobKey.PublicKey))

	resolver := NewResolver(store, conf)
	transmitter := NewTransmitter(store, conf)
	return &inboxFixture{
		store:    store,
		conf:     conf,
		receiver: NewReceiver(store, conf, resolver, transmitter),
		alice:    alice,
		bob:      bob,
		bobKey:   bobKey,
	}
}

// deliver signs and delivers one activity as bob.
func (f *inboxFixture) deliver(t *testing.T, nickname string, activity map[string]interface{}) error {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}
	path := "/inbox"
	if nickname != "" {
		path = fmt.Sprintf("/users/%s/inbox", nickname)
	}
	req := signedRequest(t, "POST", "https://fennica.test"+path, body, f.bobKey, f.bob.ActorURI+"#main-key")
	return f.receiver.Receive(req, body, nickname)
}

func (f *inboxFixture) followActivity(id string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       id,
		"type":     "Follow",
		"actor":    f.bob.ActorURI,
		"object":   ActorIRI(f.conf.Conf.Domain, "alice"),
	}
}

func TestReceiveFollow(t *testing.T) {
	f := setupInbox(t)

	followURI := "https://remote.example/activities/follow-1"
	if err := f.deliver(t, "alice", f.followActivity(followURI)); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	follow, err := f.store.ReadFollowByURI(followURI)
	if err != nil {
		t.Fatalf("Follow was not recorded: %v", err)
	}
	if follow.AccountId != f.bob.Id || follow.TargetAccountId != f.alice.Id {
		t.Error("Follow recorded with wrong accounts")
	}
	if !follow.Accepted {
		t.Error("Inbound follow should be auto-accepted")
	}

	// The Accept goes back to the follower's inbox
	pending, err := f.store.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 queued Accept, got %d", len(pending))
	}
	if pending[0].InboxURI != f.bob.InboxURI {
		t.Errorf("Accept queued for %q, want %q", pending[0].InboxURI, f.bob.InboxURI)
	}
	var accept Activity
	if err := json.Unmarshal([]byte(pending[0].ActivityJSON), &accept); err != nil {
		t.Fatalf("Queued Accept unparseable: %v", err)
	}
	if accept.Type != "Accept" {
		t.Errorf("Expected Accept activity, got %q", accept.Type)
	}
	if accept.ObjectURI() != followURI {
		t.Errorf("Accept must wrap the original follow, got object %q", accept.ObjectURI())
	}
}

func TestReceiveDuplicateFollow(t *testing.T) {
	f := setupInbox(t)

	followURI := "https://remote.example/activities/follow-1"
	if err := f.deliver(t, "alice", f.followActivity(followURI)); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	// Redelivery of the same activity is silently acknowledged
	if err := f.deliver(t, "alice", f.followActivity(followURI)); err != nil {
		t.Fatalf("Duplicate delivery must not error: %v", err)
	}

	pending, _ := f.store.ReadPendingDeliveries(10)
	if len(pending) != 1 {
		t.Errorf("Duplicate must not queue a second Accept, got %d", len(pending))
	}
}

func TestReceiveEmptyBody(t *testing.T) {
	f := setupInbox(t)

	req := signedRequest(t, "POST", "https://fennica.test/users/alice/inbox", nil, f.bobKey, f.bob.ActorURI+"#main-key")
	err := f.receiver.Receive(req, nil, "alice")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for empty body, got %v", err)
	}
}

func TestReceiveActorMismatch(t *testing.T) {
	f := setupInbox(t)

	activity := f.followActivity("https://remote.example/activities/follow-2")
	activity["actor"] = "https://remote.example/users/carol"
	err := f.deliver(t, "alice", activity)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden when signer and actor differ, got %v", err)
	}
}

func TestReceiveMissingFields(t *testing.T) {
	f := setupInbox(t)

	err := f.deliver(t, "alice", map[string]interface{}{
		"id":    "https://remote.example/activities/broken",
		"actor": f.bob.ActorURI,
	})
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for missing type, got %v", err)
	}
}

func TestReceiveUnknownNickname(t *testing.T) {
	f := setupInbox(t)

	err := f.deliver(t, "nobody", f.followActivity("https://remote.example/activities/follow-3"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown inbox, got %v", err)
	}
}

func TestReceiveTombstonedInbox(t *testing.T) {
	f := setupInbox(t)

	if err := f.store.TombstoneAccount("alice"); err != nil {
		t.Fatalf("TombstoneAccount failed: %v", err)
	}
	err := f.deliver(t, "alice", f.followActivity("https://remote.example/activities/follow-4"))
	if !errors.Is(err, ErrGone) {
		t.Errorf("Expected ErrGone for tombstoned inbox, got %v", err)
	}
}

func TestReceiveUnknownTypeAcknowledged(t *testing.T) {
	f := setupInbox(t)

	activityURI := "https://remote.example/activities/move-1"
	err := f.deliver(t, "alice", map[string]interface{}{
		"id":     activityURI,
		"type":   "Move",
		"actor":  f.bob.ActorURI,
		"object": "https://elsewhere.example/users/bob",
	})
	if err != nil {
		t.Fatalf("Unknown type must be acknowledged, got %v", err)
	}

	logged, err := f.store.ReadActivityByURI(activityURI)
	if err != nil {
		t.Fatalf("Unknown activity must still be logged: %v", err)
	}
	if !logged.Processed {
		t.Error("Unknown activity should be marked processed")
	}
}

func TestSharedInboxRouting(t *testing.T) {
	f := setupInbox(t)

	// Delivered to /inbox with no nickname: the target comes from the
	// object URI.
	followURI := "https://remote.example/activities/follow-5"
	if err := f.deliver(t, "", f.followActivity(followURI)); err != nil {
		t.Fatalf("Shared inbox delivery failed: %v", err)
	}
	if _, err := f.store.ReadFollowByURI(followURI); err != nil {
		t.Fatalf("Follow was not recorded via shared inbox: %v", err)
	}
}

func TestSharedInboxNoRecipient(t *testing.T) {
	f := setupInbox(t)

	// Addressed to nobody local: accepted and dropped.
	err := f.deliver(t, "", map[string]interface{}{
		"id":     "https://remote.example/activities/create-9",
		"type":   "Create",
		"actor":  f.bob.ActorURI,
		"to":     []string{PublicAudience},
		"object": map[string]interface{}{"id": "https://remote.example/notes/9", "type": "Note", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("Unroutable shared inbox delivery must be accepted, got %v", err)
	}
}

func TestSharedInboxFollowerFallback(t *testing.T) {
	f := setupInbox(t)

	// alice follows bob, so bob's posts route to her even when they
	// only address the public collection.
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       f.alice.Id,
		TargetAccountId: f.bob.Id,
		URI:             "https://fennica.test/activities/follow-bob",
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := f.store.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	activityURI := "https://remote.example/activities/create-10"
	err := f.deliver(t, "", map[string]interface{}{
		"id":     activityURI,
		"type":   "Create",
		"actor":  f.bob.ActorURI,
		"to":     []string{PublicAudience},
		"object": map[string]interface{}{"id": "https://remote.example/notes/10", "type": "Note", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("Shared inbox delivery failed: %v", err)
	}

	logged, err := f.store.ReadActivityByURI(activityURI)
	if err != nil {
		t.Fatalf("Activity not logged: %v", err)
	}
	if !logged.Processed {
		t.Error("Routed activity should be marked processed")
	}
}

func TestReceiveUndoFollow(t *testing.T) {
	f := setupInbox(t)

	followURI := "https://remote.example/activities/follow-6"
	if err := f.deliver(t, "alice", f.followActivity(followURI)); err != nil {
		t.Fatalf("Follow delivery failed: %v", err)
	}

	err := f.deliver(t, "alice", map[string]interface{}{
		"id":     "https://remote.example/activities/undo-6",
		"type":   "Undo",
		"actor":  f.bob.ActorURI,
		"object": f.followActivity(followURI),
	})
	if err != nil {
		t.Fatalf("Undo delivery failed: %v", err)
	}

	if _, err := f.store.ReadFollowByURI(followURI); err == nil {
		t.Error("Follow should be removed after Undo")
	}
}

func TestReceiveAcceptMarksFollow(t *testing.T) {
	f := setupInbox(t)

	// alice sent a follow to bob earlier, still pending
	followURI := ActivityIRI(f.conf.Conf.Domain, uuid.New().String())
	pendingFollow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       f.alice.Id,
		TargetAccountId: f.bob.Id,
		URI:             followURI,
		CreatedAt:       time.Now(),
		Accepted:        false,
	}
	if err := f.store.CreateFollow(pendingFollow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	err := f.deliver(t, "alice", map[string]interface{}{
		"id":    "https://remote.example/activities/accept-1",
		"type":  "Accept",
		"actor": f.bob.ActorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  ActorIRI(f.conf.Conf.Domain, "alice"),
			"object": f.bob.ActorURI,
		},
	})
	if err != nil {
		t.Fatalf("Accept delivery failed: %v", err)
	}

	follow, err := f.store.ReadFollowByURI(followURI)
	if err != nil {
		t.Fatalf("ReadFollowByURI failed: %v", err)
	}
	if !follow.Accepted {
		t.Error("Follow should be accepted after the remote's Accept")
	}
}

func TestReceiveLike(t *testing.T) {
	f := setupInbox(t)

	note, err := f.store.CreateNote(f.alice.Id, "likeable", domain.VisibilityPublic, "")
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	err = f.deliver(t, "alice", map[string]interface{}{
		"id":     "https://remote.example/activities/like-1",
		"type":   "Like",
		"actor":  f.bob.ActorURI,
		"object": ObjectIRI(f.conf.Conf.Domain, note.Id.String()),
	})
	if err != nil {
		t.Fatalf("Like delivery failed: %v", err)
	}

	logged, err := f.store.ReadActivityByURI("https://remote.example/activities/like-1")
	if err != nil {
		t.Fatalf("Like was not logged: %v", err)
	}
	if !logged.Processed {
		t.Error("Like should be marked processed")
	}
}

func TestReceiveDeleteActor(t *testing.T) {
	f := setupInbox(t)

	followURI := "https://remote.example/activities/follow-7"
	if err := f.deliver(t, "alice", f.followActivity(followURI)); err != nil {
		t.Fatalf("Follow delivery failed: %v", err)
	}

	err := f.deliver(t, "alice", map[string]interface{}{
		"id":     "https://remote.example/activities/delete-1",
		"type":   "Delete",
		"actor":  f.bob.ActorURI,
		"object": f.bob.ActorURI,
	})
	if err != nil {
		t.Fatalf("Delete delivery failed: %v", err)
	}

	if _, err := f.store.ReadRemoteAccountByURI(f.bob.ActorURI); err == nil {
		t.Error("Remote account should be dropped after self-delete")
	}
	if _, err := f.store.ReadFollowByURI(followURI); err == nil {
		t.Error("Follows should be dropped with the deleted actor")
	}
}
