package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// handlerFunc processes one verified, deduplicated activity. target is
// the addressed local account, nil when the activity arrived at the
// shared inbox without a resolvable local recipient.
type handlerFunc func(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error

// Receiver is the inbound half of federation: it authenticates,
// validates, deduplicates and dispatches activities delivered to the
// personal and shared inboxes.
type Receiver struct {
	store       *db.DB
	conf        *util.AppConfig
	verifier    *Verifier
	resolver    *Resolver
	transmitter *Transmitter
	handlers    map[string]handlerFunc
}

func NewReceiver(store *db.DB, conf *util.AppConfig, resolver *Resolver, transmitter *Transmitter) *Receiver {
	r := &Receiver{
		store:       store,
		conf:        conf,
		verifier:    NewVerifier(resolver),
		resolver:    resolver,
		transmitter: transmitter,
	}
	r.handlers = map[string]handlerFunc{
		"Follow":   r.handleFollow,
		"Undo":     r.handleUndo,
		"Accept":   r.handleAccept,
		"Create":   r.handleCreate,
		"Announce": r.handleAnnounce,
		"Like":     r.handleLike,
		"Update":   r.handleUpdate,
		"Delete":   r.handleDelete,
	}
	return r
}

// Receive runs the full inbox pipeline for one delivery. nickname is
// empty for the shared inbox. A nil return means the delivery was
// accepted (including silently swallowed duplicates); callers map the
// sentinel errors onto HTTP statuses.
func (r *Receiver) Receive(req *http.Request, body []byte, nickname string) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}

	sender, err := r.verifier.Verify(req, body)
	if err != nil {
		return err
	}

	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if act.ID == "" || act.Type == "" || act.Actor == "" {
		return fmt.Errorf("%w: activity missing id, type or actor", ErrMalformed)
	}

	// The signer vouches only for its own activities.
	if act.Actor != sender.ActorURI {
		return fmt.Errorf("%w: %s signed for %s", ErrForbidden, sender.ActorURI, act.Actor)
	}

	target, err := r.resolveTarget(&act, sender, nickname)
	if err != nil {
		return err
	}

	// Insert-before-dispatch: the unique constraint on the activity
	// URI is the dedup check-and-mark, atomic under concurrent
	// deliveries of the same activity.
	logged := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  act.ID,
		ActivityType: act.Type,
		ActorURI:     act.Actor,
		ObjectURI:    act.ObjectURI(),
		RawJSON:      string(body),
		CreatedAt:    time.Now(),
	}
	if err := r.store.CreateActivity(logged); err != nil {
		if db.IsUniqueViolation(err) {
			log.Debug("Duplicate activity, already processed", "activity", act.ID)
			return nil
		}
		return err
	}

	handler, ok := r.handlers[act.Type]
	if !ok {
		// Unknown types are acknowledged and dropped so remote
		// servers never retry what this node cannot process.
		log.Info("Ignoring unsupported activity type", "type", act.Type, "actor", act.Actor)
		logged.Processed = true
		return r.store.UpdateActivity(logged)
	}

	if err := handler(req.Context(), sender, &act, target); err != nil {
		// The delivery itself was valid; failures past the dedup
		// point are local concerns and never bounce the sender.
		log.Error("Activity handler failed", "type", act.Type, "activity", act.ID, "err", err)
		return nil
	}

	logged.Processed = true
	if err := r.store.UpdateActivity(logged); err != nil {
		log.Error("Failed to mark activity processed", "activity", act.ID, "err", err)
	}
	return nil
}

// resolveTarget finds the addressed local account. Personal inboxes
// name the account in the path; the shared inbox walks the addressing
// fields, the object URI, and finally the sender's local followers.
// No recipient is fine for the shared inbox: the activity is logged
// and dropped.
func (r *Receiver) resolveTarget(act *Activity, sender *domain.RemoteAccount, nickname string) (*domain.Account, error) {
	if nickname != "" {
		acc, err := r.store.ReadAccByUsername(nickname)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: no inbox for %q", ErrNotFound, nickname)
			}
			return nil, err
		}
		if acc.Deleted() {
			return nil, fmt.Errorf("%w: inbox for %q", ErrGone, nickname)
		}
		return acc, nil
	}

	candidates := make([]string, 0, len(act.To)+len(act.CC)+len(act.Audience)+1)
	candidates = append(candidates, act.To...)
	candidates = append(candidates, act.CC...)
	candidates = append(candidates, act.Audience...)
	if uri := act.ObjectURI(); uri != "" {
		candidates = append(candidates, uri)
	}

	for _, uri := range candidates {
		username, ok := r.localUsername(uri)
		if !ok {
			continue
		}
		acc, err := r.store.ReadAccByUsername(username)
		if err != nil || acc.Deleted() {
			continue
		}
		return acc, nil
	}

	// Create/Update/Delete from a followed actor address nobody
	// directly; route to a local follower of the sender.
	followers, err := r.store.ReadFollowersPage(sender.Id, 1, 0)
	if err == nil && len(followers) == 1 {
		acc, err := r.store.ReadAccById(followers[0].AccountId)
		if err == nil && !acc.Deleted() {
			return acc, nil
		}
	}
	return nil, nil
}

// localUsername maps an actor IRI of this node back to its username.
func (r *Receiver) localUsername(uri string) (string, bool) {
	prefix := fmt.Sprintf("https://%s/users/", r.conf.Conf.Domain)
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(uri, prefix)
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// localNoteId maps an object IRI of this node back to the note id.
func (r *Receiver) localNoteId(uri string) (uuid.UUID, bool) {
	prefix := fmt.Sprintf("https://%s/objects/", r.conf.Conf.Domain)
	if !strings.HasPrefix(uri, prefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(uri, prefix))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (r *Receiver) handleFollow(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	if target == nil {
		username, ok := r.localUsername(act.ObjectURI())
		if !ok {
			return fmt.Errorf("%w: follow of non-local object %q", ErrMalformed, act.ObjectURI())
		}
		acc, err := r.store.ReadAccByUsername(username)
		if err != nil {
			return fmt.Errorf("%w: follow of unknown account %q", ErrNotFound, username)
		}
		target = acc
	}
	if target.Deleted() {
		return fmt.Errorf("%w: follow of tombstoned account", ErrGone)
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       sender.Id,
		TargetAccountId: target.Id,
		URI:             act.ID,
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := r.store.CreateFollow(follow); err != nil && !db.IsUniqueViolation(err) {
		return err
	}

	// Accept goes out even for repeated follows so a remote stuck in
	// pending state can recover.
	return r.transmitter.QueueAccept(target, sender, act)
}

func (r *Receiver) handleUndo(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	obj, err := act.EmbeddedObject()
	if err != nil {
		// Undo of a bare URI: fall back to removing whichever
		// relationship the URI names.
		uri := act.ObjectURI()
		if uri == "" {
			return fmt.Errorf("%w: undo without object", ErrMalformed)
		}
		r.store.DeleteFollowByURI(uri)
		r.store.DeleteLikeByURI(uri)
		return nil
	}

	switch obj.Type {
	case "Follow":
		return r.store.DeleteFollowByURI(obj.ID)
	case "Like":
		return r.store.DeleteLikeByURI(obj.ID)
	default:
		log.Debug("Ignoring undo of unsupported object", "type", obj.Type)
		return nil
	}
}

// handleAccept completes a follow this node sent earlier.
func (r *Receiver) handleAccept(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	uri := act.ObjectURI()
	if obj, err := act.EmbeddedObject(); err == nil && obj.ID != "" {
		uri = obj.ID
	}
	if uri == "" {
		return fmt.Errorf("%w: accept without object", ErrMalformed)
	}
	return r.store.AcceptFollowByURI(uri)
}

func (r *Receiver) handleCreate(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	obj, err := act.EmbeddedObject()
	if err != nil {
		return err
	}
	// Remote content stays in the activity log; only the shape is
	// validated here.
	if obj.ID == "" || obj.Type == "" {
		return fmt.Errorf("%w: created object missing id or type", ErrMalformed)
	}
	log.Debug("Received object", "type", obj.Type, "object", obj.ID, "from", sender.ActorURI)
	return nil
}

func (r *Receiver) handleAnnounce(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	if act.ObjectURI() == "" {
		return fmt.Errorf("%w: announce without object", ErrMalformed)
	}
	log.Debug("Note announced", "object", act.ObjectURI(), "by", sender.ActorURI)
	return nil
}

func (r *Receiver) handleLike(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	noteId, ok := r.localNoteId(act.ObjectURI())
	if !ok {
		log.Debug("Like of non-local object", "object", act.ObjectURI())
		return nil
	}
	if _, err := r.store.ReadNoteId(noteId); err != nil {
		return fmt.Errorf("%w: liked note %s", ErrNotFound, noteId)
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: sender.Id,
		NoteId:    noteId,
		URI:       act.ID,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateLike(like); err != nil && !db.IsUniqueViolation(err) {
		return err
	}
	return nil
}

// handleUpdate refreshes the cached profile when an actor updates
// itself. Object updates are log-only.
func (r *Receiver) handleUpdate(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	if act.ObjectURI() == sender.ActorURI {
		_, err := r.resolver.Refresh(ctx, sender.ActorURI)
		return err
	}
	return nil
}

// handleDelete removes the sender from the cache when it deletes
// itself, dropping its follow relationships with it.
func (r *Receiver) handleDelete(ctx context.Context, sender *domain.RemoteAccount, act *Activity, target *domain.Account) error {
	if act.ObjectURI() != sender.ActorURI {
		// Deletes of remote objects this node never stored.
		return nil
	}
	if err := r.store.DeleteFollowsByAccountId(sender.Id); err != nil {
		return err
	}
	return r.store.DeleteRemoteAccount(sender.Id)
}
