package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// ActorCacheTTL is how long a fetched remote actor stays fresh.
const ActorCacheTTL = 24 * time.Hour

const maxActorDocumentSize = 1 * 1024 * 1024

// Resolver maps local nicknames to accounts and remote URIs to cached
// actor records, fetching and caching remote profiles as needed.
type Resolver struct {
	store  *db.DB
	conf   *util.AppConfig
	client *http.Client
}

func NewResolver(store *db.DB, conf *util.AppConfig) *Resolver {
	return &Resolver{
		store: store,
		conf:  conf,
		client: &http.Client{
			Timeout: time.Duration(conf.Conf.FetchTimeoutSec) * time.Second,
		},
	}
}

// ResolveLocal looks up a local account by nickname. Tombstoned
// accounts return ErrGone so handlers can answer 410 with a Tombstone
// document instead of leaking a full actor.
func (r *Resolver) ResolveLocal(nickname string) (*domain.Account, error) {
	acc, err := r.store.ReadAccByUsername(nickname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no account %q", ErrNotFound, nickname)
		}
		return nil, err
	}
	if acc.Deleted() {
		return acc, fmt.Errorf("%w: account %q", ErrGone, nickname)
	}
	return acc, nil
}

// ResolveRemote returns the cached actor when fresh, otherwise fetches
// the actor document. A failed refresh falls back to the stale cache
// entry: staleness is tolerable for a bounded window.
func (r *Resolver) ResolveRemote(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	cached, err := r.store.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached.Fresh(ActorCacheTTL) {
		return cached, nil
	}

	fetched, ferr := r.fetchRemoteActor(ctx, actorURI)
	if ferr != nil {
		if cached != nil {
			log.Warn("Actor refresh failed, serving stale cache", "actor", actorURI, "err", ferr)
			return cached, nil
		}
		return nil, ferr
	}
	return fetched, nil
}

// Refresh bypasses the cache and refetches the actor document.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	return r.fetchRemoteActor(ctx, actorURI)
}

// fetchRemoteActor performs the content-negotiated GET against the
// actor URI and updates the cache, last-writer-wins.
func (r *Resolver) fetchRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid actor URI %q", ErrNotFound, actorURI)
	}

	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: actor %s", ErrGone, actorURI)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: actor %s", ErrNotFound, actorURI)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: actor fetch returned status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: unparseable actor document: %v", ErrNotFound, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor document missing required fields", ErrNotFound)
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      actor.PreferredUsername,
		Domain:        domainName,
		ActorURI:      actor.ID,
		DisplayName:   actor.Name,
		Summary:       actor.Summary,
		InboxURI:      actor.Inbox,
		OutboxURI:     actor.Outbox,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now(),
	}
	if actor.Icon != nil {
		remoteAcc.AvatarURL = actor.Icon.URL
	}
	if actor.Endpoints != nil {
		remoteAcc.SharedInboxURI = actor.Endpoints.SharedInbox
	}

	if err := r.store.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to cache remote account: %w", err)
	}

	return remoteAcc, nil
}

// extractDomain extracts the host from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %q", actorURI)
	}
	return parsed.Host, nil
}
