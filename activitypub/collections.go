package activitypub

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// PageSize is the number of items per ordered collection page.
const PageSize = 20

// Paginator serves the outbox, followers and following collections as
// paged OrderedCollections. Pages fetch one row past the page size to
// decide whether a next page exists without a second count query.
type Paginator struct {
	store *db.DB
	conf  *util.AppConfig
}

func NewPaginator(store *db.DB, conf *util.AppConfig) *Paginator {
	return &Paginator{store: store, conf: conf}
}

func pageIRI(base string, page int) string {
	return fmt.Sprintf("%s?page=%d", base, page)
}

func (p *Paginator) collection(base string, total int) *OrderedCollection {
	coll := &OrderedCollection{
		Context:    ActivityStreamsContext,
		ID:         base,
		Type:       "OrderedCollection",
		TotalItems: total,
	}
	if total > 0 {
		coll.First = pageIRI(base, 1)
	}
	return coll
}

func (p *Paginator) page(base string, page int, items []interface{}, hasNext bool) *OrderedCollectionPage {
	doc := &OrderedCollectionPage{
		Context:      ActivityStreamsContext,
		ID:           pageIRI(base, page),
		Type:         "OrderedCollectionPage",
		PartOf:       base,
		OrderedItems: items,
	}
	if hasNext {
		doc.Next = pageIRI(base, page+1)
	}
	if page > 1 {
		doc.Prev = pageIRI(base, page-1)
	}
	return doc
}

// OutboxCollection returns the outbox summary for a local account.
func (p *Paginator) OutboxCollection(acc *domain.Account) (*OrderedCollection, error) {
	total, err := p.store.CountPublicNotesByUsername(acc.Username)
	if err != nil {
		return nil, err
	}
	return p.collection(OutboxIRI(p.conf.Conf.Domain, acc.Username), total), nil
}

// OutboxPage returns one page of Create activities, newest first.
func (p *Paginator) OutboxPage(acc *domain.Account, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page %d", ErrNotFound, page)
	}
	notes, err := p.store.ReadPublicNotesByUsername(acc.Username, PageSize+1, (page-1)*PageSize)
	if err != nil {
		return nil, err
	}
	hasNext := len(notes) > PageSize
	if hasNext {
		notes = notes[:PageSize]
	}

	tx := NewTransmitter(p.store, p.conf)
	items := make([]interface{}, 0, len(notes))
	for i := range notes {
		act, err := tx.BuildCreate(acc, &notes[i])
		if err != nil {
			log.Warn("Skipping unserializable note", "note", notes[i].Id, "err", err)
			continue
		}
		act.Context = nil // pages carry the context at the top level
		items = append(items, act)
	}
	return p.page(OutboxIRI(p.conf.Conf.Domain, acc.Username), page, items, hasNext), nil
}

// FollowersCollection returns the followers summary for a local account.
func (p *Paginator) FollowersCollection(acc *domain.Account) (*OrderedCollection, error) {
	total, err := p.store.CountFollowers(acc.Id)
	if err != nil {
		return nil, err
	}
	return p.collection(FollowersIRI(p.conf.Conf.Domain, acc.Username), total), nil
}

// FollowersPage returns one page of follower actor URIs in accept order.
func (p *Paginator) FollowersPage(acc *domain.Account, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page %d", ErrNotFound, page)
	}
	follows, err := p.store.ReadFollowersPage(acc.Id, PageSize+1, (page-1)*PageSize)
	if err != nil {
		return nil, err
	}
	hasNext := len(follows) > PageSize
	if hasNext {
		follows = follows[:PageSize]
	}
	items := p.actorItems(follows, func(f *domain.Follow) uuid.UUID { return f.AccountId })
	return p.page(FollowersIRI(p.conf.Conf.Domain, acc.Username), page, items, hasNext), nil
}

// FollowingCollection returns the following summary for a local account.
func (p *Paginator) FollowingCollection(acc *domain.Account) (*OrderedCollection, error) {
	total, err := p.store.CountFollowing(acc.Id)
	if err != nil {
		return nil, err
	}
	return p.collection(FollowingIRI(p.conf.Conf.Domain, acc.Username), total), nil
}

// FollowingPage returns one page of followed actor URIs.
func (p *Paginator) FollowingPage(acc *domain.Account, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page %d", ErrNotFound, page)
	}
	follows, err := p.store.ReadFollowingPage(acc.Id, PageSize+1, (page-1)*PageSize)
	if err != nil {
		return nil, err
	}
	hasNext := len(follows) > PageSize
	if hasNext {
		follows = follows[:PageSize]
	}
	items := p.actorItems(follows, func(f *domain.Follow) uuid.UUID { return f.TargetAccountId })
	return p.page(FollowingIRI(p.conf.Conf.Domain, acc.Username), page, items, hasNext), nil
}

// actorItems resolves follow rows to actor URIs. Rows whose cached
// actor record went missing are skipped rather than failing the page.
func (p *Paginator) actorItems(follows []domain.Follow, side func(*domain.Follow) uuid.UUID) []interface{} {
	items := make([]interface{}, 0, len(follows))
	for i := range follows {
		remote, err := p.store.ReadRemoteAccountById(side(&follows[i]))
		if err != nil {
			log.Warn("Skipping follow without cached actor", "follow", follows[i].URI)
			continue
		}
		items = append(items, remote.ActorURI)
	}
	return items
}
