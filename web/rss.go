package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/domain"
)

const feedPageSize = 50

// handleFeed serves GET /feed/:nickname as an Atom feed of the
// account's public notes.
func (s *Server) handleFeed(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}

	atom, err := s.buildFeed(acc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal Server Error"})
		return
	}

	c.Header("Content-Type", "application/atom+xml; charset=utf-8")
	c.String(http.StatusOK, atom)
}

func (s *Server) buildFeed(acc *domain.Account) (string, error) {
	notes, err := s.store.ReadPublicNotesByUsername(acc.Username, feedPageSize, 0)
	if err != nil {
		return "", err
	}

	dom := s.conf.Conf.Domain
	title := acc.DisplayName
	if title == "" {
		title = acc.Username
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", title, dom),
		Link:        &feeds.Link{Href: activitypub.ActorIRI(dom, acc.Username)},
		Description: acc.Summary,
		Author:      &feeds.Author{Name: acc.Username},
		Created:     acc.CreatedAt,
	}
	for i := range notes {
		note := &notes[i]
		item := &feeds.Item{
			Id:      activitypub.ObjectIRI(dom, note.Id.String()),
			Title:   fmt.Sprintf("Note by %s", acc.Username),
			Link:    &feeds.Link{Href: activitypub.ObjectIRI(dom, note.Id.String())},
			Content: note.Message,
			Created: note.CreatedAt,
		}
		if note.EditedAt != nil {
			item.Updated = *note.EditedAt
		}
		feed.Items = append(feed.Items, item)
	}

	return feed.ToAtom()
}
