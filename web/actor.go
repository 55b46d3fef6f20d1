package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/domain"
)

const activityContentType = "application/activity+json; charset=utf-8"

// wantsActivityJSON reports whether the client negotiated for the
// ActivityPub rendition of a resource.
func wantsActivityJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json")
}

func (s *Server) buildActorDoc(acc *domain.Account) *activitypub.Actor {
	dom := s.conf.Conf.Domain
	actorURI := activitypub.ActorIRI(dom, acc.Username)
	doc := &activitypub.Actor{
		Context: []string{
			activitypub.ActivityStreamsContext,
			activitypub.SecurityContext,
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              acc.DisplayName,
		Summary:           acc.Summary,
		Inbox:             activitypub.InboxIRI(dom, acc.Username),
		Outbox:            activitypub.OutboxIRI(dom, acc.Username),
		Followers:         activitypub.FollowersIRI(dom, acc.Username),
		Following:         activitypub.FollowingIRI(dom, acc.Username),
		URL:               actorURI,
		Discoverable:      true,
		Endpoints: &activitypub.Endpoints{
			SharedInbox: activitypub.SharedInboxIRI(dom),
		},
		PublicKey: activitypub.PublicKey{
			ID:           activitypub.KeyIRI(dom, acc.Username),
			Owner:        actorURI,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
	if acc.AvatarURL != "" {
		doc.Icon = &activitypub.Image{Type: "Image", URL: acc.AvatarURL}
	}
	return doc
}

// handleActor serves GET /users/:nickname. Tombstoned accounts answer
// 410 with a Tombstone document so remotes stop retrying deliveries.
func (s *Server) handleActor(c *gin.Context) {
	nickname := c.Param("nickname")
	acc, err := s.resolver.ResolveLocal(nickname)
	if err != nil {
		if errors.Is(err, activitypub.ErrGone) {
			c.Header("Content-Type", activityContentType)
			c.JSON(http.StatusGone, s.actorTombstone(acc))
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, s.buildActorDoc(acc))
}

func (s *Server) actorTombstone(acc *domain.Account) *activitypub.Tombstone {
	tomb := &activitypub.Tombstone{
		Context:    activitypub.ActivityStreamsContext,
		ID:         activitypub.ActorIRI(s.conf.Conf.Domain, acc.Username),
		Type:       "Tombstone",
		FormerType: "Person",
	}
	if acc.DeletedAt != nil {
		tomb.Deleted = acc.DeletedAt.UTC().Format(time.RFC3339)
	}
	return tomb
}

// handleObject serves GET /objects/:id. ActivityPub clients get the
// note document (410 Tombstone once deleted); browsers get redirected
// to the display page.
func (s *Server) handleObject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	note, err := s.store.ReadNoteId(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	if !wantsActivityJSON(c) {
		c.Redirect(http.StatusFound, fmt.Sprintf("/display/%s", id))
		return
	}

	dom := s.conf.Conf.Domain
	if note.DeletedAt != nil {
		tomb := &activitypub.Tombstone{
			Context:    activitypub.ActivityStreamsContext,
			ID:         activitypub.ObjectIRI(dom, id.String()),
			Type:       "Tombstone",
			FormerType: "Note",
			Deleted:    note.DeletedAt.UTC().Format(time.RFC3339),
		}
		c.Header("Content-Type", activityContentType)
		c.JSON(http.StatusGone, tomb)
		return
	}

	if note.Visibility != domain.VisibilityPublic {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	acc, err := s.resolver.ResolveLocal(note.CreatedBy)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	obj := s.transmitter.BuildNoteObject(acc, note)
	obj.Context = []string{activitypub.ActivityStreamsContext}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, obj)
}
