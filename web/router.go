package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
	"golang.org/x/time/rate"
)

// Server wires the federation components behind the HTTP surface.
type Server struct {
	conf        *util.AppConfig
	store       *db.DB
	resolver    *activitypub.Resolver
	verifier    *activitypub.Verifier
	receiver    *activitypub.Receiver
	transmitter *activitypub.Transmitter
	paginator   *activitypub.Paginator
}

func NewServer(conf *util.AppConfig, store *db.DB) *Server {
	resolver := activitypub.NewResolver(store, conf)
	transmitter := activitypub.NewTransmitter(store, conf)
	return &Server{
		conf:        conf,
		store:       store,
		resolver:    resolver,
		verifier:    activitypub.NewVerifier(resolver),
		receiver:    activitypub.NewReceiver(store, conf, resolver, transmitter),
		transmitter: transmitter,
		paginator:   activitypub.NewPaginator(store, conf),
	}
}

// Engine builds the gin router with all routes and middleware attached.
func (s *Server) Engine() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limit: 10 requests per second per IP, burst of 20
	g.Use(rateLimit(rate.Limit(10), 20))

	// Stricter rate limit and a 1MB body cap for delivery endpoints
	inboxLimiter := rateLimit(rate.Limit(5), 10)
	maxBodySize := limitBody(1 * 1024 * 1024)

	g.POST("/inbox", inboxLimiter, maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, "")
	})
	g.POST("/inbox/:nickname", inboxLimiter, maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, c.Param("nickname"))
	})
	g.POST("/users/:nickname/inbox", inboxLimiter, maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, c.Param("nickname"))
	})

	g.GET("/users/:nickname", s.handleActor)
	g.GET("/users/:nickname/outbox", s.handleOutbox)
	g.GET("/users/:nickname/followers", s.handleFollowers)
	g.GET("/users/:nickname/following", s.handleFollowing)
	g.GET("/outbox/:nickname", s.handleOutbox)
	g.GET("/followers/:nickname", s.handleFollowers)
	g.GET("/following/:nickname", s.handleFollowing)

	g.GET("/objects/:id", s.handleObject)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/xrd", s.handleXRD)
	g.GET("/.well-known/nodeinfo", s.handleWellKnownNodeinfo)
	g.GET("/nodeinfo/:version", s.handleNodeinfo)

	g.POST("/owa", inboxLimiter, s.handleOwa)

	g.GET("/feed/:nickname", s.handleFeed)

	return g
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	log.Info("Starting federation server", "addr", addr, "domain", s.conf.Conf.Domain)
	return s.Engine().Run(addr)
}

// statusFor maps the federation error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, activitypub.ErrAuthentication),
		errors.Is(err, activitypub.ErrUnknownActor):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrGone):
		return http.StatusGone
	case errors.Is(err, activitypub.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleInbox runs one delivery through the receiver. nickname is
// empty for the shared inbox.
func (s *Server) handleInbox(c *gin.Context, nickname string) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Bad Request"})
		return
	}

	if err := s.receiver.Receive(c.Request, body, nickname); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("Inbox processing failed", "err", err)
		} else {
			log.Debug("Inbox delivery rejected", "status", status, "err", err)
		}
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}

	c.Status(http.StatusAccepted)
}

// localAccount resolves the nickname path parameter, writing the error
// response itself when the account is unavailable.
func (s *Server) localAccount(c *gin.Context) *domain.Account {
	acc, err := s.resolver.ResolveLocal(c.Param("nickname"))
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return nil
	}
	return acc
}

// collectionPage parses the ?page query, 0 meaning the summary document.
func collectionPage(c *gin.Context) (int, bool) {
	raw := c.Query("page")
	if raw == "" {
		return 0, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

func (s *Server) handleOutbox(c *gin.Context) {
	s.handleCollection(c,
		func(acc *domain.Account) (interface{}, error) { return s.paginator.OutboxCollection(acc) },
		func(acc *domain.Account, page int) (interface{}, error) { return s.paginator.OutboxPage(acc, page) },
	)
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleCollection(c,
		func(acc *domain.Account) (interface{}, error) { return s.paginator.FollowersCollection(acc) },
		func(acc *domain.Account, page int) (interface{}, error) {
			return s.paginator.FollowersPage(acc, page)
		},
	)
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleCollection(c,
		func(acc *domain.Account) (interface{}, error) { return s.paginator.FollowingCollection(acc) },
		func(acc *domain.Account, page int) (interface{}, error) {
			return s.paginator.FollowingPage(acc, page)
		},
	)
}

func (s *Server) handleCollection(
	c *gin.Context,
	summary func(*domain.Account) (interface{}, error),
	paged func(*domain.Account, int) (interface{}, error),
) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}

	page, ok := collectionPage(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	var doc interface{}
	var err error
	if page == 0 {
		doc, err = summary(acc)
	} else {
		doc, err = paged(acc, page)
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("Failed to build collection", "nickname", acc.Username, "err", err)
		}
		c.JSON(status, gin.H{"detail": http.StatusText(status)})
		return
	}

	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, doc)
}
