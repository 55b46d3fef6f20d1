package web

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/domain"
)

const (
	jrdContentType = "application/jrd+json; charset=utf-8"
	xrdContentType = "application/xrd+xml; charset=utf-8"
)

// JRD is the JSON resource descriptor served by webfinger.
type JRD struct {
	Subject string    `json:"subject"`
	Aliases []string  `json:"aliases,omitempty"`
	Links   []JRDLink `json:"links"`
}

type JRDLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// XRD is the legacy XML rendition of the same descriptor.
type XRD struct {
	XMLName xml.Name  `xml:"XRD"`
	Xmlns   string    `xml:"xmlns,attr"`
	Subject string    `xml:"Subject"`
	Aliases []string  `xml:"Alias"`
	Links   []XRDLink `xml:"Link"`
}

type XRDLink struct {
	Rel      string `xml:"rel,attr"`
	Type     string `xml:"type,attr,omitempty"`
	Href     string `xml:"href,attr,omitempty"`
	Template string `xml:"template,attr,omitempty"`
}

// resolveResource maps a webfinger resource to a local account. Both
// the acct: form and the actor URI form are accepted; a foreign host
// is a plain not-found, never a redirect.
func (s *Server) resolveResource(resource string) (*domain.Account, error) {
	dom := s.conf.Conf.Domain
	var username string

	switch {
	case strings.HasPrefix(resource, "acct:"):
		handle := strings.TrimPrefix(resource, "acct:")
		parts := strings.SplitN(handle, "@", 2)
		if len(parts) != 2 || parts[1] != dom {
			return nil, fmt.Errorf("%w: resource %q", activitypub.ErrNotFound, resource)
		}
		username = parts[0]
	case strings.HasPrefix(resource, fmt.Sprintf("https://%s/users/", dom)):
		username = strings.TrimPrefix(resource, fmt.Sprintf("https://%s/users/", dom))
	default:
		return nil, fmt.Errorf("%w: resource %q", activitypub.ErrNotFound, resource)
	}

	if username == "" {
		return nil, fmt.Errorf("%w: resource %q", activitypub.ErrNotFound, resource)
	}
	return s.resolver.ResolveLocal(username)
}

func (s *Server) buildJRD(acc *domain.Account) *JRD {
	dom := s.conf.Conf.Domain
	actorURI := activitypub.ActorIRI(dom, acc.Username)
	jrd := &JRD{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, dom),
		Aliases: []string{actorURI},
		Links: []JRDLink{
			{
				Rel:  "self",
				Type: activitypub.ContentType,
				Href: actorURI,
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: actorURI,
			},
			{
				Rel:  "http://schemas.google.com/g/2010#updates-from",
				Type: "application/atom+xml",
				Href: fmt.Sprintf("https://%s/feed/%s", dom, acc.Username),
			},
			{
				Rel:      "http://ostatus.org/schema/1.0/subscribe",
				Template: fmt.Sprintf("https://%s/follow?url={uri}", dom),
			},
		},
	}
	if acc.AvatarURL != "" {
		jrd.Links = append(jrd.Links, JRDLink{
			Rel:  "http://webfinger.net/rel/avatar",
			Href: acc.AvatarURL,
		})
	}
	if magicKey, err := magicPublicKey(acc.WebPublicKey); err == nil {
		jrd.Links = append(jrd.Links, JRDLink{
			Rel:  "magic-public-key",
			Href: magicKey,
		})
	}
	return jrd
}

// magicPublicKey renders the account key in the salmon
// "data:application/magic-public-key" encoding used by legacy
// discovery clients.
func magicPublicKey(publicKeyPem string) (string, error) {
	pubKey, err := activitypub.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	n := base64.RawURLEncoding.EncodeToString(pubKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pubKey.E)).Bytes())
	return fmt.Sprintf("data:application/magic-public-key,RSA.%s.%s", n, e), nil
}

func jrdToXRD(jrd *JRD) *XRD {
	x := &XRD{
		Xmlns:   "http://docs.oasis-open.org/ns/xri/xrd-1.0",
		Subject: jrd.Subject,
		Aliases: jrd.Aliases,
	}
	for _, l := range jrd.Links {
		x.Links = append(x.Links, XRDLink{Rel: l.Rel, Type: l.Type, Href: l.Href, Template: l.Template})
	}
	return x
}

// handleWebfinger serves GET /.well-known/webfinger. The Accept header
// picks the XRD rendition; everything else gets JRD.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	acc, err := s.resolveResource(resource)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"detail": "Not Found"})
		return
	}

	jrd := s.buildJRD(acc)
	if strings.Contains(c.GetHeader("Accept"), "application/xrd+xml") {
		c.Header("Content-Type", xrdContentType)
		c.XML(http.StatusOK, jrdToXRD(jrd))
		return
	}
	c.Header("Content-Type", jrdContentType)
	c.JSON(http.StatusOK, jrd)
}

// handleXRD serves the legacy GET /xrd?uri= discovery endpoint.
func (s *Server) handleXRD(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		uri = c.Query("resource")
	}
	if uri == "" {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	acc, err := s.resolveResource(uri)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"detail": "Not Found"})
		return
	}

	c.Header("Content-Type", xrdContentType)
	c.XML(http.StatusOK, jrdToXRD(s.buildJRD(acc)))
}
