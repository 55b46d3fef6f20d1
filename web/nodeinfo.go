package web

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/okko/fennica/util"
)

const (
	nodeinfoSchema10 = "http://nodeinfo.diaspora.software/ns/schema/1.0"
	nodeinfoSchema20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"
)

type nodeinfoUsage struct {
	Users      nodeinfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type nodeinfoUsers struct {
	Total int `json:"total"`
}

type nodeinfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

// handleWellKnownNodeinfo serves GET /.well-known/nodeinfo, the link
// document pointing at both schema versions.
func (s *Server) handleWellKnownNodeinfo(c *gin.Context) {
	base := s.conf.BaseURL()
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{"rel": nodeinfoSchema10, "href": fmt.Sprintf("%s/nodeinfo/1.0", base)},
			{"rel": nodeinfoSchema20, "href": fmt.Sprintf("%s/nodeinfo/2.0", base)},
		},
	})
}

// handleNodeinfo serves GET /nodeinfo/:version. The 1.0 and 2.0
// documents differ only in the protocols shape.
func (s *Server) handleNodeinfo(c *gin.Context) {
	usage, err := s.usageCounts()
	if err != nil {
		log.Error("Failed to compute nodeinfo usage", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal Server Error"})
		return
	}

	doc := gin.H{
		"software": gin.H{
			"name":    util.Name,
			"version": util.Version,
		},
		"services": nodeinfoServices{
			Inbound:  []string{},
			Outbound: []string{"atom1.0"},
		},
		"usage":             usage,
		"openRegistrations": s.conf.Conf.OpenRegistrations,
		"metadata": gin.H{
			"nodeName": s.conf.Conf.NodeName,
		},
	}

	switch c.Param("version") {
	case "1.0":
		doc["version"] = "1.0"
		doc["protocols"] = gin.H{
			"inbound":  []string{"activitypub"},
			"outbound": []string{"activitypub"},
		}
	case "2.0":
		doc["version"] = "2.0"
		doc["protocols"] = []string{"activitypub"}
	default:
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (s *Server) usageCounts() (*nodeinfoUsage, error) {
	users, err := s.store.CountAccounts()
	if err != nil {
		return nil, err
	}
	posts, err := s.store.CountLocalNotes()
	if err != nil {
		return nil, err
	}
	return &nodeinfoUsage{
		Users:      nodeinfoUsers{Total: users},
		LocalPosts: posts,
	}, nil
}
