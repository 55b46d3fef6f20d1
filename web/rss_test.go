package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okko/fennica/domain"
)

func TestFeed(t *testing.T) {
	s, store := setupWebTest(t)
	acc, _ := store.CreateAccount("alice")
	store.CreateNote(acc.Id, "first post", domain.VisibilityPublic, "")
	store.CreateNote(acc.Id, "followers only", domain.VisibilityFollowers, "")

	req := httptest.NewRequest("GET", "https://fennica.test/feed/alice", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/atom+xml") {
		t.Errorf("Unexpected content type %q", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, "first post") {
		t.Error("Feed must contain the public note")
	}
	// Non-public notes never leak through the feed
	if strings.Contains(body, "followers only") {
		t.Error("Feed must not contain followers-only notes")
	}
}

func TestFeedUnknownUser(t *testing.T) {
	s, _ := setupWebTest(t)

	req := httptest.NewRequest("GET", "https://fennica.test/feed/nobody", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
