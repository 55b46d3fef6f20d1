package web

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebfingerAcct(t *testing.T) {
	s, store := setupWebTest(t)
	store.CreateAccount("alice")

	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger?resource=acct:alice@fennica.test", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var jrd JRD
	if err := json.Unmarshal(w.Body.Bytes(), &jrd); err != nil {
		t.Fatalf("Unparseable JRD: %v", err)
	}
	if jrd.Subject != "acct:alice@fennica.test" {
		t.Errorf("Unexpected subject %q", jrd.Subject)
	}

	var self string
	for _, link := range jrd.Links {
		if link.Rel == "self" {
			self = link.Href
		}
	}
	if self != "https://fennica.test/users/alice" {
		t.Errorf("Unexpected self link %q", self)
	}
}

func TestWebfingerActorURI(t *testing.T) {
	s, store := setupWebTest(t)
	store.CreateAccount("alice")

	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger?resource=https://fennica.test/users/alice", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for actor URI resource, got %d", w.Code)
	}
}

func TestWebfingerForeignHost(t *testing.T) {
	s, store := setupWebTest(t)
	store.CreateAccount("alice")

	// A resource on another host is a plain not-found, never answered
	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger?resource=acct:alice@other.example", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for foreign host, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unparseable body: %v", err)
	}
	if body["detail"] != "Not Found" {
		t.Errorf("Unexpected error body %v", body)
	}
}

func TestWebfingerUnknownUser(t *testing.T) {
	s, _ := setupWebTest(t)

	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger?resource=acct:nobody@fennica.test", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestWebfingerMissingResource(t *testing.T) {
	s, _ := setupWebTest(t)

	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without resource, got %d", w.Code)
	}
}

func TestWebfingerXRDNegotiation(t *testing.T) {
	s, store := setupWebTest(t)
	store.CreateAccount("alice")

	req := httptest.NewRequest("GET", "https://fennica.test/.well-known/webfinger?resource=acct:alice@fennica.test", nil)
	req.Header.Set("Accept", "application/xrd+xml")
	w := serve(t, s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/xrd+xml") {
		t.Errorf("Expected XRD content type, got %q", w.Header().Get("Content-Type"))
	}

	var xrd XRD
	if err := xml.Unmarshal(w.Body.Bytes(), &xrd); err != nil {
		t.Fatalf("Unparseable XRD: %v", err)
	}
	if xrd.Subject != "acct:alice@fennica.test" {
		t.Errorf("Unexpected subject %q", xrd.Subject)
	}
}

func TestLegacyXRDEndpoint(t *testing.T) {
	s, store := setupWebTest(t)
	store.CreateAccount("alice")

	req := httptest.NewRequest("GET", "https://fennica.test/xrd?uri=acct:alice@fennica.test", nil)
	w := serve(t, s, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var xrd XRD
	if err := xml.Unmarshal(w.Body.Bytes(), &xrd); err != nil {
		t.Fatalf("Unparseable XRD: %v", err)
	}
	if len(xrd.Links) == 0 {
		t.Error("XRD must carry discovery links")
	}
}
