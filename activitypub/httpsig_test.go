package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/google/uuid"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	}))
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "fennica.test"
	conf.Conf.FetchTimeoutSec = 1
	return conf
}

func setupTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// cacheRemoteActor seeds the actor cache so verification never fetches.
func cacheRemoteActor(t *testing.T, store *db.DB, actorURI, publicKeyPem string) *domain.RemoteAccount {
	t.Helper()
	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  publicKeyPem,
		LastFetchedAt: time.Now(),
	}
	if err := store.CreateRemoteAccount(acc); err != nil {
		t.Fatalf("Failed to cache remote actor: %v", err)
	}
	return acc
}

// signedRequest builds and signs a request the way a remote server would.
func signedRequest(t *testing.T, method, url string, body []byte, key *rsa.PrivateKey, keyId string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, url, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, body, key, keyId); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func TestParseSignatureHeader(t *testing.T) {
	header := `keyId="https://remote.example/users/bob#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="c2ln"`
	block, err := ParseSignatureHeader(header)
	if err != nil {
		t.Fatalf("ParseSignatureHeader failed: %v", err)
	}
	if block.KeyID != "https://remote.example/users/bob#main-key" {
		t.Errorf("Unexpected keyId: %q", block.KeyID)
	}
	if block.Algorithm != "rsa-sha256" {
		t.Errorf("Unexpected algorithm: %q", block.Algorithm)
	}
	if len(block.Headers) != 4 {
		t.Errorf("Expected 4 covered headers, got %d", len(block.Headers))
	}
	if block.ActorURI() != "https://remote.example/users/bob" {
		t.Errorf("Unexpected actor URI: %q", block.ActorURI())
	}
}

func TestParseSignatureHeaderAuthorizationPrefix(t *testing.T) {
	header := `Signature keyId="https://remote.example/users/bob",signature="c2ln"`
	block, err := ParseSignatureHeader(header)
	if err != nil {
		t.Fatalf("ParseSignatureHeader failed: %v", err)
	}
	if block.KeyID != "https://remote.example/users/bob" {
		t.Errorf("Unexpected keyId: %q", block.KeyID)
	}
	// keyId without fragment maps to itself
	if block.ActorURI() != block.KeyID {
		t.Errorf("Unexpected actor URI: %q", block.ActorURI())
	}
}

func TestParseSignatureHeaderDefaultsToDate(t *testing.T) {
	block, err := ParseSignatureHeader(`keyId="https://a.example/u/x",signature="c2ln"`)
	if err != nil {
		t.Fatalf("ParseSignatureHeader failed: %v", err)
	}
	if len(block.Headers) != 1 || block.Headers[0] != "date" {
		t.Errorf("Expected default headers [date], got %v", block.Headers)
	}
}

func TestParseSignatureHeaderMissingKeyId(t *testing.T) {
	if _, err := ParseSignatureHeader(`algorithm="rsa-sha256",signature="c2ln"`); err == nil {
		t.Error("Expected error for missing keyId")
	}
	if _, err := ParseSignatureHeader(""); err == nil {
		t.Error("Expected error for empty header")
	}
}

func TestVerifyRoundtrip(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, "POST", "https://fennica.test/users/alice/inbox", body, key, actorURI+"#main-key")

	verifier := NewVerifier(NewResolver(store, conf))
	actor, err := verifier.Verify(req, body)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if actor.ActorURI != actorURI {
		t.Errorf("Expected actor %q, got %q", actorURI, actor.ActorURI)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, "POST", "https://fennica.test/users/alice/inbox", body, key, actorURI+"#main-key")

	verifier := NewVerifier(NewResolver(store, conf))
	tampered := []byte(`{"type":"Delete"}`)
	_, err := verifier.Verify(req, tampered)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for tampered body, got %v", err)
	}
}

func TestVerifyStaleDate(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://fennica.test/users/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Date", time.Now().Add(-13*time.Hour).UTC().Format(http.TimeFormat))
	req.Header.Set("Host", "fennica.test")
	if err := SignRequest(req, body, key, actorURI+"#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	verifier := NewVerifier(NewResolver(store, conf))
	if _, err := verifier.Verify(req, body); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for stale date, got %v", err)
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	store := setupTestStore(t)
	verifier := NewVerifier(NewResolver(store, testConf()))

	req, _ := http.NewRequest("POST", "https://fennica.test/inbox", nil)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if _, err := verifier.Verify(req, nil); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication, got %v", err)
	}
}

func TestVerifyBodylessAuthorizationHeader(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	// OpenWebAuth probes sign a bodyless request and carry the block
	// in Authorization instead of Signature.
	req := signedRequest(t, "POST", "https://fennica.test/owa", nil, key, actorURI+"#main-key")
	req.Header.Set("Authorization", "Signature "+req.Header.Get("Signature"))
	req.Header.Del("Signature")

	verifier := NewVerifier(NewResolver(store, conf))
	actor, err := verifier.Verify(req, nil)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if actor.ActorURI != actorURI {
		t.Errorf("Expected actor %q, got %q", actorURI, actor.ActorURI)
	}
}

func TestVerifyRejectsUnsignedDigest(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	// A bodyless signature covers only (request-target) host date. An
	// attacker replaying it with their own body and a self-computed
	// Digest header must not authenticate as bob.
	req := signedRequest(t, "POST", "https://fennica.test/users/alice/inbox", nil, key, actorURI+"#main-key")
	forged := []byte(`{"id":"https://remote.example/activities/evil","type":"Delete","actor":"` + actorURI + `"}`)
	hash := sha256.Sum256(forged)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]))
	req.Body = io.NopCloser(bytes.NewReader(forged))

	verifier := NewVerifier(NewResolver(store, conf))
	if _, err := verifier.Verify(req, forged); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for unsigned digest, got %v", err)
	}
}

func TestVerifyRejectsPartialCoverage(t *testing.T) {
	store := setupTestStore(t)
	conf := testConf()

	key := generateTestKeyPair(t)
	actorURI := "https://remote.example/users/bob"
	cacheRemoteActor(t, store, actorURI, publicKeyToPEM(t, &key.PublicKey))

	// A valid signature that covers only (request-target) and date
	// leaves Host unsigned and must be rejected.
	req, err := http.NewRequest("POST", "https://fennica.test/owa", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", "fennica.test")
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	if err := signer.SignRequest(key, actorURI+"#main-key", req, nil); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	verifier := NewVerifier(NewResolver(store, conf))
	if _, err := verifier.Verify(req, nil); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for partial coverage, got %v", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key := generateTestKeyPair(t)
	pemString := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	parsed, err := ParsePrivateKey(pemString)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParsePrivateKeyInvalidPEM(t *testing.T) {
	if _, err := ParsePrivateKey("not a valid PEM"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Error("Expected error for empty string")
	}
}

func TestParsePublicKey(t *testing.T) {
	key := generateTestKeyPair(t)
	parsed, err := ParsePublicKey(publicKeyToPEM(t, &key.PublicKey))
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParsePublicKeyInvalidPEM(t *testing.T) {
	if _, err := ParsePublicKey("not a valid PEM"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
	if _, err := ParsePublicKey(""); err == nil {
		t.Error("Expected error for empty string")
	}
}
