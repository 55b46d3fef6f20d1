package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/okko/fennica/domain"
)

// MaxClockSkew bounds how far the Date header may drift from local
// time before a signed request is rejected.
const MaxClockSkew = 12 * time.Hour

// SignRequest signs an outgoing HTTP request with the given private
// key, adding Digest over body when one is present.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	headers := []string{"(request-target)", "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// SigBlock is the parsed content of a Signature (or Authorization:
// Signature) header: key id, algorithm, covered headers, raw signature.
type SigBlock struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ActorURI returns the key owner's actor URI, i.e. the keyId with any
// #fragment stripped.
func (b *SigBlock) ActorURI() string {
	return strings.SplitN(b.KeyID, "#", 2)[0]
}

var sigParamRe = regexp.MustCompile(`(keyId|algorithm|headers|signature)="([^"]*)"`)

// ParseSignatureHeader extracts the signature parameters from a raw
// Signature header value. A missing headers list defaults to "date".
func ParseSignatureHeader(header string) (*SigBlock, error) {
	header = strings.TrimPrefix(strings.TrimSpace(header), "Signature ")
	if header == "" {
		return nil, fmt.Errorf("%w: empty signature header", ErrAuthentication)
	}

	block := &SigBlock{}
	for _, m := range sigParamRe.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "keyId":
			block.KeyID = m[2]
		case "algorithm":
			block.Algorithm = m[2]
		case "headers":
			block.Headers = strings.Fields(m[2])
		case "signature":
			block.Signature = m[2]
		}
	}

	if block.KeyID == "" || block.Signature == "" {
		return nil, fmt.Errorf("%w: signature header missing keyId or signature", ErrAuthentication)
	}
	if len(block.Headers) == 0 {
		block.Headers = []string{"date"}
	}
	return block, nil
}

// Verifier validates HTTP signatures on inbound requests, resolving
// the signing actor's key on demand.
type Verifier struct {
	resolver *Resolver
}

func NewVerifier(resolver *Resolver) *Verifier {
	return &Verifier{resolver: resolver}
}

// Verify authenticates an inbound request and returns the signing
// actor. Verification is all-or-nothing: an unresolvable key, a
// signature that skips a critical header, a stale Date, a digest
// mismatch or a failed signature all reject the request before any
// side effect.
func (v *Verifier) Verify(req *http.Request, body []byte) (*domain.RemoteAccount, error) {
	raw := req.Header.Get("Signature")
	if raw == "" {
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			raw = auth
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no signature header", ErrAuthentication)
	}

	block, err := ParseSignatureHeader(raw)
	if err != nil {
		return nil, err
	}

	if err := checkCoverage(block, body); err != nil {
		return nil, err
	}

	if err := checkDate(req); err != nil {
		return nil, err
	}

	if err := checkDigest(req, body); err != nil {
		return nil, err
	}

	actor, err := v.resolver.ResolveRemote(req.Context(), block.ActorURI())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownActor, block.ActorURI(), err)
	}

	if err := verifyWithKey(req, actor.PublicKeyPem); err != nil {
		// The cached key may be rotated; refetch the actor once and retry.
		refreshed, rerr := v.resolver.Refresh(req.Context(), block.ActorURI())
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if err := verifyWithKey(req, refreshed.PublicKeyPem); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return refreshed, nil
	}

	return actor, nil
}

func verifyWithKey(req *http.Request, publicKeyPem string) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// checkCoverage rejects signatures that leave critical headers
// unsigned. A header outside the covered list is attacker-controlled
// even when the signature itself verifies, so date and host must
// always be covered, and digest whenever the request carries a body.
func checkCoverage(block *SigBlock, body []byte) error {
	covered := make(map[string]bool, len(block.Headers))
	for _, h := range block.Headers {
		covered[strings.ToLower(h)] = true
	}
	for _, name := range []string{"date", "host"} {
		if !covered[name] {
			return fmt.Errorf("%w: signature does not cover %s", ErrAuthentication, name)
		}
	}
	if len(body) > 0 && !covered["digest"] {
		return fmt.Errorf("%w: signature does not cover digest", ErrAuthentication)
	}
	return nil
}

func checkDate(req *http.Request) error {
	date := req.Header.Get("Date")
	if date == "" {
		return fmt.Errorf("%w: missing date header", ErrAuthentication)
	}
	ts, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: unparseable date header", ErrAuthentication)
	}
	if skew := time.Since(ts); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("%w: date outside clock skew window", ErrAuthentication)
	}
	return nil
}

// checkDigest recomputes the body digest and compares it with the
// Digest header. A request that carries a body must carry a matching
// digest; bodyless requests (OpenWebAuth probes) may omit it.
func checkDigest(req *http.Request, body []byte) error {
	digest := req.Header.Get("Digest")
	if digest == "" {
		if len(body) == 0 {
			return nil
		}
		return fmt.Errorf("%w: missing digest header", ErrAuthentication)
	}
	if !strings.HasPrefix(digest, "SHA-256=") {
		return fmt.Errorf("%w: unsupported digest algorithm", ErrAuthentication)
	}
	hash := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
	if digest != want {
		return fmt.Errorf("%w: digest mismatch", ErrAuthentication)
	}
	return nil
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
