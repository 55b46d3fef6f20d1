package web

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
)

// OwaTokenTTL bounds how long an issued token stays redeemable.
const OwaTokenTTL = 5 * time.Minute

// handleOwa serves POST /owa: OpenWebAuth token issuance. The visitor
// proves key ownership through the signed request; the one-time token
// goes back encrypted with their public key, so only the key holder
// can redeem it. Every failure is the same opaque {"success":false}.
func (s *Server) handleOwa(c *gin.Context) {
	visitor, err := s.verifier.Verify(c.Request, nil)
	if err != nil {
		log.Debug("OpenWebAuth verification failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}

	token := util.RandomToken(32)
	rec := &domain.OwaToken{
		Id:        uuid.New(),
		Token:     token,
		ActorURI:  visitor.ActorURI,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(OwaTokenTTL),
	}
	if err := s.store.CreateOwaToken(rec); err != nil {
		log.Error("Failed to store OpenWebAuth token", "err", err)
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}

	encrypted, err := encryptForActor(token, visitor.PublicKeyPem)
	if err != nil {
		log.Error("Failed to encrypt OpenWebAuth token", "actor", visitor.ActorURI, "err", err)
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"encrypted_token": encrypted,
	})
}

func encryptForActor(token, publicKeyPem string) (string, error) {
	pubKey, err := activitypub.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pubKey, []byte(token))
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
