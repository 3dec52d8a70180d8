package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"foundry-relay/internal/headless"
)

// handleSessionHandshake is POST /session-handshake — Step 1 of the
// headless handshake (spec.md §4.G).
func (s *Server) handleSessionHandshake(c *gin.Context) {
	var body struct {
		DestinationURL string `json:"destinationUrl" binding:"required"`
		WorldName      string `json:"worldName"`
		Username       string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.headlessC.Mint(c.Request.Context(), credentialOf(c), body.DestinationURL, body.WorldName, body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint handshake"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStartSession is POST /start-session — Step 2 of the headless
// handshake: redeem the token with the RSA-OAEP encrypted password.
func (s *Server) handleStartSession(c *gin.Context) {
	var body struct {
		Token            string `json:"token" binding:"required"`
		EncryptedPayload string `json:"encryptedPayload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, responseBody, err := s.headlessC.Redeem(c.Request.Context(), body.Token, credentialOf(c), body.EncryptedPayload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session redemption failed"})
		return
	}
	c.JSON(status, responseBody)
}

// handleGetSession is GET /session — reports the caller's active headless
// session, if any.
func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.headlessC.LookupByCredential(c.Request.Context(), credentialOf(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.SessionID, "clientId": sess.WorldID})
}

// handleEndSession is DELETE /end-session?sessionId=.
func (s *Server) handleEndSession(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if err := s.headlessC.EndSession(c.Request.Context(), sessionID, credentialOf(c)); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, headless.ErrCredentialMismatch) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": sessionID})
}
