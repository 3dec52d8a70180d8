package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"foundry-relay/internal/userstore"
)

// handleStatus is GET /api/status — unauthenticated liveness.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"instance":      s.instanceID,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"connectedWorlds": s.registry.Count(),
	})
}

// handleHealth is GET /api/health — used by load balancers; distinguishes
// degraded (store unreachable) from healthy.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.registry.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "degraded", "error": "coordination store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDocs is GET /api/docs — a minimal machine-readable endpoint
// catalogue; full prose documentation is out of scope (spec.md §1).
func (s *Server) handleDocs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoints": []string{
			"/relay (socket upgrade)",
			"/register", "/clients",
			"/search", "/get", "/structure", "/contents/:path",
			"/create", "/update", "/delete",
			"/rolls", "/lastroll", "/roll",
			"/sheet",
			"/macros", "/macro/:uuid/execute",
			"/encounters", "/start-encounter", "/next-turn", "/next-round",
			"/last-turn", "/last-round", "/end-encounter",
			"/add-to-encounter", "/remove-from-encounter",
			"/kill", "/increase", "/decrease", "/give", "/select", "/selected",
			"/file-system", "/upload", "/download", "/execute-js",
			"/session-handshake", "/start-session", "/session", "/end-session",
			"/proxy-asset/*path",
		},
	})
}

// handleRegister is POST /register — unauthenticated; mints a new user and
// a 16-byte hex credential.
func (s *Server) handleRegister(c *gin.Context) {
	var body struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.users.Create(c.Request.Context(), body.Email)
	if err != nil {
		if errors.Is(err, userstore.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register user"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"credential": user.Credential,
		"email":      user.Email,
	})
}

// handleClients is GET /clients — worlds visible under the caller's
// credential, union of the coordination store and local registry.
func (s *Server) handleClients(c *gin.Context) {
	credential := credentialOf(c)
	ids := s.registry.UnionConnectedFor(c.Request.Context(), credential)
	c.JSON(http.StatusOK, gin.H{
		"total":   len(ids),
		"clients": ids,
	})
}
