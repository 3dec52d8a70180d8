// Package api wires up the Gin HTTP router with all handler functions: the
// relay's HTTP surface (spec §4.H), binding the socket registry, the
// pending-request registry, the router, auth, and the headless controller
// to the REST endpoint catalogue and the /relay socket upgrade.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"foundry-relay/internal/auth"
	"foundry-relay/internal/headless"
	"foundry-relay/internal/pending"
	"foundry-relay/internal/relaymsg"
	"foundry-relay/internal/router"
	"foundry-relay/internal/sanitize"
	"foundry-relay/internal/scriptfilter"
	"foundry-relay/internal/socket"
	"foundry-relay/internal/userstore"
)

// Server holds every dependency a handler needs.
type Server struct {
	registry   *socket.Registry
	pendingReg *pending.Registry
	routerSvc  *router.Router
	accounting *auth.Accounting
	headlessC  *headless.Controller
	users      userstore.Store
	instanceID string
	startedAt  time.Time
	log        zerolog.Logger
}

// New builds a Server.
func New(registry *socket.Registry, pendingReg *pending.Registry, routerSvc *router.Router, accounting *auth.Accounting, headlessC *headless.Controller, users userstore.Store, instanceID string, log zerolog.Logger) *Server {
	return &Server{
		registry:   registry,
		pendingReg: pendingReg,
		routerSvc:  routerSvc,
		accounting: accounting,
		headlessC:  headlessC,
		users:      users,
		instanceID: instanceID,
		startedAt:  time.Now(),
		log:        log.With().Str("component", "http").Logger(),
	}
}

// Register mounts every route, applying the forwarding-lookup, auth, and
// usage-accounting middleware in the order spec.md §4.H names.
func (s *Server) Register(r *gin.Engine) {
	r.Use(CORS(), Logger(s.log), Recovery(s.log))

	r.GET("/relay", s.handleSocketUpgrade)

	r.GET("/api/status", s.handleStatus)
	r.GET("/api/docs", s.handleDocs)
	r.GET("/api/health", s.handleHealth)
	r.POST("/register", s.handleRegister)

	// authedNoBilling carries forwarding + authentication but not usage
	// accounting, for the endpoints spec.md §4.E names as non-billable
	// beyond the fully public ones above: the handshake mint still needs to
	// resolve the caller's credential (and forward to the owning replica),
	// it just never charges the quota.
	authedNoBilling := r.Group("/")
	authedNoBilling.Use(s.forwardingMiddleware(), s.authMiddleware())
	authedNoBilling.POST("/session-handshake", s.handleSessionHandshake)

	authed := r.Group("/")
	authed.Use(s.forwardingMiddleware(), s.authMiddleware(), s.accountingMiddleware())

	authed.GET("/clients", s.handleClients)

	authed.GET("/search", s.handleSearch)
	authed.GET("/get", s.handleGet)
	authed.GET("/structure", s.handleStructure)
	authed.GET("/contents/:path", s.handleContents)

	authed.POST("/create", s.handleCreate)
	authed.PUT("/update", s.handleUpdate)
	authed.DELETE("/delete", s.handleDeleteEntity)

	authed.GET("/rolls", s.handleRolls)
	authed.GET("/lastroll", s.handleLastRoll)
	authed.POST("/roll", s.handleRoll)

	authed.GET("/sheet", s.handleSheet)

	authed.GET("/macros", s.handleMacros)
	authed.POST("/macro/:uuid/execute", s.handleMacroExecute)

	authed.GET("/encounters", s.handleEncounters)
	authed.POST("/start-encounter", s.handleStartEncounter)
	authed.POST("/next-turn", s.handleNextTurn)
	authed.POST("/next-round", s.handleNextRound)
	authed.GET("/last-turn", s.handleLastTurn)
	authed.GET("/last-round", s.handleLastRound)
	authed.POST("/end-encounter", s.handleEndEncounter)
	authed.POST("/add-to-encounter", s.handleAddToEncounter)
	authed.POST("/remove-from-encounter", s.handleRemoveFromEncounter)

	authed.POST("/kill", s.handleKill)
	authed.POST("/increase", s.handleIncrease)
	authed.POST("/decrease", s.handleDecrease)
	authed.POST("/give", s.handleGive)
	authed.POST("/select", s.handleSelect)
	authed.GET("/selected", s.handleSelected)

	authed.GET("/file-system", s.handleFileSystem)
	authed.POST("/upload", s.handleUpload)
	authed.GET("/download", s.handleDownload)
	authed.POST("/execute-js", s.handleExecuteJS)

	authed.POST("/start-session", s.handleStartSession)
	authed.GET("/session", s.handleGetSession)
	authed.DELETE("/end-session", s.handleEndSession)

	authed.GET("/proxy-asset/*path", s.handleProxyAsset)
}

// deadlines, per the §6 endpoint catalogue.
const (
	deadlineQuick   = 5 * time.Second
	deadlineDefault = 10 * time.Second
	deadlineMacro   = 15 * time.Second
	deadlineUpload  = 30 * time.Second
	deadlineDownload = 20 * time.Second
)

// forwardingMiddleware resolves local-vs-remote ownership for the caller's
// x-api-key credential (apikey:{credential}:instance) and forwards the
// whole request when another replica owns it, aborting this replica's
// handler chain.
func (s *Server) forwardingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("x-api-key")
		forwarded := c.GetHeader(router.ForwardMarkerHeader) != ""

		decision := s.routerSvc.Resolve(c.Request.Context(), credential, forwarded)
		if decision.Local {
			c.Next()
			return
		}

		if err := s.routerSvc.Forward(c.Request.Context(), c.Writer, c.Request, decision.OwnerID); err != nil {
			// Connection to the owning replica failed before any response was
			// written — fall through to a local attempt instead of failing the
			// whole request, per spec.md §4.F. The local handler's own 404/etc.
			// stands in for "still unresolvable"; this middleware only owns the
			// forwarding failure itself, never the terminal status.
			s.log.Warn().Err(err).Str("owner", decision.OwnerID).Msg("forward failed, retrying locally")
			c.Next()
			return
		}
		c.Abort()
	}
}

// authMiddleware resolves x-api-key to a user record, per spec.md §4.E.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("x-api-key")
		user, err := s.accounting.Authenticate(c.Request.Context(), credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing credential"})
			return
		}
		c.Set(contextUserKey, user)
		c.Set(contextCredentialKey, credential)
		c.Next()
	}
}

// accountingMiddleware charges one request against the caller's quota.
func (s *Server) accountingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.MustGet(contextUserKey).(*userstore.User)
		if err := s.accounting.Charge(c.Request.Context(), user); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "quota exceeded"})
			return
		}
		c.Next()
	}
}

const (
	contextUserKey       = "relay.user"
	contextCredentialKey = "relay.credential"
)

func credentialOf(c *gin.Context) string {
	return c.GetString(contextCredentialKey)
}

// relayOptions configures one outbound relay round-trip.
type relayOptions struct {
	kind         relaymsg.Kind
	secondaryKey string
	deadline     time.Duration
	fields       map[string]interface{}

	// respond overrides the default JSON write of a successful reply, for
	// handlers that need to transform the body before it reaches the
	// caller (handleSheet's HTML wrapping). Only called for the success
	// path; errors and timeouts always fall back to plain JSON.
	respond func(c *gin.Context, status int, body interface{})
}

// relay sends an outbound envelope to worldID's connection, awaits the
// correlated reply (or deadline), sanitizes it, and writes the HTTP
// response — the shared body of every operation handler below, per
// spec.md §4.F's local path and §4.D's registry contract.
func (s *Server) relay(c *gin.Context, worldID string, opts relayOptions) {
	conn, ok := s.registry.Get(worldID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":            "client not connected",
			"availableClients": s.registry.LiveWorldIDs(),
		})
		return
	}

	corrID := pending.NewCorrelationID(opts.kind)
	deadline := opts.deadline
	if deadline == 0 {
		deadline = deadlineDefault
	}
	waiter := s.pendingReg.Register(corrID, opts.kind, worldID, opts.secondaryKey, time.Now().Add(deadline))

	msg := map[string]interface{}{
		"type":          string(opts.kind),
		"correlationId": corrID,
	}
	for k, v := range opts.fields {
		msg[k] = v
	}

	if !conn.Send(msg) {
		s.pendingReg.Cancel(corrID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deliver request to world"})
		return
	}

	select {
	case result := <-waiter.Done():
		body := sanitize.Body(result.Body)
		if opts.respond != nil && result.StatusCode < 300 {
			opts.respond(c, result.StatusCode, body)
			return
		}
		c.JSON(result.StatusCode, body)
	case <-time.After(deadline):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": fmt.Sprintf("%s request timed out", opts.kind)})
	}
}

// scriptCheck rejects body if it trips the script filter (macro execute,
// execute-js), per spec.md §4.H "Script safety".
func scriptCheck(c *gin.Context, body string) bool {
	if ok, matched := scriptfilter.Check(body); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Script contains forbidden patterns",
			"suggestion": fmt.Sprintf("remove or rewrite the portion matching %q", matched),
		})
		return false
	}
	return true
}
