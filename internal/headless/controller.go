// Package headless implements the headless-session controller: the
// two-step RSA-OAEP handshake, the browser-backed login flow, the session
// registry, cross-replica session migration, and idle reaping.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"foundry-relay/internal/store"
)

// ErrSessionTimeout names the case where the world never connects back
// within the 5-minute wait window. Redeem reports that case as status 408
// with a nil error; it does not return this value.
var ErrSessionTimeout = errors.New("headless: timed out waiting for world to connect")

// ErrForwardTimeout names the case where a cross-replica redemption's
// session_result poll exceeds 10 minutes. Redeem reports that case as
// status 408 with a nil error; it does not return this value.
var ErrForwardTimeout = errors.New("headless: timed out waiting for owning replica")

// ErrSessionNotFound is returned by EndSession for an unknown or already
// ended session id.
var ErrSessionNotFound = errors.New("headless: session not found")

// ConnectionWaiter is satisfied by the socket Registry: the controller uses
// it to block until the browser's world connects back, without importing
// the socket package directly (avoiding a dependency cycle — the socket
// package has no need to know about headless sessions).
type ConnectionWaiter interface {
	// WaitForWorld blocks (bounded by ctx) until a connection with the
	// given worldId and credential appears, returning true on success.
	WaitForWorld(ctx context.Context, worldID, credential string) bool
}

// Controller implements spec.md §4.G end to end.
type Controller struct {
	coord      store.Coordinator
	instanceID string
	browser    Browser
	waiter     ConnectionWaiter
	log        zerolog.Logger

	localMu         sync.Mutex
	localHandshakes map[string]handshakeState // used only when coord == nil

	watchMu       sync.Mutex
	watchedTokens map[string]struct{} // tokens this instance minted, awaiting possible remote redemption

	pagesMu sync.Mutex
	pages   map[string]Page // keyed by Session.Token, only for sessions whose browser lives on this replica

	sessions *sessions
}

// New builds a Controller for this replica.
func New(coord store.Coordinator, instanceID string, browser Browser, waiter ConnectionWaiter, log zerolog.Logger) *Controller {
	return &Controller{
		coord:           coord,
		instanceID:      instanceID,
		browser:         browser,
		waiter:          waiter,
		log:             log.With().Str("component", "headless").Logger(),
		localHandshakes: make(map[string]handshakeState),
		watchedTokens:   make(map[string]struct{}),
		pages:           make(map[string]Page),
		sessions:        newSessions(),
	}
}

// trackForRemoteRedemption records token as one this instance minted, so
// PollPendingSessions knows to watch pending_session:{token} for a
// redemption request forwarded from another replica.
func (c *Controller) trackForRemoteRedemption(token string) {
	c.watchMu.Lock()
	c.watchedTokens[token] = struct{}{}
	c.watchMu.Unlock()
}

func (c *Controller) untrack(token string) {
	c.watchMu.Lock()
	delete(c.watchedTokens, token)
	c.watchMu.Unlock()
}

// LookupByCredential reports the credential's active session, if any, via
// headless_apikey:{k}:session — used by GET /session.
func (c *Controller) LookupByCredential(ctx context.Context, credential string) (*Session, bool) {
	for _, sess := range c.sessions.snapshot() {
		if sess.Credential == credential {
			return sess, true
		}
	}
	if c.coord == nil {
		return nil, false
	}
	sessionID, err := c.coord.Get(ctx, store.HeadlessAPIKeySessionKey(credential))
	if err != nil || sessionID == "" {
		return nil, false
	}
	return c.loadFromStore(ctx, sessionID)
}

// RedeemResult is the Step-2 HTTP handler's response shape.
type RedeemResult struct {
	SessionID string `json:"sessionId"`
	WorldID   string `json:"clientId"`
}

// Redeem implements Step 2. credential is the caller's x-api-key header.
func (c *Controller) Redeem(ctx context.Context, token, credential, encryptedPayloadB64 string) (int, interface{}, error) {
	state, err := c.loadHandshake(ctx, token)
	if err != nil {
		return 401, errBody("handshake not found or expired"), nil
	}
	if state.Credential != credential {
		return 401, errBody("credential mismatch"), nil
	}

	if state.OwningInstance != c.instanceID {
		return c.redeemRemote(ctx, token, encryptedPayloadB64)
	}

	status, body := c.completeRedemption(ctx, state, encryptedPayloadB64)
	return status, body, nil
}

// redeemRemote implements the non-owning replica's half of Step 2: write
// pending_session:{token}, then poll session_result:{token} every 2s up to
// 10 minutes.
func (c *Controller) redeemRemote(ctx context.Context, token, encryptedPayloadB64 string) (int, interface{}, error) {
	if c.coord == nil {
		// No shared store means no other replica could possibly own this
		// handshake; loadHandshake would already have resolved it locally.
		return 401, errBody("handshake not found or expired"), nil
	}

	if err := c.coord.Set(ctx, store.PendingSessionKey(token), encryptedPayloadB64, 300*time.Second); err != nil {
		return 500, errBody("failed to forward redemption"), err
	}

	deadline := time.Now().Add(10 * time.Minute)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 408, errBody("request cancelled"), nil
		case <-ticker.C:
			raw, err := c.coord.Get(ctx, store.SessionResultKey(token))
			if err != nil {
				continue
			}
			var result sessionResultEnvelope
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				continue
			}
			_ = c.coord.Del(ctx, store.SessionResultKey(token))
			return result.StatusCode, result.Data, nil
		}
	}
	return 408, errBody("timed out waiting for owning replica"), nil
}

type sessionResultEnvelope struct {
	StatusCode int         `json:"statusCode"`
	Data       interface{} `json:"data"`
}

// PollPendingSessions is the owning replica's long-lived loop (one of the
// scheduled jobs): for every handshake this instance minted, check whether
// another replica wrote pending_session:{token}; if so, perform the
// redemption and write session_result:{token} back.
func (c *Controller) PollPendingSessions(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context) {
	if c.coord == nil {
		return
	}
	c.watchMu.Lock()
	tokens := make([]string, 0, len(c.watchedTokens))
	for t := range c.watchedTokens {
		tokens = append(tokens, t)
	}
	c.watchMu.Unlock()

	for _, token := range tokens {
		payload, err := c.coord.Get(ctx, store.PendingSessionKey(token))
		if err != nil {
			continue
		}
		_ = c.coord.Del(ctx, store.PendingSessionKey(token))

		state, err := c.loadHandshake(ctx, token)
		if err != nil {
			c.untrack(token)
			continue
		}

		status, body := c.completeRedemption(ctx, state, payload)
		result := sessionResultEnvelope{StatusCode: status, Data: body}
		data, _ := json.Marshal(result)
		_ = c.coord.Set(ctx, store.SessionResultKey(token), string(data), 60*time.Second)
		c.untrack(token)
	}
}

// completeRedemption runs Step 2's steps 3-7 on the owning replica:
// decrypt, launch the browser, drive the login flow, wait for the world to
// connect back, and register the session.
func (c *Controller) completeRedemption(ctx context.Context, state handshakeState, encryptedPayloadB64 string) (int, interface{}) {
	// The handshake is deleted before proceeding regardless of outcome —
	// the one-shot invariant does not wait on login success.
	c.deleteHandshake(ctx, state.Token)
	c.untrack(state.Token)

	payload, err := decryptRedemption(state, encryptedPayloadB64)
	if err != nil {
		if errors.Is(err, ErrNonceMismatch) {
			return 401, errBody("nonce mismatch")
		}
		return 400, errBody("malformed redemption payload")
	}

	userID, err := c.driveLogin(ctx, state, payload.Password)
	if err != nil {
		c.closeBrowserFor(state.Token)
		return 500, errBody(fmt.Sprintf("login automation failed: %v", err))
	}

	worldID := worldIDFor(userID)

	sessionID := uuid.NewString()
	sess := &Session{
		SessionID:      sessionID,
		WorldID:        worldID,
		Credential:     state.Credential,
		OwningInstance: c.instanceID,
		CreatedAt:      time.Now(),
		LastActivity:   time.Now(),
		Token:          state.Token,
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if !c.waiter.WaitForWorld(waitCtx, worldID, state.Credential) {
		c.closeBrowserFor(sess.Token)
		return 408, errBody("timed out waiting for world to connect")
	}

	c.sessions.put(sess)
	c.persist(ctx, sess)

	return 200, RedeemResult{SessionID: sessionID, WorldID: worldID}
}

// closeBrowserFor closes and forgets the Page associated with token, if this
// replica holds one. A no-op on a replica a session migrated away from.
func (c *Controller) closeBrowserFor(token string) {
	c.pagesMu.Lock()
	page, ok := c.pages[token]
	delete(c.pages, token)
	c.pagesMu.Unlock()
	if ok {
		_ = page.Close(context.Background())
	}
}

// HandleMigration is invoked whenever a world reconnects to this replica
// and a headless session already exists for it, owned by some other
// instance (spec.md §4.G, session migration). It rewrites the session's
// owningInstance and coordination-store pointers to this replica; the
// browser itself is left running wherever it was launched, since a
// relay replica only proxies the socket, never the DevTools connection.
func (c *Controller) HandleMigration(ctx context.Context, worldID string) {
	sess, ok := c.loadSessionByWorld(ctx, worldID)
	if !ok || sess.OwningInstance == c.instanceID {
		return
	}
	sess.OwningInstance = c.instanceID
	sess.LastActivity = time.Now()
	c.sessions.put(sess)
	c.persist(ctx, sess)
	c.log.Info().Str("worldId", worldID).Str("sessionId", sess.SessionID).Msg("headless session migrated")
}

// loadSessionByWorld checks the local registry first (this replica may
// already host the session, e.g. after a prior migration), then falls back
// to the coordination store's headless_client:{worldId} pointer.
func (c *Controller) loadSessionByWorld(ctx context.Context, worldID string) (*Session, bool) {
	if sess, ok := c.sessions.byWorldID(worldID); ok {
		return sess, true
	}
	if c.coord == nil {
		return nil, false
	}
	sessionID, err := c.coord.Get(ctx, store.HeadlessClientKey(worldID))
	if err != nil || sessionID == "" {
		return nil, false
	}
	return c.loadFromStore(ctx, sessionID)
}

// Touch refreshes a session's LastActivity when its world sends or
// receives relay traffic, delaying the idle sweep.
func (c *Controller) Touch(worldID string) {
	if sess, ok := c.sessions.byWorldID(worldID); ok {
		sess.touch()
	}
}

// RunIdleSweepLoop periodically closes sessions that have had no activity
// for idleTimeout, per spec.md §4.G. Runs until stop is closed.
func (c *Controller) RunIdleSweepLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepIdle(ctx)
		}
	}
}

func (c *Controller) sweepIdle(ctx context.Context) {
	now := time.Now()
	for _, sess := range c.sessions.snapshot() {
		if now.Sub(sess.LastActivity) < idleTimeout {
			continue
		}
		c.log.Info().Str("sessionId", sess.SessionID).Str("worldId", sess.WorldID).Msg("closing idle headless session")
		c.closeBrowserFor(sess.Token)
		c.sessions.remove(sess.SessionID)
		c.deleteFromStore(ctx, sess)
	}
}

// EndSession implements the explicit end-session endpoint: the caller must
// present the credential that owns sessionID.
func (c *Controller) EndSession(ctx context.Context, sessionID, credential string) error {
	sess, ok := c.sessions.get(sessionID)
	if !ok {
		sess, ok = c.loadFromStore(ctx, sessionID)
	}
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Credential != credential {
		return ErrCredentialMismatch
	}
	c.closeBrowserFor(sess.Token)
	c.sessions.remove(sessionID)
	c.deleteFromStore(ctx, sess)
	return nil
}

func (c *Controller) driveLogin(ctx context.Context, state handshakeState, password string) (userID string, err error) {
	page, err := c.browser.Launch(ctx, LaunchOptions{
		ExecutablePath: "", // resolved by the Browser implementation from PUPPETEER_EXECUTABLE_PATH
		DestinationURL: state.DestinationURL,
	})
	if err != nil {
		return "", err
	}

	c.pagesMu.Lock()
	c.pages[state.Token] = page
	c.pagesMu.Unlock()

	for _, selector := range overlayDismissSelectors {
		_ = page.Click(ctx, selector)
	}

	if state.WorldName != "" {
		if err := page.ClickText(ctx, worldListSelector, state.WorldName); err != nil {
			return "", fmt.Errorf("select world %q: %w", state.WorldName, err)
		}
	}

	if err := page.WaitForSelector(ctx, userSelectSelector, 10*time.Second); err == nil {
		userID, err = page.SelectByVisibleText(ctx, userSelectSelector, state.Username)
		if err != nil {
			return "", err
		}
	} else {
		if err := page.Type(ctx, usernameInputSelector, state.Username); err != nil {
			return "", err
		}
		userID = state.Username
	}

	if err := page.Type(ctx, passwordInputSelector, password); err != nil {
		return "", err
	}
	if err := page.Click(ctx, submitSelector); err != nil {
		return "", err
	}
	if err := page.WaitForSelector(ctx, inGameSelector, 30*time.Second); err != nil {
		return "", fmt.Errorf("in-game view never appeared: %w", err)
	}

	return userID, nil
}

// The fixed selector list spec.md §4.G references without naming; a
// production build would source these from the downstream world's actual
// markup. Named here so driveLogin reads as intent rather than magic
// strings.
var overlayDismissSelectors = []string{
	"#pause button.dialog-close",
	".notification .close",
	"#tour-center-step button.step-close",
}

const (
	worldListSelector     = "#setup-configuration .world .world-title"
	userSelectSelector    = "select[name=userid]"
	usernameInputSelector = "input[name=userid]"
	passwordInputSelector = "input[name=password]"
	submitSelector        = "button[type=submit]"
	inGameSelector        = "#board, #interface"
)

func errBody(message string) map[string]string {
	return map[string]string{"error": message}
}
