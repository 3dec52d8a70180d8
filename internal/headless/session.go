package headless

import (
	"context"
	"sync"
	"time"

	"foundry-relay/internal/store"
)

const sessionTTL = 3 * time.Hour // 10800s, per the coordination-key schema
const idleTimeout = 10 * time.Minute
const idleSweepInterval = 60 * time.Second

// Session is the headless-session record: a relay-hosted browser logged
// into a world so the world maintains a socket back to the relay.
type Session struct {
	SessionID      string
	WorldID        string
	Credential     string
	OwningInstance string
	CreatedAt      time.Time
	LastActivity   time.Time

	// Token is the handshake token that produced this session. The
	// controller keys its live-Page map by it so the browser can be
	// closed (idle sweep, EndSession, a failed wait) without needing a
	// Page field here — Session crosses the migration boundary to other
	// replicas where no Page exists at all.
	Token string
}

// touch refreshes LastActivity, called whenever the session's world sends
// or receives relay traffic.
func (s *Session) touch() { s.LastActivity = time.Now() }

// sessions is the process-local map of sessions hosted by this replica.
// Sessions carry no browser handle: the Page of a session whose browser
// runs here lives in Controller.pages, keyed by Token, and a session that
// migrated here (see Controller.HandleMigration) has no entry there.
type sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func newSessions() *sessions { return &sessions{m: make(map[string]*Session)} }

func (s *sessions) put(sess *Session) {
	s.mu.Lock()
	s.m[sess.SessionID] = sess
	s.mu.Unlock()
}

func (s *sessions) get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[sessionID]
	return sess, ok
}

func (s *sessions) byWorldID(worldID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.m {
		if sess.WorldID == worldID {
			return sess, true
		}
	}
	return nil, false
}

func (s *sessions) remove(sessionID string) {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
}

func (s *sessions) snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.m))
	for _, sess := range s.m {
		out = append(out, sess)
	}
	return out
}

// persist writes the session's fields and the three lookup pointers to the
// coordination store, each with the 10800s headless_* TTL (spec.md §3).
func (c *Controller) persist(ctx context.Context, sess *Session) {
	if c.coord == nil {
		return
	}
	fields := map[string]string{
		"sessionId":      sess.SessionID,
		"worldId":        sess.WorldID,
		"credential":     sess.Credential,
		"owningInstance": sess.OwningInstance,
		"createdAt":      sess.CreatedAt.Format(time.RFC3339),
		"lastActivity":   sess.LastActivity.Format(time.RFC3339),
		"token":          sess.Token,
	}
	_ = c.coord.HSet(ctx, store.HeadlessSessionKey(sess.SessionID), fields, sessionTTL)
	_ = c.coord.Set(ctx, store.HeadlessClientKey(sess.WorldID), sess.SessionID, sessionTTL)
	_ = c.coord.Set(ctx, store.HeadlessAPIKeySessionKey(sess.Credential), sess.SessionID, sessionTTL)
}

func (c *Controller) loadFromStore(ctx context.Context, sessionID string) (*Session, bool) {
	if c.coord == nil {
		return nil, false
	}
	fields, err := c.coord.HGetAll(ctx, store.HeadlessSessionKey(sessionID))
	if err != nil || len(fields) == 0 {
		return nil, false
	}
	createdAt, _ := time.Parse(time.RFC3339, fields["createdAt"])
	lastActivity, _ := time.Parse(time.RFC3339, fields["lastActivity"])
	return &Session{
		SessionID:      sessionID,
		WorldID:        fields["worldId"],
		Credential:     fields["credential"],
		OwningInstance: fields["owningInstance"],
		CreatedAt:      createdAt,
		LastActivity:   lastActivity,
		Token:          fields["token"],
	}, true
}

func (c *Controller) deleteFromStore(ctx context.Context, sess *Session) {
	if c.coord == nil {
		return
	}
	_ = c.coord.Del(ctx, store.HeadlessSessionKey(sess.SessionID))
	_ = c.coord.Del(ctx, store.HeadlessClientKey(sess.WorldID))
	_ = c.coord.Del(ctx, store.HeadlessAPIKeySessionKey(sess.Credential))
}

// worldIDFor derives worldId = "foundry-" + userId, per spec.md §3.
func worldIDFor(userID string) string { return "foundry-" + userID }
