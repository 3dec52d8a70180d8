package socket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/store"
)

// CloseCode enumerates the socket-upgrade rejection codes.
type CloseCode int

const (
	CloseNoClientID          CloseCode = 4001
	CloseNoAuth              CloseCode = 4002
	CloseDuplicateConnection CloseCode = 4004
	CloseInternalError       CloseCode = 4005
)

const (
	credentialTTL  = 0 // credential groups live as long as a member does; no TTL is applied to them
	clientsSetTTL  = 24 * time.Hour
	instancePtrTTL = 24 * time.Hour
	sweepInterval  = 15 * time.Second
)

// Registry is the process-local set of Connections, indexed by worldId and
// grouped by owning credential.
type Registry struct {
	mu          sync.RWMutex
	byWorldID   map[string]*Connection
	byCredential map[string]map[string]struct{} // credential -> set of worldIds

	handlers map[string]MessageHandler

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	// onConnect, if set, fires after a connection is registered — the
	// headless controller uses it to detect a reconnecting world whose
	// session it needs to migrate onto this replica.
	onConnect func(worldID, credential string)

	coord      store.Coordinator
	instanceID string
	log        zerolog.Logger
}

// NewRegistry creates an empty Registry bound to coord for best-effort
// cross-replica bookkeeping.
func NewRegistry(coord store.Coordinator, instanceID string, log zerolog.Logger) *Registry {
	return &Registry{
		byWorldID:    make(map[string]*Connection),
		byCredential: make(map[string]map[string]struct{}),
		handlers:     make(map[string]MessageHandler),
		waiters:      make(map[string][]chan struct{}),
		coord:        coord,
		instanceID:   instanceID,
		log:          logOrDefault(log, "client-registry"),
	}
}

// SetOnConnect registers a callback fired after every successful Add. Only
// the first registration takes effect.
func (r *Registry) SetOnConnect(fn func(worldID, credential string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onConnect == nil {
		r.onConnect = fn
	}
}

func logOrDefault(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// OnMessage registers the handler that owns delivery for a given frame
// type. The first handler registered for a type owns it; later calls for
// the same type are ignored (the startup wiring order decides).
func (r *Registry) OnMessage(msgType string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[msgType]; exists {
		return
	}
	r.handlers[msgType] = handler
}

// Add accepts a newly upgraded connection. It enforces the worldId
// uniqueness invariant: a live existing connection with the same id
// rejects the newcomer; a dead one is evicted first. On success, the
// credential group gains worldId atomically with the insertion, and the
// coordination store is updated best-effort (failures are logged, not
// fatal — spec.md §4.C).
func (r *Registry) Add(conn Conn, worldID, credential string, log zerolog.Logger) (*Connection, CloseCode, bool) {
	if worldID == "" {
		return nil, CloseNoClientID, false
	}
	if credential == "" {
		return nil, CloseNoAuth, false
	}

	r.mu.Lock()
	if existing, ok := r.byWorldID[worldID]; ok {
		if existing.IsAlive() {
			r.mu.Unlock()
			return nil, CloseDuplicateConnection, false
		}
		r.removeLocked(worldID)
	}

	c := NewConnection(conn, worldID, credential, log, r.remove)
	r.byWorldID[worldID] = c
	if r.byCredential[credential] == nil {
		r.byCredential[credential] = make(map[string]struct{})
	}
	r.byCredential[credential][worldID] = struct{}{}
	onConnect := r.onConnect
	r.mu.Unlock()

	r.syncAddToStore(worldID, credential)
	r.notifyWorldID(worldID)
	if onConnect != nil {
		onConnect(worldID, credential)
	}
	return c, 0, true
}

// notifyWorldID wakes every WaitForWorld call blocked on worldID.
func (r *Registry) notifyWorldID(worldID string) {
	r.waitMu.Lock()
	chans := r.waiters[worldID]
	delete(r.waiters, worldID)
	r.waitMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// WaitForWorld blocks until worldID connects with the given credential, ctx
// is cancelled, or it's already connected. Implements the
// headless.ConnectionWaiter interface used by the session controller to
// wait for a freshly logged-in world to establish its socket back.
func (r *Registry) WaitForWorld(ctx context.Context, worldID, credential string) bool {
	if c, ok := r.Get(worldID); ok && c.Credential == credential {
		return true
	}

	ch := make(chan struct{})
	r.waitMu.Lock()
	r.waiters[worldID] = append(r.waiters[worldID], ch)
	r.waitMu.Unlock()

	select {
	case <-ch:
		c, ok := r.Get(worldID)
		return ok && c.Credential == credential
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) syncAddToStore(worldID, credential string) {
	if r.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.coord.Set(ctx, store.ClientInstanceKey(worldID), r.instanceID, instancePtrTTL); err != nil {
		r.log.Warn().Err(err).Str("worldId", worldID).Msg("failed to record client instance pointer")
	}
	if err := r.coord.Set(ctx, store.APIKeyInstanceKey(credential), r.instanceID, instancePtrTTL); err != nil {
		r.log.Warn().Err(err).Str("worldId", worldID).Msg("failed to record apikey instance pointer")
	}
	if err := r.coord.SAdd(ctx, store.APIKeyClientsKey(credential), clientsSetTTL, worldID); err != nil {
		r.log.Warn().Err(err).Str("worldId", worldID).Msg("failed to record credential client set")
	}
	now := time.Now().Format(time.RFC3339)
	if err := r.coord.Set(ctx, store.ClientLastSeenKey(worldID), now, instancePtrTTL); err != nil {
		r.log.Warn().Err(err).Msg("failed to record lastSeen")
	}
	if err := r.coord.Set(ctx, store.ClientConnectedSinceKey(worldID), now, instancePtrTTL); err != nil {
		r.log.Warn().Err(err).Msg("failed to record connectedSince")
	}
}

// remove is the Connection onClose callback: it drops the connection from
// both indexes.
func (r *Registry) remove(c *Connection) {
	r.mu.RLock()
	current, ok := r.byWorldID[c.WorldID]
	r.mu.RUnlock()
	if !ok || current != c {
		return
	}
	r.Remove(c.WorldID)
}

// Remove drops worldID from the registry, restoring the credential group
// invariant (a group with no members no longer exists).
func (r *Registry) Remove(worldID string) {
	r.mu.Lock()
	c, ok := r.byWorldID[worldID]
	r.removeLocked(worldID)
	r.mu.Unlock()

	if r.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.coord.Del(ctx, store.ClientInstanceKey(worldID))
		if ok {
			_ = r.coord.SRem(ctx, store.APIKeyClientsKey(c.Credential), worldID)
		}
	}
}

func (r *Registry) removeLocked(worldID string) {
	c, ok := r.byWorldID[worldID]
	if !ok {
		return
	}
	delete(r.byWorldID, worldID)
	if group, ok := r.byCredential[c.Credential]; ok {
		delete(group, worldID)
		if len(group) == 0 {
			delete(r.byCredential, c.Credential)
		}
	}
}

// Get returns the live Connection for worldID, if any.
func (r *Registry) Get(worldID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byWorldID[worldID]
	return c, ok
}

// ConnectedFor returns the worldIds currently connected under credential on
// this replica only.
func (r *Registry) ConnectedFor(credential string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.byCredential[credential]
	out := make([]string, 0, len(group))
	for id := range group {
		out = append(out, id)
	}
	return out
}

// UnionConnectedFor returns every worldId connected under credential across
// the whole fleet: this replica's own in-process group, unioned with the
// coordination store's client set (which every replica writes to on
// connect, see syncAddToStore). A store read failure just falls back to the
// local view instead of failing the request.
func (r *Registry) UnionConnectedFor(ctx context.Context, credential string) []string {
	local := r.ConnectedFor(credential)
	if r.coord == nil {
		return local
	}

	stored, err := r.coord.SMembers(ctx, store.APIKeyClientsKey(credential))
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read credential client set from store")
		return local
	}

	seen := make(map[string]struct{}, len(local))
	out := make([]string, 0, len(local)+len(stored))
	for _, id := range local {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range stored {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Ping reports whether the backing coordination store is reachable. With no
// store configured (single-instance mode) it always succeeds.
func (r *Registry) Ping(ctx context.Context) error {
	if r.coord == nil {
		return nil
	}
	return r.coord.Ping(ctx)
}

// LiveWorldIDs returns every connected worldId, used for 404 hints.
func (r *Registry) LiveWorldIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byWorldID))
	for id := range r.byWorldID {
		out = append(out, id)
	}
	return out
}

// Dispatch is called by a Connection's receive loop for every non-ping
// frame. If a handler is registered for msgType, it owns delivery;
// otherwise the frame is broadcast to the sender's credential group,
// excluding the sender.
func (r *Registry) Dispatch(conn *Connection, msgType string, raw []byte) {
	r.mu.RLock()
	handler, ok := r.handlers[msgType]
	r.mu.RUnlock()

	if ok {
		handler(conn, raw)
		return
	}
	r.Broadcast(conn.WorldID, raw)
}

// Broadcast fans raw out to every live connection in senderID's credential
// group except the sender, iterating a snapshot so concurrent
// registry mutation cannot invalidate the walk (spec.md §5).
func (r *Registry) Broadcast(senderID string, raw []byte) {
	r.mu.RLock()
	sender, ok := r.byWorldID[senderID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	group := r.byCredential[sender.Credential]
	targets := make([]*Connection, 0, len(group))
	for id := range group {
		if id == senderID {
			continue
		}
		if c, ok := r.byWorldID[id]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var raw2 interface{}
	// Re-marshal is unnecessary; send raw bytes through a passthrough type
	// so Connection.Send's json.Marshal round-trips it unchanged.
	raw2 = rawJSON(raw)
	for _, c := range targets {
		c.Send(raw2)
	}
}

// rawJSON lets already-encoded bytes pass through json.Marshal unchanged.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// Sweep removes every connection that has gone stale. Runs every 15s per
// spec.md §4.C.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var dead []string
	for id, c := range r.byWorldID {
		if !c.IsAlive() {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.log.Info().Str("worldId", id).Msg("sweeping dead connection")
		r.Remove(id)
	}
}

// RunSweepLoop runs Sweep every sweepInterval until ctx is cancelled.
func (r *Registry) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Count returns the number of live connections, for the observability
// surface.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byWorldID)
}
