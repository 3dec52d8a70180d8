// Package socket implements the client connection manager: one live socket
// per world (Connection), and the process-local registry of those sockets
// (Registry).
package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// staleAfter is how long since lastSeen before a connection is
	// considered dead by isAlive/send.
	staleAfter = 60 * time.Second
	// pingInterval is how often the connection emits a protocol-level ping.
	pingInterval = 20 * time.Second
)

// MessageHandler is invoked for every non-ping inbound frame whose type has
// a registered handler. conn is the originating connection so the handler
// can inspect its worldId/credential.
type MessageHandler func(conn *Connection, raw []byte)

// Conn is the subset of *websocket.Conn the connection needs; it exists so
// tests can substitute a fake transport.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Connection is one live socket to one world.
//
// Ownership: a Connection never holds a pointer back to its owning
// Registry — only the (worldId, credential) pair needed for lookup — so the
// two types cannot form a reference cycle and a Connection can be tested in
// isolation.
type Connection struct {
	WorldID    string
	Credential string
	Metadata   map[string]string

	mu       sync.Mutex
	conn     Conn
	lastSeen time.Time
	closed   bool

	log zerolog.Logger

	onClose func(*Connection)
}

// NewConnection wraps an already-upgraded transport. onClose is invoked
// exactly once, the first time the connection transitions to closed, so the
// Registry can drop it from its maps.
func NewConnection(conn Conn, worldID, credential string, log zerolog.Logger, onClose func(*Connection)) *Connection {
	return &Connection{
		WorldID:    worldID,
		Credential: credential,
		Metadata:   make(map[string]string),
		conn:       conn,
		lastSeen:   time.Now(),
		log:        log.With().Str("worldId", worldID).Logger(),
		onClose:    onClose,
	}
}

// Send writes message as a JSON text frame. It returns false without
// raising when the socket is not open or has gone stale — callers treat
// that as "could not deliver", not as an error worth logging loudly.
func (c *Connection) Send(message interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || time.Since(c.lastSeen) > staleAfter {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal outbound message")
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug().Err(err).Msg("send failed")
		return false
	}
	return true
}

// IsAlive reports whether the connection is open and has been seen
// recently.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && time.Since(c.lastSeen) <= staleAfter
}

// UpdateLastSeen marks the connection as having just been heard from —
// called for every inbound frame, including pings and pongs.
func (c *Connection) UpdateLastSeen() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Disconnect transitions the connection to closed, idempotently, and
// notifies the Registry exactly once.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	_ = c.conn.Close()
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose(c)
	}
}

// RunPingLoop emits a protocol-level ping every pingInterval until the
// connection closes. It is meant to run in its own goroutine.
func (c *Connection) RunPingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !c.Send(map[string]string{"type": "ping"}) {
			return
		}
	}
}

// RunReceiveLoop blocks reading frames until the transport closes or
// errors. Each frame is decoded as a tagged object; type=="ping" is
// answered with a pong and never escalated; everything else updates
// lastSeen and is handed to dispatch. Decode failures are logged and the
// loop continues — a malformed frame never closes the connection.
func (c *Connection) RunReceiveLoop(dispatch func(conn *Connection, msgType string, raw []byte)) {
	defer c.Disconnect()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			c.log.Warn().Err(err).Msg("dropping unparsable frame")
			continue
		}

		c.UpdateLastSeen()

		if head.Type == "ping" {
			c.Send(map[string]string{"type": "pong"})
			continue
		}
		if head.Type == "pong" {
			continue
		}

		dispatch(c, head.Type, raw)
	}
}
