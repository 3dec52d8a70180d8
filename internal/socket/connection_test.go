package socket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConn is an in-memory Conn: writes append to sent, reads pop from an
// inbound queue (closing it once drained, unless a read error is armed).
type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	inbound   [][]byte
	readErr   error
	closed    bool
	closeWait chan struct{}
}

func newFakeConn(inbound ...string) *fakeConn {
	raw := make([][]byte, len(inbound))
	for i, s := range inbound {
		raw[i] = []byte(s)
	}
	return &fakeConn{inbound: raw, closeWait: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed conn")
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, errors.New("eof: no more inbound frames")
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return 0, next, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeWait)
	}
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLog() zerolog.Logger { return zerolog.Nop() }

func TestConnection_SendWritesJSONFrame(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)

	if !c.Send(map[string]string{"type": "search"}) {
		t.Fatal("Send should succeed on an open connection")
	}
	if fc.sentCount() != 1 {
		t.Fatalf("expected 1 sent frame, got %d", fc.sentCount())
	}
	var decoded map[string]string
	if err := json.Unmarshal(fc.sent[0], &decoded); err != nil {
		t.Fatalf("sent frame is not valid JSON: %v", err)
	}
	if decoded["type"] != "search" {
		t.Errorf("decoded type = %q, want %q", decoded["type"], "search")
	}
}

func TestConnection_SendFailsWhenClosed(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)
	c.Disconnect()

	if c.Send(map[string]string{"type": "search"}) {
		t.Fatal("Send should fail on a closed connection")
	}
}

func TestConnection_SendFailsWhenStale(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)
	c.lastSeen = time.Now().Add(-2 * staleAfter)

	if c.Send(map[string]string{"type": "search"}) {
		t.Fatal("Send should fail once the connection is stale")
	}
}

func TestConnection_DisconnectIsIdempotentAndNotifiesOnce(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	var calls int
	c := NewConnection(fc, "world1", "cred1", testLog(), func(*Connection) { calls++ })

	c.Disconnect()
	c.Disconnect()
	c.Disconnect()

	if calls != 1 {
		t.Fatalf("onClose called %d times, want 1", calls)
	}
}

func TestConnection_IsAliveReflectsClosedAndStaleState(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)

	if !c.IsAlive() {
		t.Fatal("a fresh connection should be alive")
	}
	c.Disconnect()
	if c.IsAlive() {
		t.Fatal("a disconnected connection should not be alive")
	}

	stale := NewConnection(newFakeConn(), "world2", "cred1", testLog(), nil)
	stale.lastSeen = time.Now().Add(-2 * staleAfter)
	if stale.IsAlive() {
		t.Fatal("a connection silent for longer than staleAfter should not be alive")
	}
}

func TestConnection_RunReceiveLoopAnswersPingAndDispatchesOthers(t *testing.T) {
	t.Parallel()
	fc := newFakeConn(`{"type":"ping"}`, `{"type":"search","correlationId":"c1"}`)
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)

	var dispatched []string
	var mu sync.Mutex
	c.RunReceiveLoop(func(conn *Connection, msgType string, raw []byte) {
		mu.Lock()
		dispatched = append(dispatched, msgType)
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 1 || dispatched[0] != "search" {
		t.Fatalf("dispatched = %v, want exactly [search] (ping must not escalate)", dispatched)
	}
	if fc.sentCount() != 1 {
		t.Fatalf("expected exactly one pong reply, got %d sent frames", fc.sentCount())
	}
}

func TestConnection_RunReceiveLoopSkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	fc := newFakeConn(`not json`, `{"type":"search"}`)
	c := NewConnection(fc, "world1", "cred1", testLog(), nil)

	var dispatched []string
	c.RunReceiveLoop(func(conn *Connection, msgType string, raw []byte) {
		dispatched = append(dispatched, msgType)
	})

	if len(dispatched) != 1 || dispatched[0] != "search" {
		t.Fatalf("dispatched = %v, want exactly [search]", dispatched)
	}
}

func TestConnection_RunReceiveLoopDisconnectsOnReadError(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	var closed bool
	c := NewConnection(fc, "world1", "cred1", testLog(), func(*Connection) { closed = true })

	c.RunReceiveLoop(func(conn *Connection, msgType string, raw []byte) {})

	if !closed {
		t.Fatal("a read error should trigger Disconnect")
	}
}
