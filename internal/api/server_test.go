package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foundry-relay/internal/auth"
	"foundry-relay/internal/config"
	"foundry-relay/internal/headless"
	"foundry-relay/internal/pending"
	"foundry-relay/internal/router"
	"foundry-relay/internal/socket"
	"foundry-relay/internal/store"
	"foundry-relay/internal/userstore"
)

// testHarness wires a full Server against an in-process coordinator and
// memory user store, the same shape cmd/relay builds in production but
// with every external dependency replaced by its in-memory equivalent.
type testHarness struct {
	http *httptest.Server
	wsURL string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord := store.NewLocalCoordinator(ctx)
	users := userstore.NewMemoryStore()
	log := zerolog.Nop()

	registry := socket.NewRegistry(coord, "test-instance", log)
	pendingReg := pending.New(log)
	routerSvc := router.New(coord, "test-instance", "0", log)
	tiers := map[string]config.TierLimits{"free": {Daily: 1000, Monthly: 100000}}
	accounting := auth.New(users, tiers, coord, log)
	headlessC := headless.New(coord, "test-instance", headless.NewProcessBrowser("/bin/true"), registry, log)

	WireReplyHandlers(registry, pendingReg)

	server := New(registry, pendingReg, routerSvc, accounting, headlessC, users, "test-instance", log)
	engine := gin.New()
	server.Register(engine)

	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay"
	return &testHarness{http: ts, wsURL: wsURL}
}

func (h *testHarness) register(t *testing.T, email string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email})
	resp, err := http.Post(h.http.URL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("register status = %d, body = %s", resp.StatusCode, b)
	}
	var out struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.Credential
}

func (h *testHarness) dialWorld(t *testing.T, worldID, credential string) *websocket.Conn {
	t.Helper()
	url := h.wsURL + "?id=" + worldID + "&token=" + credential
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial world socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRelayRoundTrip_HappyPath(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	credential := h.register(t, "gm@example.com")
	worldConn := h.dialWorld(t, "world1", credential)

	replyDone := make(chan struct{})
	go func() {
		defer close(replyDone)
		_, raw, err := worldConn.ReadMessage()
		if err != nil {
			return
		}
		var inbound map[string]interface{}
		_ = json.Unmarshal(raw, &inbound)
		reply := map[string]interface{}{
			"type":          "search",
			"correlationId": inbound["correlationId"],
			"hits":          3,
		}
		data, _ := json.Marshal(reply)
		_ = worldConn.WriteMessage(websocket.TextMessage, data)
	}()

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/search?clientId=world1&query=fireball", nil)
	req.Header.Set("x-api-key", credential)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()

	<-replyDone

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, b)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["hits"] != float64(3) {
		t.Fatalf("body = %v, want hits=3", body)
	}
}

func TestRelaySearch_UnauthenticatedIsRejected(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	resp, err := http.Get(h.http.URL + "/search?clientId=world1&query=x")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRelaySearch_UnconnectedWorldIsNotFound(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	credential := h.register(t, "gm2@example.com")

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/search?clientId=ghost-world&query=x", nil)
	req.Header.Set("x-api-key", credential)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSocketUpgrade_DuplicateWorldIDIsRejected(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	credential := h.register(t, "gm3@example.com")

	first := h.dialWorld(t, "world1", credential)
	defer first.Close()

	// The HTTP upgrade itself always succeeds (it happens before the
	// registry's duplicate check); rejection arrives as an immediate close
	// control frame carrying socket.CloseDuplicateConnection.
	url := h.wsURL + "?id=world1&token=" + credential
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("upgrade handshake itself should succeed: %v", err)
	}
	defer second.Close()

	_, _, err = second.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error on the duplicate connection, got %v", err)
	}
	if closeErr.Code != int(socket.CloseDuplicateConnection) {
		t.Fatalf("close code = %d, want %d", closeErr.Code, socket.CloseDuplicateConnection)
	}
}

func TestClients_ReturnsOnlyCallersCredentialGroup(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	credA := h.register(t, "a@example.com")
	credB := h.register(t, "b@example.com")
	h.dialWorld(t, "world-a", credA)
	h.dialWorld(t, "world-b", credB)

	time.Sleep(20 * time.Millisecond) // let both upgrades land in the registry

	req, _ := http.NewRequest(http.MethodGet, h.http.URL+"/clients", nil)
	req.Header.Set("x-api-key", credA)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("clients request: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Total   int      `json:"total"`
		Clients []string `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 || len(out.Clients) != 1 || out.Clients[0] != "world-a" {
		t.Fatalf("clients = %+v, want exactly [world-a]", out)
	}
}
