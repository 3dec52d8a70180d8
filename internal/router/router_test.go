package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/store"
)

func testCoordinator(t *testing.T) store.Coordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return store.NewLocalCoordinator(ctx)
}

func TestResolve_ForwardedAlwaysReportsLocal(t *testing.T) {
	t.Parallel()
	coord := testCoordinator(t)
	r := New(coord, "self", "3010", zerolog.Nop())

	_ = coord.Set(context.Background(), store.APIKeyInstanceKey("cred"), "other-instance", time.Minute)

	d := r.Resolve(context.Background(), "cred", true)
	if !d.Local {
		t.Fatal("a request already carrying the forward marker must always resolve local")
	}
}

func TestResolve_UnknownCredentialIsLocal(t *testing.T) {
	t.Parallel()
	coord := testCoordinator(t)
	r := New(coord, "self", "3010", zerolog.Nop())

	d := r.Resolve(context.Background(), "never-seen", false)
	if !d.Local {
		t.Fatal("an unowned credential should resolve local so a handler can claim it")
	}
}

func TestResolve_OwnedByThisInstanceIsLocal(t *testing.T) {
	t.Parallel()
	coord := testCoordinator(t)
	r := New(coord, "self", "3010", zerolog.Nop())
	_ = coord.Set(context.Background(), store.APIKeyInstanceKey("cred"), "self", time.Minute)

	d := r.Resolve(context.Background(), "cred", false)
	if !d.Local {
		t.Fatal("a credential owned by this instance should resolve local")
	}
}

func TestResolve_OwnedElsewhereIsRemote(t *testing.T) {
	t.Parallel()
	coord := testCoordinator(t)
	r := New(coord, "self", "3010", zerolog.Nop())
	_ = coord.Set(context.Background(), store.APIKeyInstanceKey("cred"), "other", time.Minute)

	d := r.Resolve(context.Background(), "cred", false)
	if d.Local {
		t.Fatal("a credential owned by another instance should resolve remote")
	}
	if d.OwnerID != "other" {
		t.Fatalf("OwnerID = %q, want %q", d.OwnerID, "other")
	}
}

func TestForward_StreamsResponseAndMarksLoopPrevention(t *testing.T) {
	t.Parallel()

	var sawMarker string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMarker = r.Header.Get(ForwardMarkerHeader)
		w.Header().Set("Connection", "keep-alive") // hop-by-hop, must be stripped
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(peer.Close)

	peerURL, err := url.Parse(peer.URL)
	if err != nil {
		t.Fatalf("parse peer url: %v", err)
	}
	host, port, err := splitHostPort(peerURL)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}

	coord := testCoordinator(t)
	r := New(coord, "self", port, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/search?q=x", nil)
	rec := httptest.NewRecorder()

	if err := r.Forward(context.Background(), rec, req, host); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if sawMarker != "1" {
		t.Error("forwarded request should carry the loop-prevention marker")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("body not streamed through: %s", rec.Body.String())
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop Connection header should have been stripped")
	}
}

func splitHostPort(u *url.URL) (host, port string, err error) {
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = strconv.Itoa(httpDefaultPort(u.Scheme))
	}
	return host, port, nil
}

func httpDefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
