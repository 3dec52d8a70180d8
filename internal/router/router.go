// Package router implements the cross-replica request router: decide
// whether a request's target world is owned by this replica or another one,
// and if another, forward the HTTP request and stream the response back.
//
// The forwarding client-pool idiom (one *http.Client per peer, each with its
// own timeout) is adapted from the teacher's per-peer client map in its
// cluster.Node; the quorum fan-out it paired that with doesn't apply here
// (we have exactly one owner per key, not N replicas), so this router talks
// to a single resolved peer per request instead of fanning out.
package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/store"
)

// ForwardMarkerHeader is added to every forwarded request to prevent a
// second hop: a replica that sees this header on an inbound request skips
// the ownership lookup entirely and executes locally.
const ForwardMarkerHeader = "X-Foundry-Relay-Forwarded"

const forwardBudget = 60 * time.Second

// HopByHopHeaders are stripped when relaying a response back to the
// original caller.
var HopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Router decides local-vs-remote and performs the forward.
type Router struct {
	coord      store.Coordinator
	instanceID string
	port       string

	mu      sync.Mutex
	clients map[string]*http.Client

	log zerolog.Logger
}

// New creates a Router for this replica (instanceID, port), resolving
// ownership through coord.
func New(coord store.Coordinator, instanceID, port string, log zerolog.Logger) *Router {
	return &Router{
		coord:      coord,
		instanceID: instanceID,
		port:       port,
		clients:    make(map[string]*http.Client),
		log:        log.With().Str("component", "router").Logger(),
	}
}

// Decision is the outcome of Resolve.
type Decision struct {
	Local    bool
	OwnerID  string // empty when Local
}

// Resolve looks up apikey:{credential}:instance. Forwarded is true when the
// request already carries the loop-prevention marker, in which case the
// router always reports Local regardless of what the store says.
func (r *Router) Resolve(ctx context.Context, credential string, forwarded bool) Decision {
	if forwarded {
		return Decision{Local: true}
	}

	owner, err := r.coord.Get(ctx, store.APIKeyInstanceKey(credential))
	if err != nil || owner == "" || owner == r.instanceID {
		return Decision{Local: true}
	}
	return Decision{Local: false, OwnerID: owner}
}

// clientFor returns (creating if needed) the *http.Client used to reach a
// specific owner replica, each with a 60s budget per spec.md §4.F.
func (r *Router) clientFor(ownerID string) *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[ownerID]
	if !ok {
		c = &http.Client{Timeout: forwardBudget}
		r.clients[ownerID] = c
	}
	return c
}

// Forward streams req to ownerID's replica over HTTP, preserving method,
// headers, and body, and writes the response (status, headers minus
// hop-by-hop, body) onto w unchanged. On connection failure it returns an
// error so the caller can fall through to a local attempt per spec.md
// §4.F. No 502 is written on that path, neither here nor by the caller:
// the local handler's own status (e.g. 404 for a world not connected
// here) is what the client receives.
func (r *Router) Forward(ctx context.Context, w http.ResponseWriter, req *http.Request, ownerID string) error {
	url := fmt.Sprintf("http://%s:%s%s", ownerID, r.port, req.URL.RequestURI())

	outReq, err := http.NewRequestWithContext(ctx, req.Method, url, req.Body)
	if err != nil {
		return err
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Set(ForwardMarkerHeader, "1")

	resp, err := r.clientFor(ownerID).Do(outReq)
	if err != nil {
		r.log.Warn().Err(err).Str("owner", ownerID).Msg("forward failed")
		return err
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response is already committed to the client at this point (status
		// and headers written); there's no local attempt to fall through to, so
		// just log it instead of returning an error the caller would otherwise
		// retry against, which would double-write the response.
		r.log.Warn().Err(err).Str("owner", ownerID).Msg("forward response copy failed")
	}
	return nil
}

func isHopByHop(header string) bool {
	for _, h := range HopByHopHeaders {
		if h == header {
			return true
		}
	}
	return false
}
