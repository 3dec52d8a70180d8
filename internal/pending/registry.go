// Package pending implements the request/response correlation engine: a map
// from correlation-id to a waiter, per-type dispatch of inbound replies, and
// a sweeper that reaps orphaned waiters.
//
// Promise-based awaiters become one-shot channels here: Register hands back
// a channel the HTTP handler selects on against its own deadline timer;
// Dispatch/Fulfill/Fail write to that channel exactly once and remove the
// registry entry (Cancel removes it without writing), so a second write (a
// duplicate reply) is a no-op landing on a channel nobody reads from twice.
package pending

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/relaymsg"
)

const (
	sweepInterval = 10 * time.Second
	orphanAge     = 30 * time.Second
)

// Result is what a waiter's channel eventually receives.
type Result struct {
	StatusCode int
	Body       interface{}
}

// Waiter is one outstanding request awaiting a correlated reply.
type Waiter struct {
	CorrelationID string
	Kind          relaymsg.Kind
	WorldID       string

	// SecondaryKey, when non-empty, must also match the reply (e.g. uuid,
	// path) for the reply to be accepted as this waiter's match.
	SecondaryKey string

	CreatedAt time.Time
	Deadline  time.Time

	sink chan Result
	once sync.Once
}

// Done returns the channel the HTTP handler selects on.
func (w *Waiter) Done() <-chan Result { return w.sink }

func (w *Waiter) complete(r Result) {
	w.once.Do(func() {
		w.sink <- r
		close(w.sink)
	})
}

// Registry is the map from correlation-id to Waiter.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter

	log zerolog.Logger
}

// New creates an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		waiters: make(map[string]*Waiter),
		log:     log.With().Str("component", "pending-registry").Logger(),
	}
}

// NewCorrelationID produces "<kind>_<unix-ms>_<9-char-base36-random>". The
// kind prefix is advisory only — dispatch relies on the registered waiter's
// Kind field, never on parsing this string.
func NewCorrelationID(kind relaymsg.Kind) string {
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixMilli(), randomBase36(9))
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36Alphabet))))
		if err != nil {
			// crypto/rand failure is effectively unrecoverable; fall back to
			// a fixed character rather than panicking the caller.
			out[i] = '0'
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}

// Register creates and stores a waiter with the given absolute deadline.
// Register-before-send is the caller's responsibility: the registry entry
// must exist before the outbound message reaches the socket, or a
// fast-replying world's reply would be dropped as unmatched.
func (p *Registry) Register(corrID string, kind relaymsg.Kind, worldID, secondaryKey string, deadline time.Time) *Waiter {
	w := &Waiter{
		CorrelationID: corrID,
		Kind:          kind,
		WorldID:       worldID,
		SecondaryKey:  secondaryKey,
		CreatedAt:     time.Now(),
		Deadline:      deadline,
		sink:          make(chan Result, 1),
	}
	p.mu.Lock()
	p.waiters[corrID] = w
	p.mu.Unlock()
	return w
}

// Dispatch matches an inbound reply to its waiter. kind must match the
// waiter's expected Kind, and if secondaryKey is non-empty it must also
// match the waiter's SecondaryKey. On a mismatch the reply is dropped and
// logged at warn level — this also makes a second reply for an
// already-completed correlation id a safe no-op, since the first reply
// already removed the entry.
func (p *Registry) Dispatch(corrID string, kind relaymsg.Kind, secondaryKey string, statusCode int, body interface{}) bool {
	p.mu.Lock()
	w, ok := p.waiters[corrID]
	if !ok {
		p.mu.Unlock()
		p.log.Warn().Str("correlationId", corrID).Str("kind", string(kind)).Msg("no waiter for reply")
		return false
	}
	if w.Kind != kind {
		p.mu.Unlock()
		p.log.Warn().Str("correlationId", corrID).Str("expectedKind", string(w.Kind)).Str("gotKind", string(kind)).Msg("kind mismatch, dropping reply")
		return false
	}
	if w.SecondaryKey != "" && secondaryKey != "" && w.SecondaryKey != secondaryKey {
		p.mu.Unlock()
		p.log.Warn().Str("correlationId", corrID).Msg("secondary key mismatch, dropping reply")
		return false
	}
	delete(p.waiters, corrID)
	p.mu.Unlock()

	w.complete(Result{StatusCode: statusCode, Body: body})
	return true
}

// Fulfill completes corrID's waiter with a 200/201-class success body.
// Deprecated in favor of Dispatch for new call sites; retained as a thin
// convenience wrapper. Nothing in this module calls it.
func (p *Registry) Fulfill(corrID string, kind relaymsg.Kind, body interface{}) bool {
	return p.Dispatch(corrID, kind, "", 200, body)
}

// Fail completes corrID's waiter with an error status and body.
func (p *Registry) Fail(corrID string, statusCode int, body interface{}) {
	p.mu.Lock()
	w, ok := p.waiters[corrID]
	if ok {
		delete(p.waiters, corrID)
	}
	p.mu.Unlock()
	if ok {
		w.complete(Result{StatusCode: statusCode, Body: body})
	}
}

// Cancel removes corrID without completing it — used when the outbound
// send itself failed, so the caller can synthesize its own 500 without a
// goroutine racing to read a channel nobody created a reader for.
func (p *Registry) Cancel(corrID string) {
	p.mu.Lock()
	delete(p.waiters, corrID)
	p.mu.Unlock()
}

// Len reports the number of outstanding waiters, for tests and metrics.
func (p *Registry) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// sweep removes any waiter older than orphanAge with no reply, logging the
// orphan. A waiter that is also past its own Deadline but within the sweep
// grace period (spec.md's "deadline + sweep-granularity") is left for the
// HTTP handler's own timer to complete with a 408; sweep only reaps entries
// nobody is waiting on anymore (e.g. the handler gave up and stopped
// listening without cancelling).
func (p *Registry) sweep() {
	cutoff := time.Now().Add(-orphanAge)
	p.mu.Lock()
	var orphans []string
	for id, w := range p.waiters {
		if w.CreatedAt.Before(cutoff) {
			orphans = append(orphans, id)
		}
	}
	for _, id := range orphans {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	for _, id := range orphans {
		p.log.Warn().Str("correlationId", id).Msg("reaping orphaned pending request")
	}
}

// RunSweepLoop runs sweep every sweepInterval until stop is closed.
func (p *Registry) RunSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}
