// Package jobs wires every background ticker the relay runs: the monthly
// usage-counter reset, the stale-connection sweeps, the pending-request
// sweep, and the idle headless-session sweep. The teacher starts its
// background snapshot ticker as a bare goroutine in main; here the same
// goroutine-per-ticker idiom is collected into one Scheduler so cmd/relay's
// main stays a thin wiring file.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/auth"
	"foundry-relay/internal/headless"
	"foundry-relay/internal/pending"
	"foundry-relay/internal/socket"
)

const monthlyResetCheckInterval = 5 * time.Minute

// Scheduler owns every recurring background task.
type Scheduler struct {
	accounting *auth.Accounting
	registry   *socket.Registry
	pending    *pending.Registry
	headless   *headless.Controller
	instanceID string
	log        zerolog.Logger
}

// New builds a Scheduler. Any of registry/pending/headless may be used by
// more than one job; accounting is required for the monthly reset.
func New(accounting *auth.Accounting, registry *socket.Registry, pendingReg *pending.Registry, headlessCtl *headless.Controller, instanceID string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		accounting: accounting,
		registry:   registry,
		pending:    pendingReg,
		headless:   headlessCtl,
		instanceID: instanceID,
		log:        log.With().Str("component", "jobs").Logger(),
	}
}

// Start launches every background job as its own goroutine. All jobs stop
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runMonthlyReset(ctx)
	go s.registry.RunSweepLoop(ctx)
	go s.pending.RunSweepLoop(ctx.Done())
	go s.headless.RunIdleSweepLoop(ctx, ctx.Done())
	go s.headless.PollPendingSessions(ctx)
}

// runMonthlyReset checks every 5 minutes whether a new billing month has
// started; at most one replica wins the distributed lock and performs the
// reset, per spec.md §4.I.
func (s *Scheduler) runMonthlyReset(ctx context.Context) {
	ticker := time.NewTicker(monthlyResetCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.accounting.ShouldRunMonthlyReset(ctx, time.Now()) {
				continue
			}
			if err := s.accounting.RunMonthlyReset(ctx, s.instanceID); err != nil {
				s.log.Warn().Err(err).Msg("monthly reset attempt failed")
				continue
			}
			s.log.Info().Msg("monthly usage counters reset")
		}
	}
}
