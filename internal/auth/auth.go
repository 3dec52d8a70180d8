// Package auth implements the authentication and usage-accounting surface
// every HTTP handler relies on: resolve credential to user, enforce
// per-period quotas, and the monthly-reset job's distributed lock.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/config"
	"foundry-relay/internal/store"
	"foundry-relay/internal/userstore"
)

// ErrUnauthenticated is returned by Authenticate when the credential does
// not resolve to a user.
var ErrUnauthenticated = errors.New("auth: invalid credential")

// ErrQuotaExceeded is returned by Charge when either rolling window is over
// its tier's limit. The increment is not rolled back — approximate
// accounting is accepted per the specification.
var ErrQuotaExceeded = errors.New("auth: quota exceeded")

const monthlyResetLockTTL = 300 * time.Second

// Accounting resolves credentials to users and enforces quotas.
type Accounting struct {
	users userstore.Store
	tiers map[string]config.TierLimits
	coord store.Coordinator
	log   zerolog.Logger
}

// New builds an Accounting bound to the given user store, tier table, and
// coordination store (used only by the monthly reset job's lock).
func New(users userstore.Store, tiers map[string]config.TierLimits, coord store.Coordinator, log zerolog.Logger) *Accounting {
	return &Accounting{
		users: users,
		tiers: tiers,
		coord: coord,
		log:   log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate resolves credential to its user record, or
// ErrUnauthenticated when absent.
func (a *Accounting) Authenticate(ctx context.Context, credential string) (*userstore.User, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	u, err := a.users.FindByCredential(ctx, credential)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return u, nil
}

// Charge increments both rolling windows for user and reports
// ErrQuotaExceeded if either now exceeds its tier's limit. The increment is
// applied regardless of outcome.
func (a *Accounting) Charge(ctx context.Context, u *userstore.User) error {
	today, month, err := a.users.IncrementUsage(ctx, u.Credential)
	if err != nil {
		return err
	}

	limits := a.limitsFor(u.SubscriptionStatus)
	if limits.Daily > 0 && today > limits.Daily {
		return ErrQuotaExceeded
	}
	if limits.Monthly > 0 && month > limits.Monthly {
		return ErrQuotaExceeded
	}
	return nil
}

func (a *Accounting) limitsFor(status userstore.SubscriptionStatus) config.TierLimits {
	if limits, ok := a.tiers[string(status)]; ok {
		return limits
	}
	return a.tiers["free"]
}

// RunMonthlyReset acquires the distributed monthly-reset lock and, if it
// wins the race, zeroes every user's counters and records the reset
// timestamp. It is safe to call from every replica simultaneously — only
// one will ever proceed past the SetNX.
func (a *Accounting) RunMonthlyReset(ctx context.Context, ownerToken string) error {
	if a.coord == nil {
		return a.users.ResetAll(ctx)
	}

	acquired, err := a.coord.SetNX(ctx, store.KeyMonthlyResetLock, ownerToken, monthlyResetLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		a.log.Debug().Msg("monthly reset lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if _, err := a.coord.CompareAndDelete(ctx, store.KeyMonthlyResetLock, ownerToken); err != nil {
			a.log.Warn().Err(err).Msg("failed to release monthly reset lock")
		}
	}()

	if err := a.users.ResetAll(ctx); err != nil {
		return err
	}
	return a.coord.Set(ctx, store.KeyLastMonthlyReset, time.Now().UTC().Format(time.RFC3339), 32*24*time.Hour)
}

// ShouldRunMonthlyReset reports whether the monthly reset has never run, or
// last ran before the most recent UTC 1st-of-month boundary — used both by
// the scheduled trigger at 00:00 UTC on the 1st and by the opportunistic
// startup check.
func (a *Accounting) ShouldRunMonthlyReset(ctx context.Context, now time.Time) bool {
	if a.coord == nil {
		return now.UTC().Day() == 1
	}
	last, err := a.coord.Get(ctx, store.KeyLastMonthlyReset)
	if err != nil {
		return true
	}
	t, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true
	}
	boundary := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return t.Before(boundary)
}
