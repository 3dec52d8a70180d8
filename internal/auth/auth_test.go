package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/config"
	"foundry-relay/internal/userstore"
)

// fakeUserStore is an in-memory userstore.Store stand-in with no locking,
// sufficient for sequential test use.
type fakeUserStore struct {
	users map[string]*userstore.User
	resetCalls int
}

func newFakeUserStore(users ...*userstore.User) *fakeUserStore {
	f := &fakeUserStore{users: make(map[string]*userstore.User)}
	for _, u := range users {
		f.users[u.Credential] = u
	}
	return f
}

func (f *fakeUserStore) FindByCredential(_ context.Context, credential string) (*userstore.User, error) {
	u, ok := f.users[credential]
	if !ok {
		return nil, userstore.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) Create(_ context.Context, email string) (*userstore.User, error) {
	return nil, errors.New("not used in these tests")
}

func (f *fakeUserStore) IncrementUsage(_ context.Context, credential string) (int, int, error) {
	u, ok := f.users[credential]
	if !ok {
		return 0, 0, userstore.ErrNotFound
	}
	u.RequestsToday++
	u.RequestsThisMonth++
	return u.RequestsToday, u.RequestsThisMonth, nil
}

func (f *fakeUserStore) ResetAll(_ context.Context) error {
	f.resetCalls++
	for _, u := range f.users {
		u.RequestsToday = 0
		u.RequestsThisMonth = 0
	}
	return nil
}

func testTiers() map[string]config.TierLimits {
	return map[string]config.TierLimits{
		"free":   {Daily: 2, Monthly: 100},
		"active": {Daily: 0, Monthly: 0},
	}
}

func TestAuthenticate_UnknownCredentialIsUnauthenticated(t *testing.T) {
	t.Parallel()
	a := New(newFakeUserStore(), testTiers(), nil, zerolog.Nop())
	_, err := a.Authenticate(context.Background(), "nope")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticate_EmptyCredentialIsUnauthenticated(t *testing.T) {
	t.Parallel()
	a := New(newFakeUserStore(), testTiers(), nil, zerolog.Nop())
	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthenticate_KnownCredentialResolves(t *testing.T) {
	t.Parallel()
	u := &userstore.User{Credential: "abc", SubscriptionStatus: userstore.StatusFree}
	a := New(newFakeUserStore(u), testTiers(), nil, zerolog.Nop())

	got, err := a.Authenticate(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Credential != "abc" {
		t.Fatalf("Credential = %q, want %q", got.Credential, "abc")
	}
}

func TestCharge_ExceedingDailyLimitReturnsQuotaExceeded(t *testing.T) {
	t.Parallel()
	u := &userstore.User{Credential: "abc", SubscriptionStatus: userstore.StatusFree}
	store := newFakeUserStore(u)
	a := New(store, testTiers(), nil, zerolog.Nop())

	ctx := context.Background()
	if err := a.Charge(ctx, u); err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if err := a.Charge(ctx, u); err != nil {
		t.Fatalf("request 2: %v", err)
	}
	err := a.Charge(ctx, u)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("request 3 err = %v, want ErrQuotaExceeded", err)
	}
}

func TestCharge_UnlimitedTierNeverExceedsQuota(t *testing.T) {
	t.Parallel()
	u := &userstore.User{Credential: "abc", SubscriptionStatus: userstore.StatusActive}
	a := New(newFakeUserStore(u), testTiers(), nil, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := a.Charge(ctx, u); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestShouldRunMonthlyReset_NoCoordinatorChecksCalendarDay(t *testing.T) {
	t.Parallel()
	a := New(newFakeUserStore(), testTiers(), nil, zerolog.Nop())

	firstOfMonth := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	midMonth := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)

	if !a.ShouldRunMonthlyReset(context.Background(), firstOfMonth) {
		t.Error("expected true on the 1st with no coordinator")
	}
	if a.ShouldRunMonthlyReset(context.Background(), midMonth) {
		t.Error("expected false mid-month with no coordinator")
	}
}
