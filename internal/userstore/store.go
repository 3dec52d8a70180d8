// Package userstore persists the external User Record the relay reads and
// increments but does not own the schema of: credential, subscription
// status, and the two rolling quota counters.
package userstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a credential has no matching user.
var ErrNotFound = errors.New("userstore: user not found")

// ErrAlreadyExists is returned by Create on a duplicate email.
var ErrAlreadyExists = errors.New("userstore: email already registered")

// SubscriptionStatus mirrors the relational user record's enumerated status.
type SubscriptionStatus string

const (
	StatusFree     SubscriptionStatus = "free"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// User is the subset of the relational user record the relay core reads
// and increments.
type User struct {
	Credential         string
	Email              string
	SubscriptionStatus SubscriptionStatus
	RequestsThisMonth  int
	RequestsToday      int
	LastRequestDate    time.Time // UTC, truncated to the day
}

// Store is the persistence interface. PostgresStore and MemoryStore both
// implement it; the relay core never depends on which one is wired.
type Store interface {
	FindByCredential(ctx context.Context, credential string) (*User, error)
	Create(ctx context.Context, email string) (*User, error)

	// IncrementUsage rolls the daily window if lastRequestDate is not
	// today (UTC), then atomically increments both counters, returning
	// the post-increment values. It must not fail to increment merely
	// because a limit is exceeded — accounting is approximate by design.
	IncrementUsage(ctx context.Context, credential string) (requestsToday, requestsThisMonth int, err error)

	// ResetAll zeroes requestsThisMonth, requestsToday, and lastRequestDate
	// for every user. Used by the monthly reset job.
	ResetAll(ctx context.Context) error
}
