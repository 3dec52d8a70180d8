package userstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// MemoryStore is the in-process implementation selected by DB_TYPE=memory,
// or whenever DATABASE_URL is unset. It is a single sync.RWMutex-guarded
// map, the same concurrency shape the teacher used for its primary storage
// engine.
type MemoryStore struct {
	mu          sync.RWMutex
	byCredential map[string]*User
	byEmail      map[string]string // email -> credential, for the 409 check
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCredential: make(map[string]*User),
		byEmail:      make(map[string]string),
	}
}

func (m *MemoryStore) FindByCredential(_ context.Context, credential string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byCredential[credential]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) Create(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[email]; ok {
		return nil, ErrAlreadyExists
	}

	credential, err := newCredential()
	if err != nil {
		return nil, err
	}

	u := &User{
		Credential:         credential,
		Email:              email,
		SubscriptionStatus: StatusFree,
	}
	m.byCredential[credential] = u
	m.byEmail[email] = credential

	cp := *u
	return &cp, nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, credential string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byCredential[credential]
	if !ok {
		return 0, 0, ErrNotFound
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !u.LastRequestDate.Equal(today) {
		u.RequestsToday = 0
		u.LastRequestDate = today
	}
	u.RequestsToday++
	u.RequestsThisMonth++
	return u.RequestsToday, u.RequestsThisMonth, nil
}

func (m *MemoryStore) ResetAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byCredential {
		u.RequestsThisMonth = 0
		u.RequestsToday = 0
		u.LastRequestDate = time.Time{}
	}
	return nil
}

// newCredential mints the 16-byte hex API key minted at registration.
func newCredential() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
