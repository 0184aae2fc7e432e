// stores.go
//
// Shared mock implementations of the auth package's Store and Cache interfaces.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/bastion/internal/store"
	"github.com/MGallo-Code/bastion/internal/vault"
	"github.com/gofrs/uuid/v5"
)

// MockStore implements the durable store for tests.

// Always stateful...Users, Credentials and Automations are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	PingErr             error
	CreateUserErr       error
	GetUserErr          error
	UpdatePasswordErr   error
	TouchErr            error
	UpsertCredsErr      error
	GetCredsErr         error
	CreateAutomationErr error
	OwnerOfErr          error

	Users       map[uuid.UUID]*store.User
	Credentials map[uuid.UUID]*store.CredentialRecord
	Automations map[uuid.UUID]*store.Automation

	// TouchCalls counts successful TouchUserSession calls.
	TouchCalls int

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:       make(map[uuid.UUID]*store.User),
		Credentials: make(map[uuid.UUID]*store.CredentialRecord),
		Automations: make(map[uuid.UUID]*store.Automation),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) Ping(_ context.Context) error { return m.PingErr }

func (m *MockStore) CreateUser(_ context.Context, id uuid.UUID, email, username, passwordHash, planType string) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email || u.Username == username {
			return store.ErrEmailTaken
		}
	}
	m.Users[id] = &store.User{
		ID:           id,
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		PlanType:     planType,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockStore) UpdateUserPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.UpdatePasswordErr != nil {
		return m.UpdatePasswordErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MockStore) TouchUserSession(_ context.Context, id uuid.UUID, lastActivity, expiresAt time.Time) error {
	if m.TouchErr != nil {
		return m.TouchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TouchCalls++
	if u, ok := m.Users[id]; ok {
		u.LastActivityAt = &lastActivity
		u.SessionExpiresAt = &expiresAt
	}
	return nil
}

func (m *MockStore) UpsertCredentials(_ context.Context, userID uuid.UUID, set vault.ExchangeCredentialSet) error {
	if m.UpsertCredsErr != nil {
		return m.UpsertCredsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec, ok := m.Credentials[userID]; ok {
		rec.Set = set
		rec.UpdatedAt = now
		return nil
	}
	m.Credentials[userID] = &store.CredentialRecord{UserID: userID, Set: set, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MockStore) GetCredentials(_ context.Context, userID uuid.UUID) (*store.CredentialRecord, error) {
	if m.GetCredsErr != nil {
		return nil, m.GetCredsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Credentials[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockStore) DeleteCredentials(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Credentials[userID]; !ok {
		return store.ErrNotFound
	}
	delete(m.Credentials, userID)
	return nil
}

func (m *MockStore) CreateAutomation(_ context.Context, a store.Automation) error {
	if m.CreateAutomationErr != nil {
		return m.CreateAutomationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.Automations[a.ID] = &a
	return nil
}

func (m *MockStore) GetAutomation(_ context.Context, id uuid.UUID) (*store.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Automations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockStore) DeleteAutomation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Automations[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Automations, id)
	return nil
}

func (m *MockStore) OwnerOf(_ context.Context, resourceType string, id uuid.UUID) (uuid.UUID, error) {
	if m.OwnerOfErr != nil {
		return uuid.Nil, m.OwnerOfErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch resourceType {
	case store.ResourceAutomation:
		if a, ok := m.Automations[id]; ok {
			return a.UserID, nil
		}
	case store.ResourceCredentials:
		if rec, ok := m.Credentials[id]; ok {
			return rec.UserID, nil
		}
	default:
		return uuid.Nil, store.ErrUnknownResource
	}
	return uuid.Nil, store.ErrNotFound
}
