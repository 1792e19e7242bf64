package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for tests and development; production deployments use the
// sqlite backend.
type MemoryStore struct {
	mu sync.RWMutex

	// users maps user UUID -> User.
	users map[string]*User

	// usersByEmail maps lowercased email -> user UUID.
	usersByEmail map[string]string

	// identities maps "issuer|subject" -> SsoIdentity.
	identities map[string]*SsoIdentity

	// devices maps "deviceUUID|userUUID" -> Device.
	devices map[string]*Device
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*User),
		usersByEmail: make(map[string]string),
		identities:   make(map[string]*SsoIdentity),
		devices:      make(map[string]*Device),
	}
}

func identityKey(issuer, subject string) string {
	return issuer + "|" + subject
}

func deviceKey(uuid, userUUID string) string {
	return uuid + "|" + userUUID
}

// GetUser returns the user with the given UUID.
func (s *MemoryStore) GetUser(_ context.Context, uuid string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByEmail returns the user with the given email.
func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uuid, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[uuid]
	return &cp, nil
}

// CreateUser stores a new user.
func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := s.users[user.UUID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.usersByEmail[email]; ok {
		return ErrAlreadyExists
	}

	cp := *user
	s.users[user.UUID] = &cp
	s.usersByEmail[email] = user.UUID
	return nil
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[uuid]
	if !ok {
		return ErrNotFound
	}
	delete(s.usersByEmail, strings.ToLower(user.Email))
	delete(s.users, uuid)
	return nil
}

// GetIdentity returns the identity link for (issuer, subject).
func (s *MemoryStore) GetIdentity(_ context.Context, issuer, subject string) (*SsoIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[identityKey(issuer, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

// CreateIdentity stores a new identity link.
func (s *MemoryStore) CreateIdentity(_ context.Context, identity *SsoIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(identity.Issuer, identity.Subject)
	if _, ok := s.identities[key]; ok {
		return ErrAlreadyExists
	}

	cp := *identity
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.identities[key] = &cp
	return nil
}

// DeleteIdentity removes an identity link.
func (s *MemoryStore) DeleteIdentity(_ context.Context, issuer, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(issuer, subject)
	if _, ok := s.identities[key]; !ok {
		return ErrNotFound
	}
	delete(s.identities, key)
	return nil
}

// GetDevice returns the device for (uuid, userUUID).
func (s *MemoryStore) GetDevice(_ context.Context, uuid, userUUID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceKey(uuid, userUUID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *device
	return &cp, nil
}

// SaveDevice inserts or updates a device.
func (s *MemoryStore) SaveDevice(_ context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *device
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.devices[deviceKey(device.UUID, device.UserUUID)] = &cp
	return nil
}

// Close is a no-op for the memory store.
func (*MemoryStore) Close() error {
	return nil
}
