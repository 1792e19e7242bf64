// Package storage defines the durable records behind the SSO subsystem
// and the interfaces its components depend on. Implementations live in
// the memory (tests, development) and sqlite (production) backends.
package storage

import (
	"context"
	"time"
)

// User is a local account. The SSO subsystem reads and conditionally
// creates users but does not own their lifecycle.
type User struct {
	// UUID is the stable local identifier.
	UUID string

	// Email is the account email, lowercased.
	Email string

	// EmailVerified reports whether the email has been confirmed.
	EmailVerified bool

	// Name is the display name, if known.
	Name string

	// PrivateKey is the user's encrypted private key blob. Empty for stub
	// accounts created by an organization invitation before first login.
	PrivateKey string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPrivateKey reports whether the account has completed enrollment.
// Accounts without a private key are invitation stubs.
func (u *User) HasPrivateKey() bool {
	return u.PrivateKey != ""
}

// SsoIdentity is the durable link between an external identity and a
// local user. Unique on (Issuer, Subject); created once on first
// successful link and never mutated.
type SsoIdentity struct {
	Issuer    string
	Subject   string
	UserUUID  string
	CreatedAt time.Time
}

// Device is a client installation. Local sessions are issued per
// (user, device); the device's RefreshRandom is embedded in local
// refresh claims so a superseded session becomes unusable.
type Device struct {
	UUID          string
	UserUUID      string
	Name          string
	Type          int
	RefreshRandom string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserStore provides local account lookup and creation.
type UserStore interface {
	// GetUser returns the user with the given UUID, or ErrNotFound.
	GetUser(ctx context.Context, uuid string) (*User, error)

	// GetUserByEmail returns the user with the given (lowercased) email,
	// or ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// CreateUser stores a new user. Returns ErrAlreadyExists when the UUID
	// or email is taken.
	CreateUser(ctx context.Context, user *User) error

	// DeleteUser removes a user. Used only to roll back a failed link.
	DeleteUser(ctx context.Context, uuid string) error
}

// IdentityStore provides the (issuer, subject) -> user mapping.
// This is the only durable cross-reference between external identities
// and local users.
type IdentityStore interface {
	// GetIdentity returns the identity link for (issuer, subject), or ErrNotFound.
	GetIdentity(ctx context.Context, issuer, subject string) (*SsoIdentity, error)

	// CreateIdentity stores a new identity link. Returns ErrAlreadyExists
	// when a link for (issuer, subject) already exists; the storage layer's
	// uniqueness constraint is the serialization point for racing callbacks.
	CreateIdentity(ctx context.Context, identity *SsoIdentity) error

	// DeleteIdentity removes a link (administrative unlinking). The local
	// user is untouched.
	DeleteIdentity(ctx context.Context, issuer, subject string) error
}

// DeviceStore provides client device lookup and registration.
type DeviceStore interface {
	// GetDevice returns the device for (uuid, userUUID), or ErrNotFound.
	GetDevice(ctx context.Context, uuid, userUUID string) (*Device, error)

	// SaveDevice inserts or updates a device.
	SaveDevice(ctx context.Context, device *Device) error
}

// Store combines the stores the SSO subsystem needs.
type Store interface {
	UserStore
	IdentityStore
	DeviceStore

	// Close releases the underlying resources.
	Close() error
}
