// Package link resolves validated provider claims to a local user,
// creating accounts and identity links as policy allows.
package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

// Linking failures surfaced to the user as actionable messages.
var (
	// ErrUnverifiedEmail blocks signup when the provider has not verified
	// the email. Login to an already linked account is unaffected.
	ErrUnverifiedEmail = errors.New("provider email is not verified")

	// ErrDomainNotAllowed blocks signup for emails outside the allowlist.
	ErrDomainNotAllowed = errors.New("email domain is not allowed to sign up")

	// ErrAmbiguousMatch is returned when a local account with the same
	// email exists but policy forbids linking it automatically.
	ErrAmbiguousMatch = errors.New("a local account with this email already exists and cannot be linked automatically")
)

// Notifier receives out-of-band events from linking. Implementations
// must not block login.
type Notifier interface {
	// EmailChanged fires when a linked user's provider email differs from
	// the stored local email.
	EmailChanged(ctx context.Context, user *storage.User, providerEmail string)
}

// LogNotifier logs events instead of delivering them. The default until
// a mail integration is wired in.
type LogNotifier struct{}

// EmailChanged logs the mismatch.
func (LogNotifier) EmailChanged(_ context.Context, user *storage.User, providerEmail string) {
	logger.Infow("provider email differs from local account email, user should update it",
		"user_uuid", user.UUID,
		"provider_email", providerEmail,
	)
}

// Config carries the linking policy.
type Config struct {
	// SignupsMatchEmail allows linking an existing local account by email
	// when it has no private key yet (an invitation stub).
	SignupsMatchEmail bool

	// DomainAllowlist restricts which email domains may sign up. Empty
	// means unrestricted.
	DomainAllowlist []string
}

// Linker maps (issuer, subject) identities to local users.
type Linker struct {
	store    storage.Store
	cfg      Config
	notifier Notifier
	now      func() time.Time
}

// New creates a Linker. A nil notifier falls back to LogNotifier.
func New(store storage.Store, cfg Config, notifier Notifier) *Linker {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Linker{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
	}
}

// Link resolves claims to a local user. An existing (issuer, subject)
// link wins unconditionally; a later email change at the provider never
// rebinds the identity. New identities create or adopt an account per
// policy.
func (l *Linker) Link(ctx context.Context, claims *exchange.ValidatedClaims) (*storage.User, error) {
	user, err := l.linkedUser(ctx, claims)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return user, err
	}

	// No link yet. Signup checks apply from here on.
	if !claims.EmailVerified {
		return nil, ErrUnverifiedEmail
	}
	if !l.domainAllowed(claims.Email) {
		return nil, ErrDomainNotAllowed
	}

	existing, err := l.store.GetUserByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		return l.adoptExisting(ctx, existing, claims)
	case errors.Is(err, storage.ErrNotFound):
		return l.createUser(ctx, claims)
	default:
		return nil, fmt.Errorf("looking up user by email: %w", err)
	}
}

// linkedUser returns the user behind an existing identity link.
func (l *Linker) linkedUser(ctx context.Context, claims *exchange.ValidatedClaims) (*storage.User, error) {
	identity, err := l.store.GetIdentity(ctx, claims.Issuer, claims.Subject)
	if err != nil {
		return nil, err
	}

	user, err := l.store.GetUser(ctx, identity.UserUUID)
	if err != nil {
		return nil, fmt.Errorf("identity link points at missing user %s: %w", identity.UserUUID, err)
	}

	if claims.Email != "" && user.Email != claims.Email {
		l.notifier.EmailChanged(ctx, user, claims.Email)
	}

	return user, nil
}

// adoptExisting links an account that already has the claimed email.
// Only invitation stubs may be adopted, and only when the email-match
// policy is on; anything else requires manual reconciliation.
func (l *Linker) adoptExisting(ctx context.Context, user *storage.User, claims *exchange.ValidatedClaims) (*storage.User, error) {
	if !l.cfg.SignupsMatchEmail || user.HasPrivateKey() {
		return nil, ErrAmbiguousMatch
	}

	if err := l.createIdentity(ctx, user.UUID, claims); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost the race; the winner linked the same identity.
			return l.linkedUser(ctx, claims)
		}
		return nil, err
	}

	logger.Infow("linked existing account by email match",
		"user_uuid", user.UUID,
		"issuer", claims.Issuer,
	)
	return user, nil
}

// createUser creates a brand-new account plus its identity link. A
// racing callback for the same identity is resolved by the storage
// uniqueness constraint; the loser rolls back its user and adopts the
// winner's.
func (l *Linker) createUser(ctx context.Context, claims *exchange.ValidatedClaims) (*storage.User, error) {
	now := l.now()
	name := claims.PreferredUsername
	if name == "" {
		name = claims.Email
	}

	user := &storage.User{
		UUID:          uuid.New().String(),
		Email:         claims.Email,
		EmailVerified: true,
		Name:          name,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := l.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Email appeared between lookup and create; retry the
			// adoption path against the fresh row.
			fresh, lookupErr := l.store.GetUserByEmail(ctx, claims.Email)
			if lookupErr != nil {
				return nil, fmt.Errorf("creating user: %w", err)
			}
			return l.adoptExisting(ctx, fresh, claims)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	if err := l.createIdentity(ctx, user.UUID, claims); err != nil {
		if delErr := l.store.DeleteUser(ctx, user.UUID); delErr != nil {
			logger.Warnw("failed to roll back user after identity race",
				"user_uuid", user.UUID, "error", delErr)
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			return l.linkedUser(ctx, claims)
		}
		return nil, err
	}

	logger.Infow("created user from provider identity",
		"user_uuid", user.UUID,
		"issuer", claims.Issuer,
	)
	return user, nil
}

func (l *Linker) createIdentity(ctx context.Context, userUUID string, claims *exchange.ValidatedClaims) error {
	return l.store.CreateIdentity(ctx, &storage.SsoIdentity{
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		UserUUID:  userUUID,
		CreatedAt: l.now(),
	})
}

// domainAllowed checks the email's domain against the allowlist. An
// empty allowlist admits everything.
func (l *Linker) domainAllowed(email string) bool {
	if len(l.cfg.DomainAllowlist) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, allowed := range l.cfg.DomainAllowlist {
		if strings.EqualFold(domain, allowed) {
			return true
		}
	}
	return false
}
