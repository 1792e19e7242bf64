// Package flow implements the authorization-code flow against the
// upstream provider: building the authorize redirect and tracking
// in-flight attempts until the provider calls back.
package flow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultAttemptTTL bounds how long a login may sit between the redirect
// and the provider callback.
const DefaultAttemptTTL = 10 * time.Minute

// ErrUnknownState is returned when no attempt exists for a state value,
// because it expired, was already consumed, or never existed. This is the
// primary anti-replay and anti-CSRF control.
var ErrUnknownState = errors.New("unknown or expired state")

// ErrStateCollision is returned when an attempt already exists for a state
// value. With 256-bit random states this indicates a caller bug, not chance.
var ErrStateCollision = errors.New("attempt already registered for state")

// Attempt tracks one in-flight login between the authorize redirect and
// the provider callback. Attempts live only until their TTL; they are
// consumed exactly once, success or failure.
type Attempt struct {
	// State correlates the provider callback with this attempt.
	State string `json:"state"`

	// Nonce is echoed in the ID token and validated on exchange.
	Nonce string `json:"nonce"`

	// PKCEVerifier is the code verifier when PKCE is enabled; only the
	// derived challenge is sent to the provider.
	PKCEVerifier string `json:"pkce_verifier,omitempty"`

	// ClientRedirect is where the browser is sent after the local callback
	// completes (web connector page, app scheme, or CLI localhost port).
	ClientRedirect string `json:"client_redirect,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the attempt's TTL has elapsed.
func (a *Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// AttemptStore tracks in-flight attempts keyed by state.
type AttemptStore interface {
	// Put registers a new attempt. Exactly one attempt may exist per state.
	Put(ctx context.Context, attempt *Attempt) error

	// Lookup returns the attempt for the state without consuming it.
	// Returns ErrUnknownState when absent or expired. Used by the provider
	// callback, which forwards to the client before the code is redeemed.
	Lookup(ctx context.Context, state string) (*Attempt, error)

	// Consume atomically removes and returns the attempt for the state.
	// Returns ErrUnknownState when absent or expired. An attempt can be
	// consumed at most once even under concurrent callback replays.
	Consume(ctx context.Context, state string) (*Attempt, error)

	// Close stops background maintenance.
	Close() error
}

// randomToken returns a URL-safe random string of 32 bytes entropy.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// s256Challenge derives the PKCE S256 code challenge from a verifier,
// per RFC 7636 Section 4.2.
func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
