package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Wrapped token kinds carried inside a local refresh token.
const (
	// WrapRefresh wraps a provider refresh token; renewal goes through
	// the provider's token endpoint.
	WrapRefresh = "refresh"

	// WrapAccess wraps the provider access token because the provider
	// returned no refresh token; renewal falls back to userinfo while the
	// access token stays valid.
	WrapAccess = "access"
)

// loginScope mirrors the native session scope.
var loginScope = []string{"api", "offline_access"}

// accessClaims is the local access token payload, shaped like the
// server's native login tokens.
type accessClaims struct {
	jwt.RegisteredClaims

	Premium       bool     `json:"premium"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Device        string   `json:"device"`
	Scope         []string `json:"scope"`
	Amr           []string `json:"amr"`
}

// refreshClaims is the local refresh token payload. The wrapped provider
// token never leaves the server except inside this signed envelope.
type refreshClaims struct {
	jwt.RegisteredClaims

	// Device is the client device UUID.
	Device string `json:"device"`

	// DeviceToken is the device's refresh random; a rotated random
	// invalidates every refresh token issued before it.
	DeviceToken string `json:"device_token"`

	// IdpSubject is the provider subject, needed to validate userinfo
	// responses during fallback renewal. Empty in local-lifetime mode.
	IdpSubject string `json:"idp_subject,omitempty"`

	// TokenKind and WrappedToken carry the provider token, when any.
	TokenKind    string `json:"token_kind,omitempty"`
	WrappedToken string `json:"wrapped_token,omitempty"`

	// WrappedExp is when the wrapped provider access token expires.
	// Set only for WrapAccess.
	WrappedExp *jwt.NumericDate `json:"wrapped_exp,omitempty"`
}

// HasProviderRefresh reports whether renewal can go through the
// provider's token endpoint.
func (c *refreshClaims) HasProviderRefresh() bool {
	return c.TokenKind == WrapRefresh
}

// mirroredValidity extracts nbf and exp from a provider token that is
// itself a JWT, without verifying its signature; the token was either
// received over the authenticated token-endpoint channel or is opaque to
// us anyway. The issuer claim is pinned so a foreign JWT is never
// mirrored. ok is false when the token is not a JWT we can mirror.
func mirroredValidity(rawToken, expectedIssuer string, now time.Time) (nbf, exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return time.Time{}, time.Time{}, false
	}

	if iss, err := claims.GetIssuer(); err != nil || iss != expectedIssuer {
		return time.Time{}, time.Time{}, false
	}

	expDate, err := claims.GetExpirationTime()
	if err != nil || expDate == nil {
		return time.Time{}, time.Time{}, false
	}

	nbf = now
	if nbfDate, err := claims.GetNotBefore(); err == nil && nbfDate != nil {
		nbf = nbfDate.Time
	} else if iatDate, err := claims.GetIssuedAt(); err == nil && iatDate != nil {
		nbf = iatDate.Time
	}

	return nbf, expDate.Time, true
}

// parseRefreshClaims verifies a local refresh token and returns its
// payload. Expired or tampered tokens fail here.
func parseRefreshClaims(token string, keyfunc jwt.Keyfunc) (*refreshClaims, error) {
	claims := &refreshClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid refresh token")
	}
	return claims, nil
}
