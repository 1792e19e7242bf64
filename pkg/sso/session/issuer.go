package session

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

const (
	// defaultRefreshValidity applies when the provider refresh token
	// carries no readable expiry.
	defaultRefreshValidity = 30 * 24 * time.Hour

	// Local-lifetime mode validities, matching native sessions.
	localAccessValidity  = 2 * time.Hour
	localRefreshValidity = 7 * 24 * time.Hour

	// defaultAccessValidity applies when nothing else pins the expiry.
	defaultAccessValidity = time.Hour
)

// LocalSession is the token pair handed to the client. The refresh token
// is always present even when the provider returned none; renewability
// is an internal property of its claims.
type LocalSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
}

// IssuerConfig carries the settings the issuer needs.
type IssuerConfig struct {
	// Domain is this server's public origin; local tokens use the
	// "{domain}|login" issuer string.
	Domain string

	// Authority pins which provider JWTs may have their lifetimes
	// mirrored onto local tokens.
	Authority string

	// LocalLifetimes decouples session lifetimes from the provider's,
	// making sessions behave like native ones. Renewal then never
	// contacts the provider.
	LocalLifetimes bool
}

// Issuer mints local session token pairs.
type Issuer struct {
	cfg IssuerConfig
	key *rsa.PrivateKey
	now func() time.Time
}

// NewIssuer creates an Issuer signing with key.
func NewIssuer(cfg IssuerConfig, key *rsa.PrivateKey) *Issuer {
	return &Issuer{cfg: cfg, key: key, now: time.Now}
}

// PublicKey returns the verification key for locally issued tokens.
func (i *Issuer) PublicKey() *rsa.PublicKey {
	return &i.key.PublicKey
}

// LocalLifetimes reports whether provider-decoupled lifetimes are on.
func (i *Issuer) LocalLifetimes() bool {
	return i.cfg.LocalLifetimes
}

// Issue mints the session pair for a user and device. claims may be nil
// in local-lifetime mode; otherwise it carries the provider tokens the
// refresh token wraps.
func (i *Issuer) Issue(user *storage.User, device *storage.Device, claims *exchange.ValidatedClaims) (*LocalSession, error) {
	now := i.now()

	accessExp := i.accessExpiry(claims, now)
	refresh := refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.localIssuer(),
			Subject:   user.UUID,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Device:      device.UUID,
		DeviceToken: device.RefreshRandom,
	}

	if i.cfg.LocalLifetimes || claims == nil {
		refresh.ExpiresAt = jwt.NewNumericDate(now.Add(localRefreshValidity))
	} else {
		refresh.IdpSubject = claims.Subject
		i.wrapProviderToken(&refresh, claims, now)
	}

	access := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.localIssuer(),
			Subject:   user.UUID,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Device:        device.UUID,
		Scope:         loginScope,
		Amr:           []string{"external"},
	}

	accessToken, err := i.sign(access)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	refreshToken, err := i.sign(refresh)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}

	return &LocalSession{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(accessExp.Sub(now).Seconds()),
		TokenType:    "Bearer",
		Scope:        strings.Join(loginScope, " "),
	}, nil
}

// accessExpiry derives the local access token expiry: local lifetimes
// when decoupled, the provider token's own exp when it is a JWT we can
// mirror, the recorded expiry otherwise.
func (i *Issuer) accessExpiry(claims *exchange.ValidatedClaims, now time.Time) time.Time {
	if i.cfg.LocalLifetimes || claims == nil {
		return now.Add(localAccessValidity)
	}
	if _, exp, ok := mirroredValidity(claims.RawAccessToken, i.cfg.Authority, now); ok {
		return exp
	}
	if !claims.AccessTokenExp.IsZero() {
		return claims.AccessTokenExp
	}
	return now.Add(defaultAccessValidity)
}

// wrapProviderToken stores the provider token inside the refresh claims.
// A provider refresh token wraps directly; without one the access token
// is wrapped so renewal can fall back to userinfo while it lasts.
func (i *Issuer) wrapProviderToken(refresh *refreshClaims, claims *exchange.ValidatedClaims, now time.Time) {
	if claims.RawRefreshToken != "" {
		refresh.TokenKind = WrapRefresh
		refresh.WrappedToken = claims.RawRefreshToken

		exp := now.Add(defaultRefreshValidity)
		if _, mirrored, ok := mirroredValidity(claims.RawRefreshToken, i.cfg.Authority, now); ok {
			exp = mirrored
		}
		refresh.ExpiresAt = jwt.NewNumericDate(exp)
		return
	}

	logger.Debugw("no provider refresh token, wrapping access token for userinfo renewal",
		"user_uuid", refresh.Subject)

	refresh.TokenKind = WrapAccess
	refresh.WrappedToken = claims.RawAccessToken
	refresh.WrappedExp = jwt.NewNumericDate(i.accessExpiry(claims, now))
	refresh.ExpiresAt = jwt.NewNumericDate(now.Add(defaultRefreshValidity))
}

func (i *Issuer) localIssuer() string {
	return strings.TrimSuffix(i.cfg.Domain, "/") + "|login"
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
}
