package session

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

const testAuthority = "https://idp.example.com"

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedTestKey avoids generating an RSA key per test.
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func newTestIssuer(t *testing.T, localLifetimes bool) *Issuer {
	t.Helper()
	return NewIssuer(IssuerConfig{
		Domain:         "https://vault.example.com",
		Authority:      testAuthority,
		LocalLifetimes: localLifetimes,
	}, sharedTestKey(t))
}

func testUser() *storage.User {
	return &storage.User{
		UUID:          "user-uuid",
		Email:         "user@example.com",
		EmailVerified: true,
		Name:          "Test User",
	}
}

func testDevice() *storage.Device {
	return &storage.Device{
		UUID:          "device-uuid",
		UserUUID:      "user-uuid",
		Name:          "firefox",
		RefreshRandom: "refresh-random-1",
	}
}

func decodeRefresh(t *testing.T, issuer *Issuer, token string) *refreshClaims {
	t.Helper()
	claims, err := parseRefreshClaims(token, func(*jwt.Token) (any, error) {
		return issuer.PublicKey(), nil
	})
	require.NoError(t, err)
	return claims
}

func decodeAccess(t *testing.T, issuer *Issuer, token string) *accessClaims {
	t.Helper()
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return issuer.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return claims
}

// signProviderToken builds a provider-side JWT for lifetime mirroring.
func signProviderToken(t *testing.T, issuer string, exp time.Time) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestIssueWithProviderRefreshToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, false)

	localSession, err := issuer.Issue(testUser(), testDevice(), &exchange.ValidatedClaims{
		Subject:         "idp-sub",
		RawAccessToken:  "opaque-access",
		RawRefreshToken: "opaque-refresh",
		AccessTokenExp:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", localSession.TokenType)
	assert.Equal(t, "api offline_access", localSession.Scope)
	assert.InDelta(t, 3600, localSession.ExpiresIn, 60)

	refresh := decodeRefresh(t, issuer, localSession.RefreshToken)
	assert.Equal(t, WrapRefresh, refresh.TokenKind)
	assert.Equal(t, "opaque-refresh", refresh.WrappedToken)
	assert.Equal(t, "idp-sub", refresh.IdpSubject)
	assert.Equal(t, "refresh-random-1", refresh.DeviceToken)
	assert.True(t, refresh.HasProviderRefresh())

	// Opaque refresh token gets the default validity.
	assert.WithinDuration(t, time.Now().Add(defaultRefreshValidity), refresh.ExpiresAt.Time, time.Minute)

	access := decodeAccess(t, issuer, localSession.AccessToken)
	assert.Equal(t, "https://vault.example.com|login", access.Issuer)
	assert.Equal(t, "user-uuid", access.Subject)
	assert.Equal(t, "user@example.com", access.Email)
	assert.Equal(t, []string{"external"}, access.Amr)
}

func TestIssueWithoutProviderRefreshToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, false)
	exp := time.Now().Add(30 * time.Minute)

	localSession, err := issuer.Issue(testUser(), testDevice(), &exchange.ValidatedClaims{
		Subject:        "idp-sub",
		RawAccessToken: "opaque-access",
		AccessTokenExp: exp,
	})
	require.NoError(t, err)

	// The client still gets a refresh token; internally it wraps the
	// access token for userinfo fallback.
	refresh := decodeRefresh(t, issuer, localSession.RefreshToken)
	assert.Equal(t, WrapAccess, refresh.TokenKind)
	assert.Equal(t, "opaque-access", refresh.WrappedToken)
	assert.False(t, refresh.HasProviderRefresh())
	require.NotNil(t, refresh.WrappedExp)
	assert.WithinDuration(t, exp, refresh.WrappedExp.Time, time.Second)
}

func TestIssueMirrorsProviderJWTLifetimes(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, false)

	accessExp := time.Now().Add(12 * time.Minute)
	refreshExp := time.Now().Add(48 * time.Hour)

	localSession, err := issuer.Issue(testUser(), testDevice(), &exchange.ValidatedClaims{
		Subject:         "idp-sub",
		RawAccessToken:  signProviderToken(t, testAuthority, accessExp),
		RawRefreshToken: signProviderToken(t, testAuthority, refreshExp),
		AccessTokenExp:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	access := decodeAccess(t, issuer, localSession.AccessToken)
	assert.WithinDuration(t, accessExp, access.ExpiresAt.Time, time.Second)

	refresh := decodeRefresh(t, issuer, localSession.RefreshToken)
	assert.WithinDuration(t, refreshExp, refresh.ExpiresAt.Time, time.Second)
}

func TestIssueIgnoresForeignJWTLifetimes(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, false)
	recorded := time.Now().Add(45 * time.Minute)

	// A JWT from some other issuer is treated as opaque.
	localSession, err := issuer.Issue(testUser(), testDevice(), &exchange.ValidatedClaims{
		Subject:        "idp-sub",
		RawAccessToken: signProviderToken(t, "https://unrelated.example.com", time.Now().Add(9*time.Hour)),
		AccessTokenExp: recorded,
	})
	require.NoError(t, err)

	access := decodeAccess(t, issuer, localSession.AccessToken)
	assert.WithinDuration(t, recorded, access.ExpiresAt.Time, time.Second)
}

func TestIssueLocalLifetimes(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, true)

	localSession, err := issuer.Issue(testUser(), testDevice(), &exchange.ValidatedClaims{
		Subject:         "idp-sub",
		RawAccessToken:  "opaque-access",
		RawRefreshToken: "opaque-refresh",
	})
	require.NoError(t, err)

	access := decodeAccess(t, issuer, localSession.AccessToken)
	assert.WithinDuration(t, time.Now().Add(localAccessValidity), access.ExpiresAt.Time, time.Minute)

	// Provider tokens are not wrapped in this mode.
	refresh := decodeRefresh(t, issuer, localSession.RefreshToken)
	assert.Empty(t, refresh.TokenKind)
	assert.Empty(t, refresh.WrappedToken)
	assert.WithinDuration(t, time.Now().Add(localRefreshValidity), refresh.ExpiresAt.Time, time.Minute)
}

func TestMirroredValidity(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exp := now.Add(time.Hour)

	t.Run("jwt with pinned issuer", func(t *testing.T) {
		t.Parallel()
		nbf, got, ok := mirroredValidity(signProviderToken(t, testAuthority, exp), testAuthority, now)
		require.True(t, ok)
		assert.WithinDuration(t, exp, got, time.Second)
		assert.WithinDuration(t, now, nbf, 5*time.Second)
	})

	t.Run("foreign issuer rejected", func(t *testing.T) {
		t.Parallel()
		_, _, ok := mirroredValidity(signProviderToken(t, "https://other.example.com", exp), testAuthority, now)
		assert.False(t, ok)
	})

	t.Run("opaque token rejected", func(t *testing.T) {
		t.Parallel()
		_, _, ok := mirroredValidity("not-a-jwt", testAuthority, now)
		assert.False(t, ok)
	})
}
