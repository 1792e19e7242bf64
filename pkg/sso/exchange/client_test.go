package exchange

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultwarden/vwsso/pkg/sso/discovery"
	"github.com/vaultwarden/vwsso/pkg/sso/flow"
	"github.com/vaultwarden/vwsso/pkg/sso/trust"
)

const (
	testClientID = "vaultwarden"
	testSubject  = "subject-1"
)

// fakeProvider is an OIDC provider with real RSA-signed ID tokens.
type fakeProvider struct {
	*httptest.Server
	t *testing.T

	key atomic.Pointer[signingKey]

	// idClaims overrides the ID token claims for the next token response.
	idClaims jwt.MapClaims

	// omitIDToken and omitRefreshToken shape the token response.
	omitIDToken      bool
	omitRefreshToken bool

	// userinfo overrides the userinfo body. nil serves the default.
	userinfo map[string]any

	jwksFetches atomic.Int64
}

type signingKey struct {
	key *rsa.PrivateKey
	kid string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{t: t}
	p.rotateKey("kid-1")

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/keys", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserInfo)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// rotateKey replaces the signing key, simulating provider-side rotation.
func (p *fakeProvider) rotateKey(kid string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err)
	p.key.Store(&signingKey{key: key, kid: kid})
}

func (p *fakeProvider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 p.URL,
		"authorization_endpoint": p.URL + "/authorize",
		"token_endpoint":         p.URL + "/token",
		"userinfo_endpoint":      p.URL + "/userinfo",
		"jwks_uri":               p.URL + "/keys",
	})
}

func (p *fakeProvider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksFetches.Add(1)
	current := p.key.Load()

	pub, err := jwk.Import(current.key.Public())
	require.NoError(p.t, err)
	require.NoError(p.t, pub.Set(jwk.KeyIDKey, current.kid))

	set := jwk.NewSet()
	require.NoError(p.t, set.AddKey(pub))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())

	resp := map[string]any{
		"access_token": "provider-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !p.omitRefreshToken {
		resp["refresh_token"] = "provider-refresh-token"
	}
	if !p.omitIDToken {
		resp["id_token"] = p.signIDToken(p.idTokenClaims())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *fakeProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer provider-access-token" {
		http.Error(w, "missing authorization", http.StatusUnauthorized)
		return
	}

	body := p.userinfo
	if body == nil {
		body = map[string]any{
			"sub":                testSubject,
			"email":              "user@example.com",
			"email_verified":     true,
			"preferred_username": "jdoe",
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// idTokenClaims returns the claims for the next ID token, with sane
// defaults merged under any test overrides.
func (p *fakeProvider) idTokenClaims() jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":            p.URL,
		"sub":            testSubject,
		"aud":            testClientID,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
		"email":          "User@Example.COM",
		"email_verified": true,
	}
	for k, v := range p.idClaims {
		claims[k] = v
	}
	return claims
}

func (p *fakeProvider) signIDToken(claims jwt.MapClaims) string {
	current := p.key.Load()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = current.kid

	signed, err := token.SignedString(current.key)
	require.NoError(p.t, err)
	return signed
}

// newTestExchange builds a client against the fake provider with one
// registered attempt, returning the attempt's state.
func newTestExchange(t *testing.T, p *fakeProvider, nonce string) (*Client, string) {
	t.Helper()

	attempts := flow.NewMemoryAttemptStore()
	t.Cleanup(func() { _ = attempts.Close() })

	now := time.Now()
	require.NoError(t, attempts.Put(context.Background(), &flow.Attempt{
		State:     "test-state",
		Nonce:     nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(flow.DefaultAttemptTTL),
	}))

	policy, err := trust.New(testClientID, "^proj-123$")
	require.NoError(t, err)

	client := NewClient(ClientConfig{
		Authority:    p.URL,
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  "https://vault.example.com/identity/connect/oidc-signin",
	}, discovery.NewClient(time.Minute), attempts, policy)

	return client, "test-state"
}

func TestExchangeSuccess(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce"}
	client, state := newTestExchange(t, provider, "test-nonce")

	claims, err := client.Exchange(context.Background(), "test-code", state)
	require.NoError(t, err)

	assert.Equal(t, provider.URL, claims.Issuer)
	assert.Equal(t, testSubject, claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email, "email is lowercased")
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "jdoe", claims.PreferredUsername)
	assert.Equal(t, "provider-access-token", claims.RawAccessToken)
	assert.Equal(t, "provider-refresh-token", claims.RawRefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.AccessTokenExp, time.Minute)
}

func TestExchangeConsumesState(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce"}
	client, state := newTestExchange(t, provider, "test-nonce")
	ctx := context.Background()

	_, err := client.Exchange(ctx, "test-code", state)
	require.NoError(t, err)

	_, err = client.Exchange(ctx, "test-code", state)
	assert.ErrorIs(t, err, flow.ErrUnknownState)
}

func TestExchangeUnknownState(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	client, _ := newTestExchange(t, provider, "test-nonce")

	_, err := client.Exchange(context.Background(), "test-code", "never-registered")
	assert.ErrorIs(t, err, flow.ErrUnknownState)
}

func TestExchangeValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		idClaims   jwt.MapClaims
		wantReason ValidationReason
	}{
		{
			name:       "nonce mismatch",
			idClaims:   jwt.MapClaims{"nonce": "some-other-nonce"},
			wantReason: ReasonNonce,
		},
		{
			name:       "missing nonce",
			idClaims:   jwt.MapClaims{},
			wantReason: ReasonNonce,
		},
		{
			name:       "untrusted audience",
			idClaims:   jwt.MapClaims{"nonce": "test-nonce", "aud": "proj-1234"},
			wantReason: ReasonAudience,
		},
		{
			name:       "expired token",
			idClaims:   jwt.MapClaims{"nonce": "test-nonce", "exp": time.Now().Add(-time.Hour).Unix()},
			wantReason: ReasonExpiry,
		},
		{
			name:       "wrong issuer",
			idClaims:   jwt.MapClaims{"nonce": "test-nonce", "iss": "https://evil.example.com"},
			wantReason: ReasonIssuer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			provider := newFakeProvider(t)
			provider.idClaims = tt.idClaims
			client, state := newTestExchange(t, provider, "test-nonce")

			_, err := client.Exchange(context.Background(), "test-code", state)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantReason, validationErr.Reason)
		})
	}
}

func TestExchangeTrustsPatternAudience(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce", "aud": "proj-123"}
	client, state := newTestExchange(t, provider, "test-nonce")

	_, err := client.Exchange(context.Background(), "test-code", state)
	assert.NoError(t, err)
}

func TestExchangeForeignSignature(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce"}
	client, state := newTestExchange(t, provider, "test-nonce")
	ctx := context.Background()

	// Warm the JWKS cache with the genuine key.
	metadata, err := client.discovery.GetMetadata(ctx, provider.URL)
	require.NoError(t, err)
	_, err = client.discovery.GetSigningKeys(ctx, metadata.JWKSURI)
	require.NoError(t, err)

	// Sign with a foreign key under the cached kid. The kid resolves, the
	// signature does not.
	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	provider.key.Store(&signingKey{key: foreign, kid: "kid-1"})

	_, err = client.Exchange(ctx, "test-code", state)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, ReasonSignature, validationErr.Reason)
}

func TestExchangeKeyRotationRefetchesOnce(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce"}
	client, state := newTestExchange(t, provider, "test-nonce")
	ctx := context.Background()

	// Warm the cache with the old key set.
	metadata, err := client.discovery.GetMetadata(ctx, provider.URL)
	require.NoError(t, err)
	_, err = client.discovery.GetSigningKeys(ctx, metadata.JWKSURI)
	require.NoError(t, err)
	require.EqualValues(t, 1, provider.jwksFetches.Load())

	// Rotate: new tokens are signed with a kid the cache has not seen.
	provider.rotateKey("kid-2")

	claims, err := client.Exchange(ctx, "test-code", state)
	require.NoError(t, err)
	assert.Equal(t, testSubject, claims.Subject)
	assert.EqualValues(t, 2, provider.jwksFetches.Load(), "unknown kid forces exactly one re-fetch")
}

func TestExchangeEmailFallbackToUserInfo(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce", "email": nil}
	client, state := newTestExchange(t, provider, "test-nonce")

	claims, err := client.Exchange(context.Background(), "test-code", state)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", claims.Email)
}

func TestExchangeMissingEmailEverywhere(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"nonce": "test-nonce", "email": nil}
	provider.userinfo = map[string]any{"sub": testSubject}
	client, state := newTestExchange(t, provider, "test-nonce")

	_, err := client.Exchange(context.Background(), "test-code", state)
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestUserInfoSubjectMismatch(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.userinfo = map[string]any{"sub": "somebody-else", "email": "user@example.com"}
	client, _ := newTestExchange(t, provider, "test-nonce")

	_, err := client.UserInfo(context.Background(), "provider-access-token", testSubject)
	assert.ErrorIs(t, err, ErrUserInfoSubjectMismatch)
}

func TestRefreshWithoutIDToken(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.omitIDToken = true
	client, _ := newTestExchange(t, provider, "test-nonce")

	claims, err := client.Refresh(context.Background(), "provider-refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "provider-access-token", claims.RawAccessToken)
	assert.Equal(t, "provider-refresh-token", claims.RawRefreshToken)
	assert.Empty(t, claims.Subject)
}

func TestRefreshValidatesReturnedIDToken(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(t)
	provider.idClaims = jwt.MapClaims{"aud": "untrusted"}
	client, _ := newTestExchange(t, provider, "test-nonce")

	_, err := client.Refresh(context.Background(), "provider-refresh-token")

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, ReasonAudience, validationErr.Reason)
}
