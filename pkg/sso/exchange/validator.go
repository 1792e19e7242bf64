package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/discovery"
	"github.com/vaultwarden/vwsso/pkg/sso/trust"
)

// ValidationReason identifies which check an ID token failed. Reasons are
// logged server-side only; browsers see a generic authentication failure.
type ValidationReason string

// Validation failure reasons.
const (
	ReasonMalformed ValidationReason = "malformed"
	ReasonSignature ValidationReason = "signature"
	ReasonIssuer    ValidationReason = "issuer"
	ReasonAudience  ValidationReason = "audience"
	ReasonNonce     ValidationReason = "nonce"
	ReasonExpiry    ValidationReason = "expiry"
)

// ValidationError reports an ID token that failed validation, carrying
// the specific reason.
type ValidationError struct {
	Reason ValidationReason
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("id token validation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("id token validation failed (%s)", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// idTokenClaims is what validation extracts from a valid ID token.
type idTokenClaims struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
}

// idTokenValidator verifies ID token signatures against the provider's
// published keys and checks the standard claims.
type idTokenValidator struct {
	issuer    string
	policy    *trust.Policy
	discovery *discovery.Client
	now       func() time.Time
}

// signingMethods lists the accepted JWS algorithms. RSA only, matching
// what the supported providers publish.
var signingMethods = []string{"RS256", "RS384", "RS512"}

// validate verifies the ID token signature and claims. expectedNonce is
// empty for refresh-grant tokens, where no nonce was sent upstream.
// Validation failures invalidate the issuer's cached metadata and keys
// so a provider-side key rotation self-heals on the next attempt.
func (v *idTokenValidator) validate(ctx context.Context, idToken, expectedNonce string) (*idTokenClaims, error) {
	claims, err := v.check(ctx, idToken, expectedNonce)
	if err != nil {
		v.discovery.Invalidate(v.issuer)
	}
	return claims, err
}

func (v *idTokenValidator) check(ctx context.Context, idToken, expectedNonce string) (*idTokenClaims, error) {
	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, mapClaims, v.keyfunc(ctx),
		jwt.WithValidMethods(signingMethods),
		// Claims are checked below so failures carry a specific reason.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, &ValidationError{Reason: ReasonMalformed, Err: err}
		}
		return nil, &ValidationError{Reason: ReasonSignature, Err: err}
	}

	issuer, err := mapClaims.GetIssuer()
	if err != nil || strings.TrimSpace(issuer) != v.issuer {
		return nil, &ValidationError{
			Reason: ReasonIssuer,
			Err:    fmt.Errorf("expected issuer %q, got %q", v.issuer, issuer),
		}
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, &ValidationError{Reason: ReasonExpiry, Err: errors.New("missing exp claim")}
	}
	if v.now().After(exp.Time) {
		return nil, &ValidationError{
			Reason: ReasonExpiry,
			Err:    fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339)),
		}
	}

	audiences, err := mapClaims.GetAudience()
	if err != nil || !v.policy.AnyTrusted(audiences) {
		return nil, &ValidationError{
			Reason: ReasonAudience,
			Err:    fmt.Errorf("no trusted audience in %v", []string(audiences)),
		}
	}

	if expectedNonce != "" {
		nonce, _ := mapClaims["nonce"].(string)
		if nonce == "" {
			return nil, &ValidationError{Reason: ReasonNonce, Err: errors.New("missing nonce claim")}
		}
		if nonce != expectedNonce {
			return nil, &ValidationError{Reason: ReasonNonce, Err: errors.New("nonce mismatch")}
		}
	}

	out := &idTokenClaims{Issuer: issuer}
	out.Subject, _ = mapClaims["sub"].(string)
	if out.Subject == "" {
		return nil, &ValidationError{Reason: ReasonMalformed, Err: errors.New("missing sub claim")}
	}
	if email, ok := mapClaims["email"].(string); ok {
		out.Email = strings.ToLower(email)
	}
	out.EmailVerified, _ = mapClaims["email_verified"].(bool)

	return out, nil
}

// keyfunc resolves the signing key by kid from the provider's JWKS.
// When the kid is unknown the cached set is invalidated and re-fetched
// exactly once, covering the provider rotating keys under us without
// turning a rogue token into a fetch storm.
func (v *idTokenValidator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token header missing kid")
		}

		metadata, err := v.discovery.GetMetadata(ctx, v.issuer)
		if err != nil {
			return nil, err
		}

		keySet, err := v.discovery.GetSigningKeys(ctx, metadata.JWKSURI)
		if err != nil {
			return nil, err
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			logger.Debugw("kid not in cached key set, forcing one re-fetch", "kid", kid)
			v.discovery.Invalidate(v.issuer)

			metadata, err = v.discovery.GetMetadata(ctx, v.issuer)
			if err != nil {
				return nil, err
			}
			keySet, err = v.discovery.GetSigningKeys(ctx, metadata.JWKSURI)
			if err != nil {
				return nil, err
			}
			key, found = keySet.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key id %q not found in provider key set", kid)
			}
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return rawKey, nil
	}
}
