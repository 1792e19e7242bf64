package discovery

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/vaultwarden/vwsso/pkg/networking"
)

// WellKnownOIDCPath is the discovery document path relative to the issuer.
const WellKnownOIDCPath = "/.well-known/openid-configuration"

// pkceMethodS256 is the only code challenge method we send.
const pkceMethodS256 = "S256"

// ProviderMetadata is the provider's discovery document. It is immutable
// once fetched; the cache replaces it wholesale on refresh.
type ProviderMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
}

// SupportsPKCE checks if the provider advertises S256 PKCE support.
func (m *ProviderMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == pkceMethodS256 {
			return true
		}
	}
	return false
}

// Validate checks the discovery document for required fields and safe
// endpoint URLs, per OIDC Discovery 1.0.
func (m *ProviderMetadata) Validate(expectedIssuer string) error {
	if m.Issuer == "" {
		return errors.New("missing issuer")
	}

	// Issuer must match exactly (per OIDC spec).
	if m.Issuer != expectedIssuer {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, m.Issuer)
	}

	if m.AuthorizationEndpoint == "" {
		return errors.New("missing authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return errors.New("missing token_endpoint")
	}
	if m.JWKSURI == "" {
		return errors.New("missing jwks_uri")
	}

	// Validate that discovered endpoints use safe schemes. This prevents a
	// malicious discovery document from redirecting token requests to an
	// attacker-controlled plain-HTTP endpoint.
	endpoints := map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
		"jwks_uri":               m.JWKSURI,
	}
	if m.UserinfoEndpoint != "" {
		endpoints["userinfo_endpoint"] = m.UserinfoEndpoint
	}
	for name, endpoint := range endpoints {
		if err := validateEndpointOrigin(endpoint, expectedIssuer); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// validateEndpointOrigin validates that an endpoint URL uses a secure
// scheme relative to the issuer.
//
// Scheme consistency is enforced (HTTPS for production, HTTP allowed for
// localhost testing) but host matching is not: major providers legitimately
// use different hosts for different endpoints (e.g. Google's issuer is
// accounts.google.com while the token endpoint lives on oauth2.googleapis.com).
// The discovery document is fetched over TLS from the configured issuer,
// which is the trust anchor.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		// Endpoint must also be localhost when the issuer is localhost.
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != networking.HttpsScheme {
		return fmt.Errorf("scheme mismatch: issuer uses HTTPS but endpoint uses %q", endpointURL.Scheme)
	}

	return nil
}
