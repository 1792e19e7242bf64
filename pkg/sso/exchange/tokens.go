// Package exchange implements the provider-facing half of a login: the
// token-endpoint calls, ID-token validation against the provider's
// published keys, and the userinfo lookup.
package exchange

import (
	"time"
)

// TokenSet holds the tokens returned by the provider's token endpoint.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// ValidatedClaims is the fixed shape handed past this package's boundary
// once an ID token has been fully validated. Raw provider JSON never
// travels further than here.
type ValidatedClaims struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool

	// PreferredUsername is the display name from userinfo, when fetched.
	PreferredUsername string

	// RawAccessToken and RawRefreshToken are the provider's tokens,
	// carried so sessions can wrap them. RawRefreshToken may be empty.
	RawAccessToken  string
	RawRefreshToken string

	// AccessTokenExp is when the provider access token expires.
	AccessTokenExp time.Time
}

// UserInfo is the parsed userinfo response.
type UserInfo struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
}

// tokenResponse is the provider's token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenErrorResponse is the provider's token endpoint error body,
// per RFC 6749 Section 5.2.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// userInfoResponse is the raw userinfo body before claim extraction.
type userInfoResponse struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}
