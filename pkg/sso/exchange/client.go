package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/networking"
	"github.com/vaultwarden/vwsso/pkg/sso/discovery"
	"github.com/vaultwarden/vwsso/pkg/sso/flow"
	"github.com/vaultwarden/vwsso/pkg/sso/trust"
)

// defaultAccessTokenValidity applies when the provider omits expires_in.
const defaultAccessTokenValidity = time.Hour

// ErrUserInfoSubjectMismatch is returned when the userinfo subject does
// not match the ID token's subject, per OIDC Core Section 5.3.4.
var ErrUserInfoSubjectMismatch = errors.New("userinfo subject does not match id token subject")

// ErrMissingEmail is returned when neither the ID token nor the userinfo
// response carries an email for the authenticated subject.
var ErrMissingEmail = errors.New("provider returned no email claim")

// ClientConfig carries the settings the exchange client needs.
type ClientConfig struct {
	// Authority is the provider issuer URL, also the pinned expected iss.
	Authority string

	// ClientID and ClientSecret authenticate us at the token endpoint.
	ClientID     string
	ClientSecret string

	// RedirectURL must match the redirect_uri sent on authorize.
	RedirectURL string

	// OfflineAccess is set when the configured scopes request a refresh
	// token; its absence in the response is then worth a warning.
	OfflineAccess bool

	// DebugTokens dumps raw provider tokens at debug level.
	DebugTokens bool
}

// Client drives the code and refresh-token grants against the provider
// and validates what comes back.
type Client struct {
	cfg        ClientConfig
	discovery  *discovery.Client
	attempts   flow.AttemptStore
	validator  *idTokenValidator
	httpClient networking.HTTPClient
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient networking.HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClock sets a custom time source. Intended for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
		c.validator.now = now
	}
}

// NewClient creates an exchange client.
func NewClient(
	cfg ClientConfig,
	disc *discovery.Client,
	attempts flow.AttemptStore,
	policy *trust.Policy,
	opts ...ClientOption,
) *Client {
	c := &Client{
		cfg:        cfg,
		discovery:  disc,
		attempts:   attempts,
		httpClient: networking.DefaultClient(),
		now:        time.Now,
		validator: &idTokenValidator{
			issuer:    cfg.Authority,
			policy:    policy,
			discovery: disc,
			now:       time.Now,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exchange consumes the attempt registered for state, redeems the
// authorization code, and validates the returned ID token. The attempt
// is consumed whether or not the exchange succeeds; a failed login
// starts over from a fresh authorize redirect.
func (c *Client) Exchange(ctx context.Context, code, state string) (*ValidatedClaims, error) {
	attempt, err := c.attempts.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURL},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if attempt.PKCEVerifier != "" {
		params.Set("code_verifier", attempt.PKCEVerifier)
	}

	tokens, err := c.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	if tokens.IDToken == "" {
		return nil, errors.New("token response missing id_token")
	}

	c.debugTokens(tokens)

	if c.cfg.OfflineAccess && tokens.RefreshToken == "" {
		logger.Errorw("scopes request offline_access but the provider returned no refresh token, " +
			"clients will fall back to userinfo-based session renewal")
	}

	return c.buildClaims(ctx, tokens, attempt.Nonce)
}

// Refresh redeems a provider refresh token. Providers may rotate the ID
// token's claims on refresh, so any returned ID token goes through the
// same validation pipeline, minus the nonce which only exists on the
// code grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*ValidatedClaims, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	tokens, err := c.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	c.debugTokens(tokens)

	if tokens.IDToken != "" {
		return c.buildClaims(ctx, tokens, "")
	}

	// No ID token on refresh; identity was established at login.
	return &ValidatedClaims{
		Issuer:          c.cfg.Authority,
		RawAccessToken:  tokens.AccessToken,
		RawRefreshToken: tokens.RefreshToken,
		AccessTokenExp:  tokens.ExpiresAt,
	}, nil
}

// buildClaims validates the ID token and fills in userinfo-sourced
// fields. A missing email claim falls back to userinfo; missing in both
// places fails the exchange.
func (c *Client) buildClaims(ctx context.Context, tokens *TokenSet, expectedNonce string) (*ValidatedClaims, error) {
	idClaims, err := c.validator.validate(ctx, tokens.IDToken, expectedNonce)
	if err != nil {
		return nil, err
	}

	claims := &ValidatedClaims{
		Issuer:          idClaims.Issuer,
		Subject:         idClaims.Subject,
		Email:           idClaims.Email,
		EmailVerified:   idClaims.EmailVerified,
		RawAccessToken:  tokens.AccessToken,
		RawRefreshToken: tokens.RefreshToken,
		AccessTokenExp:  tokens.ExpiresAt,
	}

	userInfo, err := c.UserInfo(ctx, tokens.AccessToken, idClaims.Subject)
	switch {
	case err != nil && claims.Email == "":
		return nil, fmt.Errorf("id token has no email claim and userinfo lookup failed: %w", err)
	case err != nil:
		logger.Debugw("userinfo lookup failed, continuing with id token claims", "error", err)
	default:
		if claims.Email == "" && userInfo.Email != "" {
			claims.Email = strings.ToLower(userInfo.Email)
			claims.EmailVerified = userInfo.EmailVerified
		}
		if userInfo.PreferredUsername != "" {
			claims.PreferredUsername = userInfo.PreferredUsername
		} else if userInfo.Name != "" {
			claims.PreferredUsername = userInfo.Name
		}
	}

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	return claims, nil
}

// UserInfo fetches the userinfo document and verifies its subject
// matches the ID token's, per OIDC Core Section 5.3.4.
func (c *Client) UserInfo(ctx context.Context, accessToken, expectedSubject string) (*UserInfo, error) {
	if accessToken == "" {
		return nil, errors.New("access token is required")
	}

	metadata, err := c.discovery.GetMetadata(ctx, c.cfg.Authority)
	if err != nil {
		return nil, err
	}
	if metadata.UserinfoEndpoint == "" {
		return nil, errors.New("provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.Debugw("userinfo request rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	if expectedSubject != "" && info.Subject != expectedSubject {
		logger.Warnw("userinfo subject mismatch",
			"expected_subject", expectedSubject,
			"actual_subject", info.Subject,
		)
		return nil, fmt.Errorf("%w: expected %q, got %q",
			ErrUserInfoSubjectMismatch, expectedSubject, info.Subject)
	}

	return &UserInfo{
		Subject:           info.Subject,
		Email:             info.Email,
		EmailVerified:     info.EmailVerified,
		Name:              info.Name,
		PreferredUsername: info.PreferredUsername,
	}, nil
}

// tokenRequest performs a form POST against the provider's token endpoint.
func (c *Client) tokenRequest(ctx context.Context, params url.Values) (*TokenSet, error) {
	metadata, err := c.discovery.GetMetadata(ctx, c.cfg.Authority)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		metadata.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var tokenError tokenErrorResponse
		if err := json.Unmarshal(body, &tokenError); err == nil && tokenError.Error != "" {
			// RFC 6749 error codes are standardized and safe to surface.
			return nil, fmt.Errorf("token request failed: %s - %s",
				tokenError.Error, tokenError.ErrorDescription)
		}
		logger.Debugw("token request rejected", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	// token_type comparison is case-insensitive per RFC 6749 Section 5.1.
	if !strings.EqualFold(tokenResp.TokenType, "bearer") {
		return nil, fmt.Errorf("unexpected token_type: expected \"Bearer\", got %q", tokenResp.TokenType)
	}

	expiresAt := c.now().Add(defaultAccessTokenValidity)
	if tokenResp.ExpiresIn > 0 {
		expiresAt = c.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	return &TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// debugTokens dumps raw provider tokens. Gated twice: the config flag
// and the debug log level must both be on.
func (c *Client) debugTokens(tokens *TokenSet) {
	if !c.cfg.DebugTokens || !logger.DebugEnabled() {
		return
	}
	logger.Debugw("provider token response",
		"id_token", tokens.IDToken,
		"access_token", tokens.AccessToken,
		"refresh_token", tokens.RefreshToken,
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
}
