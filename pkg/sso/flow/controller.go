package flow

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/discovery"
)

// cliPortPattern extracts the loopback port a CLI client listens on.
var cliPortPattern = regexp.MustCompile(`^http://localhost:([0-9]{4})$`)

// appSchemeCallback is the callback URL registered by the desktop and
// mobile applications.
const appSchemeCallback = "bitwarden://sso-callback"

// ControllerConfig carries the settings the controller needs.
type ControllerConfig struct {
	// Authority is the provider issuer URL.
	Authority string

	// ClientID is our client id at the provider.
	ClientID string

	// RedirectURL is our callback URL, registered with the provider.
	RedirectURL string

	// Domain is this server's public origin, used for the web connector page.
	Domain string

	// Scopes to request, "openid" included.
	Scopes []string

	// ExtraParams are provider-specific authorize parameters.
	ExtraParams map[string]string

	// PKCE enables the S256 code challenge.
	PKCE bool

	// AttemptTTL bounds the in-flight attempt lifetime. Defaults to
	// DefaultAttemptTTL when zero.
	AttemptTTL time.Duration
}

// Controller builds authorize redirects and registers the matching
// in-flight attempts.
type Controller struct {
	cfg       ControllerConfig
	discovery *discovery.Client
	attempts  AttemptStore
	now       func() time.Time
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig, disc *discovery.Client, attempts AttemptStore) *Controller {
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = DefaultAttemptTTL
	}
	return &Controller{
		cfg:       cfg,
		discovery: disc,
		attempts:  attempts,
		now:       time.Now,
	}
}

// ClientRedirect derives where the browser is sent after the local
// callback completes, from the ecosystem client id and the raw redirect
// the client asked for. Unknown clients are rejected.
func (c *Controller) ClientRedirect(clientID, rawRedirectURI string) (string, error) {
	switch clientID {
	case "web", "browser":
		return strings.TrimSuffix(c.cfg.Domain, "/") + "/sso-connector.html", nil
	case "desktop", "mobile":
		return appSchemeCallback, nil
	case "cli":
		m := cliPortPattern.FindStringSubmatch(rawRedirectURI)
		if m == nil {
			return "", fmt.Errorf("failed to extract CLI callback port from %q", rawRedirectURI)
		}
		return "http://localhost:" + m[1], nil
	default:
		return "", fmt.Errorf("unsupported client %q", clientID)
	}
}

// Begin starts a login: it generates state and nonce (and the PKCE pair
// when enabled), registers the attempt, and returns the authorize URL.
// Discovery failures propagate without registering a partial attempt.
func (c *Controller) Begin(ctx context.Context, clientRedirect string) (string, *Attempt, error) {
	metadata, err := c.discovery.GetMetadata(ctx, c.cfg.Authority)
	if err != nil {
		return "", nil, err
	}

	state, err := randomToken()
	if err != nil {
		return "", nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", nil, err
	}

	now := c.now()
	attempt := &Attempt{
		State:          state,
		Nonce:          nonce,
		ClientRedirect: clientRedirect,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.AttemptTTL),
	}

	// The state is base64 wrapped on the wire so provider-hostile
	// characters never appear in a query parameter.
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURL},
		"scope":         {strings.Join(c.cfg.Scopes, " ")},
		"state":         {EncodeState(state)},
		"nonce":         {nonce},
	}

	if c.cfg.PKCE {
		verifier, err := randomToken()
		if err != nil {
			return "", nil, err
		}
		attempt.PKCEVerifier = verifier
		params.Set("code_challenge", s256Challenge(verifier))
		params.Set("code_challenge_method", "S256")

		// Per RFC 7636 Section 5 the challenge is sent regardless of
		// advertised support; providers that ignore PKCE simply drop it.
		if !metadata.SupportsPKCE() {
			logger.Debugw("provider does not advertise S256 support, sending PKCE anyway")
		}
	}

	for k, v := range c.cfg.ExtraParams {
		params.Set(k, v)
	}

	if err := c.attempts.Put(ctx, attempt); err != nil {
		return "", nil, fmt.Errorf("registering authorization attempt: %w", err)
	}

	logger.Debugw("authorization attempt registered",
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"has_pkce", attempt.PKCEVerifier != "",
		"expires_at", attempt.ExpiresAt.Format(time.RFC3339),
	)

	return metadata.AuthorizationEndpoint + "?" + params.Encode(), attempt, nil
}

// EncodeState wraps state for the wire. Some providers mangle raw state
// values, so it travels base64 encoded.
func EncodeState(state string) string {
	return base64.StdEncoding.EncodeToString([]byte(state))
}

// DecodeState unwraps the base64 state the provider echoes back.
func DecodeState(wire string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return "", fmt.Errorf("failed to base64 decode state %q: %w", wire, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("invalid utf8 in decoded state")
	}
	return string(raw), nil
}
