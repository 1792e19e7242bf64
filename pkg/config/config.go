// Package config loads the SSO server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vaultwarden/vwsso/pkg/networking"
	"github.com/vaultwarden/vwsso/pkg/sso/trust"
)

// Defaults for optional settings.
const (
	DefaultScopes       = "email profile"
	DefaultCallbackPath = "identity/connect/oidc-signin"
	DefaultAttemptTTL   = 10 * time.Minute
	DefaultDataFolder   = "data"
)

// AttemptStoreType selects the backing store for in-flight authorization attempts.
type AttemptStoreType string

const (
	// AttemptStoreMemory keeps attempts in a process-local TTL map (default).
	AttemptStoreMemory AttemptStoreType = "memory"

	// AttemptStoreRedis keeps attempts in Redis so that any process in a
	// multi-instance deployment can complete a callback.
	AttemptStoreRedis AttemptStoreType = "redis"
)

// Config is the immutable process configuration. It is loaded once at
// startup; reload replaces the whole value.
type Config struct {
	// Enabled turns the SSO subsystem on.
	Enabled bool

	// Only disables master-password login entirely.
	Only bool

	// SignupsMatchEmail allows linking an existing local account whose email
	// matches the provider email. Default true.
	SignupsMatchEmail bool

	// Authority is the provider issuer URL, without trailing slash and
	// without the /.well-known suffix.
	Authority string

	// ClientID and ClientSecret are the credentials registered with the provider.
	ClientID     string
	ClientSecret string

	// Scopes requested from the provider, space separated. "openid" is
	// always added on the wire.
	Scopes string

	// AuthorizeExtraParams are provider-specific query parameters appended
	// to the authorize redirect, in URL query encoding.
	AuthorizeExtraParams string

	// PKCE enables the S256 code challenge on the authorization request.
	PKCE bool

	// AudienceTrusted is an anchored regex of extra trusted audiences.
	AudienceTrusted string

	// MasterPasswordPolicy is an opaque policy JSON document forwarded to clients.
	MasterPasswordPolicy string

	// AuthOnlyNotSession decouples local session lifetimes from provider
	// token lifetimes: the provider is only used for authentication.
	AuthOnlyNotSession bool

	// ClientCacheExpiration is the discovery/JWKS cache TTL in seconds.
	// Zero disables caching.
	ClientCacheExpiration time.Duration

	// DebugTokens dumps raw provider tokens at debug level. Ignored unless
	// the debug log level is active.
	DebugTokens bool

	// Domain is the public origin of this server, used for redirect targets
	// and as the local token issuer prefix.
	Domain string

	// CallbackPath is where the provider redirects back to, relative to Domain.
	CallbackPath string

	// SigningKeyFile is the PEM RSA private key used to sign local tokens.
	// Generated on first start when the file does not exist.
	SigningKeyFile string

	// AttemptTTL bounds the lifetime of an in-flight authorization attempt.
	AttemptTTL time.Duration

	// AttemptStore selects memory or redis attempt storage.
	AttemptStore AttemptStoreType

	// RedisURL is required when AttemptStore is redis.
	RedisURL string

	// DatabaseURL is the SQLite database path. Defaults to
	// {DataFolder}/db.sqlite3.
	DatabaseURL string

	// DataFolder holds the database and generated keys.
	DataFolder string

	// SignupsDomainsAllowlist restricts first-use signups to the listed
	// email domains (comma separated). Empty allows all.
	SignupsDomainsAllowlist string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SSO_SIGNUPS_MATCH_EMAIL", true)
	v.SetDefault("SSO_SCOPES", DefaultScopes)
	v.SetDefault("SSO_CALLBACK_PATH", DefaultCallbackPath)
	v.SetDefault("SSO_CLIENT_CACHE_EXPIRATION", 0)
	v.SetDefault("SSO_ATTEMPT_TTL", DefaultAttemptTTL)
	v.SetDefault("SSO_ATTEMPT_STORE", string(AttemptStoreMemory))
	v.SetDefault("DATA_FOLDER", DefaultDataFolder)
	v.SetDefault("DOMAIN", "http://localhost:8000")

	cfg := &Config{
		Enabled:                 v.GetBool("SSO_ENABLED"),
		Only:                    v.GetBool("SSO_ONLY"),
		SignupsMatchEmail:       v.GetBool("SSO_SIGNUPS_MATCH_EMAIL"),
		Authority:               v.GetString("SSO_AUTHORITY"),
		ClientID:                v.GetString("SSO_CLIENT_ID"),
		ClientSecret:            v.GetString("SSO_CLIENT_SECRET"),
		Scopes:                  v.GetString("SSO_SCOPES"),
		AuthorizeExtraParams:    v.GetString("SSO_AUTHORIZE_EXTRA_PARAMS"),
		PKCE:                    v.GetBool("SSO_PKCE"),
		AudienceTrusted:         v.GetString("SSO_AUDIENCE_TRUSTED"),
		MasterPasswordPolicy:    v.GetString("SSO_MASTER_PASSWORD_POLICY"),
		AuthOnlyNotSession:      v.GetBool("SSO_AUTH_ONLY_NOT_SESSION"),
		ClientCacheExpiration:   time.Duration(v.GetInt64("SSO_CLIENT_CACHE_EXPIRATION")) * time.Second,
		DebugTokens:             v.GetBool("SSO_DEBUG_TOKENS"),
		Domain:                  v.GetString("DOMAIN"),
		CallbackPath:            v.GetString("SSO_CALLBACK_PATH"),
		SigningKeyFile:          v.GetString("SSO_SIGNING_KEY_FILE"),
		AttemptTTL:              v.GetDuration("SSO_ATTEMPT_TTL"),
		AttemptStore:            AttemptStoreType(v.GetString("SSO_ATTEMPT_STORE")),
		RedisURL:                v.GetString("SSO_REDIS_URL"),
		DatabaseURL:             v.GetString("DATABASE_URL"),
		DataFolder:              v.GetString("DATA_FOLDER"),
		SignupsDomainsAllowlist: v.GetString("SIGNUPS_DOMAINS_WHITELIST"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.DataFolder + "/db.sqlite3"
	}
	if cfg.SigningKeyFile == "" {
		cfg.SigningKeyFile = cfg.DataFolder + "/rsa_key.pem"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for the SSO subsystem.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Authority == "" {
		return errors.New("SSO_AUTHORITY is required when SSO is enabled")
	}
	if strings.HasSuffix(c.Authority, "/") {
		return fmt.Errorf("SSO_AUTHORITY must not end with a trailing slash: %s", c.Authority)
	}
	if strings.Contains(c.Authority, "/.well-known/") {
		return fmt.Errorf("SSO_AUTHORITY must not include the /.well-known suffix: %s", c.Authority)
	}
	if err := networking.ValidateEndpointURL(c.Authority); err != nil {
		return fmt.Errorf("invalid SSO_AUTHORITY: %w", err)
	}
	if c.ClientID == "" {
		return errors.New("SSO_CLIENT_ID is required when SSO is enabled")
	}
	if c.ClientSecret == "" {
		return errors.New("SSO_CLIENT_SECRET is required when SSO is enabled")
	}
	if _, err := c.TrustPolicy(); err != nil {
		return err
	}
	if _, err := c.ExtraAuthorizeParams(); err != nil {
		return err
	}
	if c.AttemptStore != AttemptStoreMemory && c.AttemptStore != AttemptStoreRedis {
		return fmt.Errorf("unknown SSO_ATTEMPT_STORE %q (must be %q or %q)",
			c.AttemptStore, AttemptStoreMemory, AttemptStoreRedis)
	}
	if c.AttemptStore == AttemptStoreRedis && c.RedisURL == "" {
		return errors.New("SSO_REDIS_URL is required when SSO_ATTEMPT_STORE is redis")
	}
	return nil
}

// TrustPolicy compiles the audience trust policy.
func (c *Config) TrustPolicy() (*trust.Policy, error) {
	return trust.New(c.ClientID, c.AudienceTrusted)
}

// ScopesVec returns the configured scopes as a slice, always including "openid".
func (c *Config) ScopesVec() []string {
	scopes := strings.Fields(c.Scopes)
	for _, s := range scopes {
		if s == "openid" {
			return scopes
		}
	}
	return append([]string{"openid"}, scopes...)
}

// HasOfflineAccess reports whether the offline_access scope is configured.
func (c *Config) HasOfflineAccess() bool {
	for _, s := range c.ScopesVec() {
		if s == "offline_access" {
			return true
		}
	}
	return false
}

// ExtraAuthorizeParams parses SSO_AUTHORIZE_EXTRA_PARAMS as URL query pairs.
func (c *Config) ExtraAuthorizeParams() (map[string]string, error) {
	if c.AuthorizeExtraParams == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(c.AuthorizeExtraParams)
	if err != nil {
		return nil, fmt.Errorf("invalid SSO_AUTHORIZE_EXTRA_PARAMS: %w", err)
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}

// RedirectURL is the absolute callback URL registered with the provider.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.Domain, "/") + "/" + strings.TrimPrefix(c.CallbackPath, "/")
}

// DomainAllowlist returns the allowed signup domains, lowercased.
func (c *Config) DomainAllowlist() []string {
	if c.SignupsDomainsAllowlist == "" {
		return nil
	}
	parts := strings.Split(c.SignupsDomainsAllowlist, ",")
	domains := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := strings.ToLower(strings.TrimSpace(p)); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}
