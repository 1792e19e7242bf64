package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

// expirationGuard refuses userinfo-based renewal when the wrapped access
// token is this close to expiry, forcing re-login slightly early instead
// of failing mid-sync.
const expirationGuard = 5 * time.Minute

// ErrUnrenewable means the session cannot be extended without a full
// re-login: there is no provider refresh token and the wrapped access
// token has expired or is about to.
var ErrUnrenewable = errors.New("session cannot be renewed, re-login required")

// ErrSessionRevoked means the device's refresh random rotated; a newer
// session superseded this one.
var ErrSessionRevoked = errors.New("session has been superseded")

// Manager renews local sessions, going through the provider when a
// refresh token exists and via userinfo otherwise.
type Manager struct {
	issuer   *Issuer
	exchange *exchange.Client
	store    storage.Store
	now      func() time.Time
}

// NewManager creates a refresh Manager.
func NewManager(issuer *Issuer, exchangeClient *exchange.Client, store storage.Store) *Manager {
	return &Manager{
		issuer:   issuer,
		exchange: exchangeClient,
		store:    store,
		now:      time.Now,
	}
}

// Refresh verifies a local refresh token and issues a fresh session.
// In local-lifetime mode the provider is never contacted and the refresh
// window self-extends; otherwise renewal follows what the refresh token
// wraps.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*LocalSession, error) {
	claims, err := parseRefreshClaims(refreshToken, func(*jwt.Token) (any, error) {
		return m.issuer.PublicKey(), nil
	})
	if err != nil {
		return nil, err
	}

	user, err := m.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	device, err := m.store.GetDevice(ctx, claims.Device, user.UUID)
	if err != nil {
		return nil, fmt.Errorf("loading session device: %w", err)
	}
	if claims.DeviceToken != device.RefreshRandom {
		return nil, ErrSessionRevoked
	}

	if m.issuer.LocalLifetimes() {
		return m.issuer.Issue(user, device, nil)
	}

	switch claims.TokenKind {
	case WrapRefresh:
		return m.refreshViaProvider(ctx, user, device, claims)
	case WrapAccess:
		return m.refreshViaUserInfo(ctx, user, device, claims)
	default:
		return nil, ErrUnrenewable
	}
}

// refreshViaProvider redeems the wrapped provider refresh token and
// re-issues from the validated result.
func (m *Manager) refreshViaProvider(
	ctx context.Context,
	user *storage.User,
	device *storage.Device,
	claims *refreshClaims,
) (*LocalSession, error) {
	validated, err := m.exchange.Refresh(ctx, claims.WrappedToken)
	if err != nil {
		return nil, fmt.Errorf("provider refresh failed: %w", err)
	}

	if validated.Subject == "" {
		validated.Subject = claims.IdpSubject
	}

	// Some providers rotate refresh tokens; keep the old one when no
	// replacement arrives so the chain stays renewable.
	if validated.RawRefreshToken == "" {
		validated.RawRefreshToken = claims.WrappedToken
	}

	return m.issuer.Issue(user, device, validated)
}

// refreshViaUserInfo confirms the wrapped access token still works by
// calling userinfo, then re-issues without touching the token endpoint.
// Refused inside the expiration guard window.
func (m *Manager) refreshViaUserInfo(
	ctx context.Context,
	user *storage.User,
	device *storage.Device,
	claims *refreshClaims,
) (*LocalSession, error) {
	if claims.WrappedExp == nil || !m.now().Add(expirationGuard).Before(claims.WrappedExp.Time) {
		return nil, ErrUnrenewable
	}

	if _, err := m.exchange.UserInfo(ctx, claims.WrappedToken, claims.IdpSubject); err != nil {
		logger.Debugw("userinfo renewal check failed", "user_uuid", user.UUID, "error", err)
		return nil, fmt.Errorf("%w: provider rejected the access token", ErrUnrenewable)
	}

	return m.issuer.Issue(user, device, &exchange.ValidatedClaims{
		Subject:        claims.IdpSubject,
		RawAccessToken: claims.WrappedToken,
		AccessTokenExp: claims.WrappedExp.Time,
	})
}
