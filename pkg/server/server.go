// Package server exposes the HTTP surface of the SSO subsystem: the
// authorize redirect, the provider callback, and the token endpoint the
// client ecosystem talks to.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/sso/flow"
	"github.com/vaultwarden/vwsso/pkg/sso/link"
	"github.com/vaultwarden/vwsso/pkg/sso/session"
	"github.com/vaultwarden/vwsso/pkg/storage"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wires the SSO components behind their HTTP endpoints.
type Server struct {
	controller *flow.Controller
	attempts   flow.AttemptStore
	exchange   *exchange.Client
	linker     *link.Linker
	issuer     *session.Issuer
	sessions   *session.Manager
	store      storage.Store

	callbackPath         string
	masterPasswordPolicy string
}

// Config carries the handler-level settings.
type Config struct {
	// CallbackPath is where the provider redirects back to, without a
	// leading slash.
	CallbackPath string

	// MasterPasswordPolicy is an opaque policy JSON document forwarded to
	// clients on login. Empty omits the field.
	MasterPasswordPolicy string
}

// New creates a Server.
func New(
	cfg Config,
	controller *flow.Controller,
	attempts flow.AttemptStore,
	exchangeClient *exchange.Client,
	linker *link.Linker,
	issuer *session.Issuer,
	sessions *session.Manager,
	store storage.Store,
) *Server {
	return &Server{
		controller:           controller,
		attempts:             attempts,
		exchange:             exchangeClient,
		linker:               linker,
		issuer:               issuer,
		sessions:             sessions,
		store:                store,
		callbackPath:         cfg.CallbackPath,
		masterPasswordPolicy: cfg.MasterPasswordPolicy,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/alive", s.aliveHandler)
	r.Get("/identity/connect/authorize", s.authorizeHandler)
	r.Get("/"+s.callbackPath, s.callbackHandler)
	r.Post("/identity/connect/token", s.tokenHandler)

	return r
}

// ListenAndServe serves the router until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Infow("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}

func (*Server) aliveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// newRefreshRandom returns the per-login device random embedded in local
// refresh claims. Rotating it invalidates every earlier session on the
// device.
func newRefreshRandom() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
