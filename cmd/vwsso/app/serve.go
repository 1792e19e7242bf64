package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultwarden/vwsso/pkg/config"
	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/server"
	"github.com/vaultwarden/vwsso/pkg/sso/discovery"
	"github.com/vaultwarden/vwsso/pkg/sso/exchange"
	"github.com/vaultwarden/vwsso/pkg/sso/flow"
	"github.com/vaultwarden/vwsso/pkg/sso/link"
	"github.com/vaultwarden/vwsso/pkg/sso/session"
	"github.com/vaultwarden/vwsso/pkg/storage"
	"github.com/vaultwarden/vwsso/pkg/storage/sqlite"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SSO server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8000", "Listen address")
}

func serve(parentCtx context.Context) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Enabled {
		return errors.New("SSO_ENABLED is not set, nothing to serve")
	}

	store, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	attempts, err := newAttemptStore(cfg)
	if err != nil {
		return err
	}
	defer attempts.Close()

	srv, err := buildServer(cfg, store, attempts)
	if err != nil {
		return err
	}

	logger.Infow("starting SSO server",
		"authority", cfg.Authority,
		"attempt_store", string(cfg.AttemptStore),
		"pkce", cfg.PKCE,
	)
	return srv.ListenAndServe(ctx, serveAddr)
}

func newAttemptStore(cfg *config.Config) (flow.AttemptStore, error) {
	if cfg.AttemptStore == config.AttemptStoreRedis {
		store, err := flow.NewRedisAttemptStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, nil
	}
	return flow.NewMemoryAttemptStore(), nil
}

// buildServer assembles the SSO components from the configuration.
func buildServer(cfg *config.Config, store storage.Store, attempts flow.AttemptStore) (*server.Server, error) {
	policy, err := cfg.TrustPolicy()
	if err != nil {
		return nil, err
	}
	extraParams, err := cfg.ExtraAuthorizeParams()
	if err != nil {
		return nil, err
	}

	signingKey, err := session.LoadOrGenerateKey(cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	disc := discovery.NewClient(cfg.ClientCacheExpiration)

	controller := flow.NewController(flow.ControllerConfig{
		Authority:   cfg.Authority,
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL(),
		Domain:      cfg.Domain,
		Scopes:      cfg.ScopesVec(),
		ExtraParams: extraParams,
		PKCE:        cfg.PKCE,
		AttemptTTL:  cfg.AttemptTTL,
	}, disc, attempts)

	exchangeClient := exchange.NewClient(exchange.ClientConfig{
		Authority:     cfg.Authority,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURL:   cfg.RedirectURL(),
		OfflineAccess: cfg.HasOfflineAccess(),
		DebugTokens:   cfg.DebugTokens,
	}, disc, attempts, policy)

	linker := link.New(store, link.Config{
		SignupsMatchEmail: cfg.SignupsMatchEmail,
		DomainAllowlist:   cfg.DomainAllowlist(),
	}, nil)

	issuer := session.NewIssuer(session.IssuerConfig{
		Domain:         cfg.Domain,
		Authority:      cfg.Authority,
		LocalLifetimes: cfg.AuthOnlyNotSession,
	}, signingKey)

	sessions := session.NewManager(issuer, exchangeClient, store)

	return server.New(server.Config{
		CallbackPath:         cfg.CallbackPath,
		MasterPasswordPolicy: cfg.MasterPasswordPolicy,
	}, controller, attempts, exchangeClient, linker, issuer, sessions, store), nil
}
