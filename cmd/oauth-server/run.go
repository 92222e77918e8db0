package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oauth "github.com/giantswarm/oauth-grants"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/server"
	"github.com/giantswarm/oauth-grants/signer"
	"github.com/giantswarm/oauth-grants/storage"
	"github.com/giantswarm/oauth-grants/storage/memory"
	"github.com/giantswarm/oauth-grants/storage/sqlite"
	"github.com/giantswarm/oauth-grants/storage/valkey"
)

const serviceName = "oauth-server"

// Reuse-detection log lines allowed per user and client
const (
	securityEventRate  = 1.0 / 60
	securityEventBurst = 5
)

// backend is an opened storage adapter and its lifecycle hooks.
type backend struct {
	store storage.Storage

	// purge removes expired rows; nil when the adapter expires data itself
	purge func(ctx context.Context)
	close func()
}

// run builds the server from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:     cfg.MetricsEnabled,
		ServiceName: serviceName,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	be, err := openStorage(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer be.close()

	srv, err := newServer(cfg, be.store, logger, inst)
	if err != nil {
		return err
	}

	if err := registerClients(ctx, srv, cfg, logger); err != nil {
		return err
	}

	handler := oauth.NewHandler(srv, oauth.Config{Logger: logger})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var root http.Handler = mux
	if cfg.TrustedUserHeader != "" {
		root = trustedUserIdentity(cfg.TrustedUserHeader, root)
	}
	root = handler.Authenticate(root)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if be.purge != nil {
		go purgeLoop(ctx, cfg.PurgeInterval, be.purge)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting OAuth server",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage,
			"signing_algorithm", cfg.SigningAlgorithm)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down OAuth server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStorage opens the configured storage adapter.
func openStorage(cfg Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*backend, error) {
	switch cfg.Storage {
	case storageSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return &backend{
			store: store,
			purge: func(ctx context.Context) {
				codes, tokens, err := store.PurgeExpired(ctx)
				if err != nil {
					logger.Warn("Failed to purge expired rows", "error", err)
					return
				}
				if codes > 0 || tokens > 0 {
					logger.Debug("Purged expired rows", "codes", codes, "tokens", tokens)
				}
			},
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("Failed to close sqlite storage", "error", err)
				}
			},
		}, nil

	case storageValkey:
		store, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddress,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open valkey storage: %w", err)
		}
		store.SetInstrumentation(inst)
		return &backend{store: store, close: store.Close}, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return &backend{store: store, close: store.Stop}, nil
	}
}

// newSigner builds the token signer from the configured key material.
func newSigner(cfg Config) (signer.Signer, error) {
	sigCfg := signer.Config{
		Algorithm: cfg.SigningAlgorithm,
		KeyID:     cfg.SigningKeyID,
		Issuer:    cfg.Issuer,
	}

	if cfg.SigningAlgorithm == signer.AlgHS256 {
		sigCfg.Secret = []byte(cfg.SigningSecret)
	} else {
		key, err := signer.LoadPrivateKeyFile(cfg.SigningAlgorithm, cfg.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		sigCfg.PrivateKey = key
	}

	s, err := signer.NewJWT(sigCfg)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return s, nil
}

// newServer wires the signer, issuer and grant engine.
func newServer(cfg Config, store storage.Storage, logger *slog.Logger, inst *instrumentation.Instrumentation) (*server.Server, error) {
	sig, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}

	iss, err := issuer.New(sig, issuer.Config{
		AccessTokenTTL:  int64(cfg.AccessTokenTTL / time.Second),
		RefreshTokenTTL: int64(cfg.RefreshTokenTTL / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create issuer: %w", err)
	}

	srv, err := server.New(store, iss, &server.Config{
		Issuer:                      cfg.Issuer,
		AuthorizationCodeTTL:        int64(cfg.AuthorizationCodeTTL / time.Second),
		DisableRefreshTokenRotation: cfg.DisableRefreshTokenRotation,
		RequirePKCE:                 cfg.RequirePKCE,
		AllowPKCEPlain:              cfg.AllowPKCEPlain,
		AllowInsecureHTTP:           cfg.AllowInsecureHTTP,
		SupportedScopes:             cfg.SupportedScopes,
		AuditEnabled:                cfg.AuditEnabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	srv.SetInstrumentation(inst)
	srv.SetSecurityEventThrottle(security.NewThrottle(securityEventRate, securityEventBurst))
	return srv, nil
}

// registerClients adds the OAUTH_CLIENTS entries. Clients that already exist
// in persistent storage are left untouched.
func registerClients(ctx context.Context, srv *server.Server, cfg Config, logger *slog.Logger) error {
	clients, err := cfg.clients()
	if err != nil {
		return err
	}

	for _, c := range clients {
		if c.ClientType != storage.ClientTypePublic && c.ClientSecret == "" {
			return fmt.Errorf("register client %q: client_secret is required for confidential clients", c.ClientID)
		}

		client, _, err := srv.RegisterClient(ctx, server.RegisterClientRequest{
			ClientID:     c.ClientID,
			ClientType:   c.ClientType,
			ClientSecret: c.ClientSecret,
			ClientName:   c.ClientName,
			GrantTypes:   c.GrantTypes,
			RedirectURIs: c.RedirectURIs,
			Scope:        c.Scope,
		})
		if err != nil {
			if oauthErr := server.AsOAuthError(err); oauthErr.Code == server.ErrorCodeObjectExist {
				logger.Info("Client already registered", "client_id", c.ClientID)
				continue
			}
			return fmt.Errorf("register client %q: %w", c.ClientID, err)
		}

		logger.Info("Registered client", "client_id", client.ClientID, "client_type", client.ClientType)
	}
	return nil
}

// trustedUserIdentity takes the resource owner from a header set by an
// authenticating reverse proxy. The header must be stripped from client
// requests by that proxy.
func trustedUserIdentity(header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := strings.TrimSpace(r.Header.Get(header)); userID != "" {
			r = r.WithContext(server.WithIdentity(r.Context(), server.Authenticated(userID, nil)))
		}
		next.ServeHTTP(w, r)
	})
}

func purgeLoop(ctx context.Context, interval time.Duration, purge func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge(ctx)
		}
	}
}
