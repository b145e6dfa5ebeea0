// Command authserver runs the OAuth authorization server as a standalone
// HTTP service. Configuration comes from the environment; a .env file is
// loaded when present. Storage is Postgres when DATABASE_URL is set and
// in-memory otherwise; the token cache is Valkey when VALKEY_ADDR is set.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	oauth "github.com/relaygrid/connector-oauth"
	"github.com/relaygrid/connector-oauth/cache"
	cachemem "github.com/relaygrid/connector-oauth/cache/memory"
	cachevalkey "github.com/relaygrid/connector-oauth/cache/valkey"
	"github.com/relaygrid/connector-oauth/identity"
	"github.com/relaygrid/connector-oauth/instrumentation"
	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/server"
	"github.com/relaygrid/connector-oauth/storage"
	storagemem "github.com/relaygrid/connector-oauth/storage/memory"
	storagepg "github.com/relaygrid/connector-oauth/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientStore, flowStore, tokenStore, closeStore, err := newStores(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokenCache, closeCache, err := newCache(logger)
	if err != nil {
		return err
	}
	defer closeCache()

	provider, err := identity.NewOAuth2Provider(identity.OAuth2Config{
		ProviderName: os.Getenv("IDP_NAME"),
		ClientID:     os.Getenv("IDP_CLIENT_ID"),
		ClientSecret: os.Getenv("IDP_CLIENT_SECRET"),
		AuthURL:      os.Getenv("IDP_AUTH_URL"),
		TokenURL:     os.Getenv("IDP_TOKEN_URL"),
		UserInfoURL:  os.Getenv("IDP_USERINFO_URL"),
		RedirectURL:  strings.TrimSuffix(os.Getenv("ISSUER_URL"), "/") + server.PathCallback,
		Scopes:       splitList(os.Getenv("IDP_SCOPES")),
	})
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:  "connector-oauth",
		Enabled:      envBool("METRICS_ENABLED", true),
		LogClientIPs: envBool("LOG_CLIENT_IPS", false),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Options{
		Provider:    provider,
		ClientStore: clientStore,
		FlowStore:   flowStore,
		TokenStore:  tokenStore,
		Cache:       tokenCache,
		Auditor:     security.NewAuditor(logger, envBool("AUDIT_ENABLED", true)),
		Metrics:     inst.Metrics(),
		Logger:      logger,
		Config: &server.Config{
			Issuer:            strings.TrimSuffix(os.Getenv("ISSUER_URL"), "/"),
			TrustProxy:        envBool("TRUST_PROXY", false),
			TrustedProxyCount: envInt("TRUSTED_PROXY_COUNT", 0),
			MaxClientsPerIP:   envInt("MAX_CLIENTS_PER_IP", 0),
			SupportedScopes:   splitList(os.Getenv("SUPPORTED_SCOPES")),
		},
	})
	if err != nil {
		return err
	}

	ipLimiter := security.NewRateLimiter(envInt("RATE_LIMIT_RPS", 10), envInt("RATE_LIMIT_BURST", 20), logger)
	defer ipLimiter.Stop()
	srv.SetRateLimiter(ipLimiter)

	auditLimiter := security.NewRateLimiter(1, 5, logger)
	defer auditLimiter.Stop()
	srv.SetSecurityEventRateLimiter(auditLimiter)

	handler := oauth.NewHandler(srv, logger, inst.Tracer("oauth.http"))

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 10m", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := srv.CleanupExpired(sweepCtx); err != nil {
			logger.Error("Expired row sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening", "addr", addr, "issuer", srv.Config.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// newStores selects Postgres when DATABASE_URL is set, otherwise the
// in-memory store. All three store interfaces are served by one backend.
func newStores(ctx context.Context, logger *slog.Logger) (storage.ClientStore, storage.FlowStore, storage.TokenStore, func(), error) {
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		store, err := storagepg.New(ctx, databaseURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		logger.Info("Using Postgres storage")
		return store, store, store, store.Close, nil
	}

	store := storagemem.New()
	logger.Warn("Using in-memory storage",
		"risk", "registrations, flows, and tokens are lost on restart")
	return store, store, store, store.Stop, nil
}

func newCache(logger *slog.Logger) (cache.Cache, func(), error) {
	if addr := os.Getenv("VALKEY_ADDR"); addr != "" {
		c, err := cachevalkey.New(cachevalkey.Config{
			Address:  addr,
			Password: os.Getenv("VALKEY_PASSWORD"),
			DB:       envInt("VALKEY_DB", 0),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Valkey token cache", "addr", addr)
		return c, c.Close, nil
	}

	c := cachemem.New()
	return c, c.Close, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}
