// Command identityd serves the identity engine over HTTP: registration,
// local and OAuth login, refresh rotation, logout, and email confirmation,
// with tokens delivered as httpOnly cookies.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ducknotes/identity"
	"github.com/ducknotes/identity/postgres"
	"github.com/ducknotes/identity/provider"
	"github.com/ducknotes/identity/redisstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("identityd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	engineCfg := identity.Config{
		Token: identity.TokenConfig{
			AccessSecret:       []byte(cfg.AccessSecret),
			RefreshSecret:      []byte(cfg.RefreshSecret),
			ConfirmationSecret: []byte(cfg.ConfirmationSecret),
			AccessTTL:          cfg.AccessTTL,
			RefreshTTL:         cfg.RefreshTTL,
		},
		Device:       identity.DeviceConfig{MaxSessions: cfg.MaxSessions},
		Confirmation: identity.ConfirmationConfig{CodeTTL: cfg.ConfirmationTTL},
		Notify:       identity.NotifyConfig{Enabled: true},
		Metrics:      identity.MetricsConfig{Enabled: true},
	}

	engine, err := identity.New().
		WithConfig(engineCfg).
		WithRepository(repo).
		WithNotifier(identity.NewJSONWriterNotifier(os.Stdout)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	registry := prometheus.NewRegistry()
	if err := registry.Register(newEngineCollector(engine)); err != nil {
		return err
	}

	srv := newServer(engine, buildProviders(cfg), logger, serverOptions{
		secureCookies: cfg.production(),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("identityd listening", "addr", cfg.Addr, "env", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("identityd stopped")
	return nil
}

func openRepository(ctx context.Context, cfg config) (identity.Repository, func(), error) {
	if cfg.PostgresDSN != "" {
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return redisstore.New(rdb), func() { _ = rdb.Close() }, nil
}

func buildProviders(cfg config) map[identity.Provider]provider.Adapter {
	adapters := make(map[identity.Provider]provider.Adapter)
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		adapters[identity.ProviderGitHub] = provider.NewGitHub(provider.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
		})
	}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		adapters[identity.ProviderGoogle] = provider.NewGoogle(provider.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	return adapters
}
