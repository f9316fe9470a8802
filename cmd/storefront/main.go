// Package main запускает BFF-сервер витрины пиццерии.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pizza-storefront/internal/backend"
	"github.com/mmeshcher/pizza-storefront/internal/cache"
	"github.com/mmeshcher/pizza-storefront/internal/config"
	"github.com/mmeshcher/pizza-storefront/internal/handler"
	"github.com/mmeshcher/pizza-storefront/internal/metrics"
	"github.com/mmeshcher/pizza-storefront/internal/middleware"
	"github.com/mmeshcher/pizza-storefront/internal/optimistic"
	"github.com/mmeshcher/pizza-storefront/internal/revalidate"
	"github.com/mmeshcher/pizza-storefront/internal/service"
	"github.com/mmeshcher/pizza-storefront/internal/session"
	"github.com/mmeshcher/pizza-storefront/internal/signin"
)

type viewCache interface {
	revalidate.ViewCache
	Close() error
}

func newViewCache(ctx context.Context, cfg *config.Config) (viewCache, error) {
	if cfg.RedisAddress == "" {
		return cache.NewMemory(), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return cache.NewRedis(dialCtx, cache.RedisOptions{
		Addr:        cfg.RedisAddress,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
		Timeout:     time.Second,
	})
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	views, err := newViewCache(ctx, cfg)
	if err != nil {
		sugar.Fatalw("view cache initialization error", "error", err.Error(), "redis", cfg.RedisAddress)
	}
	defer views.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	client := backend.NewClient(cfg.APIBaseURL, cfg.BackendTimeout).WithObserver(collector)
	coordinator := revalidate.NewCoordinator(views, logger).WithRecorder(collector)

	store := session.NewStore(cfg.SessionTTL, cfg.CookieSecure)

	dispatcher := service.NewDispatcher(client, coordinator, logger, service.Options{
		SessionTTL: store.TTL(),
		ViewTTL:    cfg.ViewCacheTTL,
	}).WithRecorder(collector)

	controls := optimistic.NewController(dispatcher, logger).
		WithRecorder(collector).
		WithIdleTTL(cfg.ViewCacheTTL)

	providers := []signin.Provider{signin.NewPasswordProvider(revalidate.ViewSignIn)}
	if cfg.GoogleEnabled() {
		providers = append(providers, signin.NewGoogleProvider(signin.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}))
	}

	registry := signin.NewRegistry(providers...)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{PerMinute: cfg.MutationRatePerMinute}, logger)

	h := handler.NewHandler(dispatcher, controls, registry, store, logger).
		WithRateLimiter(limiter).
		WithMetrics(metrics.Handler(reg))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Очистка простаивающих ограничителей
	g.Go(func() error {
		limiter.Run(ctx.Done())
		return nil
	})

	// Очистка простаивающих элементов корзины
	g.Go(func() error {
		controls.Run(ctx.Done())
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting storefront server",
			"addr", cfg.RunAddress,
			"backend", cfg.APIBaseURL,
			"redis", cfg.RedisAddress != "",
			"providers", registry.Names())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
