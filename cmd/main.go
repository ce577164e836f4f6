package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/starshop/cart/internal/cart"
	"github.com/starshop/cart/internal/catalog"
	"github.com/starshop/cart/internal/config"
	h "github.com/starshop/cart/internal/http"
	"github.com/starshop/cart/internal/orders"
	"github.com/starshop/cart/internal/publisher"
	"github.com/starshop/cart/internal/repository"
	"github.com/starshop/cart/internal/session"
	"github.com/starshop/cart/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, sqlRepo, err := openRepository(ctx, cfg)
	if err != nil {
		zl.Fatal("failed to open cart repository", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer repo.Close()
	zl.Info("cart repository ready", zap.String("backend", cfg.StoreBackend))

	if sqlRepo != nil {
		go purgeStaleCarts(ctx, sqlRepo, cfg.PurgeInterval, cfg.CartRetention, zl)
	}

	products := catalog.NewClient(catalog.Config{
		BaseURL:  cfg.CatalogURL,
		Timeout:  cfg.CatalogTimeout,
		CacheTTL: cfg.CatalogCacheTTL,
	}, zl)
	defer products.Close()

	orderClient := orders.NewClient(orders.Config{
		BaseURL: cfg.OrdersURL,
		Timeout: cfg.OrdersTimeout,
	}, zl)

	var notifier cart.CheckoutNotifier
	publisherDone := make(chan struct{})
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	if len(cfg.KafkaBrokers) > 0 {
		pub := publisher.NewCheckoutPublisher(cfg.KafkaTopic, zl, cfg.KafkaBrokers...)
		defer pub.Close()
		go func() {
			defer close(publisherDone)
			pub.Run(pubCtx)
		}()
		notifier = pub
		zl.Info("publishing checkouts", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		close(publisherDone)
	}

	registry := session.NewRegistry(repo, orderClient, notifier, session.Config{
		IdleTTL:        cfg.SessionIdleTTL,
		HydrateTimeout: cfg.HydrateTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Pricing:        &cfg.Pricing,
	}, zl)

	cartHandler := h.NewCartHandler(registry, products, cfg.RequestTimeout, zl)
	router := h.NewRouter(cartHandler, registry, h.RouterConfig{
		SessionCookie:      cfg.SessionCookie,
		CookieSecure:       cfg.CookieSecure,
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}, zl)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("cart server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}

	// carts first, so their last checkout events reach the outbox before it drains
	registry.Close()
	stopPublisher()
	<-publisherDone
	cancel()

	zl.Info("server exited")
}

// openRepository returns the configured cart repository. The second result is
// set for the SQL backends, which need periodic purging of abandoned carts.
func openRepository(ctx context.Context, cfg *config.Config) (repository.CartRepository, *repository.SQLRepository, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return repository.NewMemoryRepository(), nil, nil

	case config.BackendRedis:
		client, err := repository.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewRedisRepository(client, cfg.CartRetention), nil, nil

	case config.BackendSQLite, config.BackendPostgres:
		var (
			r   *repository.SQLRepository
			err error
		)
		if cfg.StoreBackend == config.BackendSQLite {
			r, err = repository.OpenSQLite(cfg.SQLitePath)
		} else {
			r, err = repository.OpenPostgres(&cfg.Postgres)
		}
		if err != nil {
			return nil, nil, err
		}
		if err := r.RunMigrations(cfg.MigrationsPath); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return r, r, nil

	case config.BackendMongo:
		db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		m := repository.NewMongoRepository(db, cfg.CartRetention)
		if err := m.CreateIndexes(ctx); err != nil {
			_ = m.Close()
			return nil, nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return m, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func purgeStaleCarts(ctx context.Context, r *repository.SQLRepository, interval, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.PurgeStale(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("failed to purge stale carts", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged stale carts", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
