package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/starshop/cart/internal/domain"
	"github.com/starshop/cart/internal/repository"
)

// Supported values of STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	HTTPPort           string
	LogLevel           string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64

	SessionCookie  string
	CookieSecure   bool
	SessionIdleTTL time.Duration
	HydrateTimeout time.Duration
	WriteTimeout   time.Duration

	CatalogURL      string
	CatalogTimeout  time.Duration
	CatalogCacheTTL time.Duration
	OrdersURL       string
	OrdersTimeout   time.Duration

	StoreBackend   string
	CartRetention  time.Duration
	PurgeInterval  time.Duration
	RedisURL       string
	SQLitePath     string
	Postgres       repository.Credentials
	MigrationsPath string
	MongoURI       string
	MongoDatabase  string

	KafkaBrokers []string
	KafkaTopic   string

	Pricing domain.Pricing
}

// Load reads the environment, after applying an optional .env file
// (ENV_FILE, default ".env"). Variables already set win over the file.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	p := &parser{}
	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RequestTimeout:     p.duration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodySize: 1 << 20, // 1MB

		SessionCookie:  getEnv("SESSION_COOKIE", "starshop_session"),
		CookieSecure:   p.boolean("COOKIE_SECURE", false),
		SessionIdleTTL: p.duration("SESSION_IDLE_TTL", 30*time.Minute),
		HydrateTimeout: p.duration("HYDRATE_TIMEOUT", 3*time.Second),
		WriteTimeout:   p.duration("CART_WRITE_TIMEOUT", 5*time.Second),

		CatalogURL:      getEnv("CATALOG_URL", "http://localhost:8000/api"),
		CatalogTimeout:  p.duration("CATALOG_TIMEOUT", 5*time.Second),
		CatalogCacheTTL: p.duration("CATALOG_CACHE_TTL", time.Minute),
		OrdersURL:       getEnv("ORDERS_URL", "http://localhost:8000/api"),
		OrdersTimeout:   p.duration("ORDERS_TIMEOUT", 15*time.Second),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		CartRetention: p.duration("CART_RETENTION", 30*24*time.Hour),
		PurgeInterval: p.duration("CART_PURGE_INTERVAL", time.Hour),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:    getEnv("SQLITE_PATH", "./carts.db"),
		Postgres: repository.Credentials{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     p.integer("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			DBName:   getEnv("POSTGRES_DB", "carts"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:  getEnv("MONGO_DATABASE", "starshop"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "cart-checkouts"),

		Pricing: domain.Pricing{
			FreeShippingThreshold: p.decimal("FREE_SHIPPING_THRESHOLD", "50"),
			FlatShippingFee:       p.decimal("SHIPPING_FEE", "5"),
		},
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendPostgres, BackendMongo:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.PurgeInterval <= 0 {
		return fmt.Errorf("CART_PURGE_INTERVAL must be positive, got %s", c.PurgeInterval)
	}
	if c.CartRetention <= 0 {
		return fmt.Errorf("CART_RETENTION must be positive, got %s", c.CartRetention)
	}
	if c.Pricing.FreeShippingThreshold.IsNegative() || c.Pricing.FlatShippingFee.IsNegative() {
		return errors.New("shipping threshold and fee must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable so they can be reported together.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	d, err := decimal.NewFromString(getEnv(key, def))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return decimal.RequireFromString(def)
	}
	return d
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(p.errs...))
}
