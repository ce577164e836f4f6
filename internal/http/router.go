package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// SessionStats is reported by /health.
type SessionStats interface {
	Len() int
	PersistenceFailures() int64
}

type RouterConfig struct {
	SessionCookie      string
	CookieSecure       bool
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

func NewRouter(cartHandler *CartHandler, stats SessionStats, cfg RouterConfig, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "starshop_session"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = 1 << 20
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if stats != nil {
			body["sessions"] = stats.Len()
			body["persistence_failures"] = stats.PersistenceFailures()
		}
		respondJSON(w, http.StatusOK, body)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SessionMiddleware(cfg.SessionCookie, cfg.CookieSecure))
		r.Use(LoggingMiddleware(log))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{product_id}", cartHandler.UpdateQuantity)
			r.Delete("/items/{product_id}", cartHandler.RemoveItem)
			r.Post("/checkout", cartHandler.Checkout)
		})
	})

	return otelhttp.NewHandler(r, "starshop-cart",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/health" }))
}
