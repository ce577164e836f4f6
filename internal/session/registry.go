package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/starshop/cart/internal/cart"
	"github.com/starshop/cart/internal/domain"
	"github.com/starshop/cart/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrCartUnavailable  = errors.New("persisted cart could not be loaded")
)

type Config struct {
	IdleTTL        time.Duration
	HydrateTimeout time.Duration
	WriteTimeout   time.Duration
	// Pricing defaults to domain.DefaultPricing when nil.
	Pricing *domain.Pricing
}

// Registry owns one cart.Store per session. Stores are created and hydrated on
// first access and closed after IdleTTL without access.
type Registry struct {
	repo      repository.CartRepository
	submitter cart.OrderSubmitter
	notifier  cart.CheckoutNotifier
	cfg       Config
	log       *zap.Logger

	stores          *ttlcache.Cache[string, *cart.Store]
	sfg             singleflight.Group
	persistFailures atomic.Int64
}

func NewRegistry(repo repository.CartRepository, submitter cart.OrderSubmitter, notifier cart.CheckoutNotifier, cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.HydrateTimeout <= 0 {
		cfg.HydrateTimeout = 3 * time.Second
	}
	if cfg.Pricing == nil {
		p := domain.DefaultPricing()
		cfg.Pricing = &p
	}

	r := &Registry{
		repo:      repo,
		submitter: submitter,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		stores:    ttlcache.New[string, *cart.Store](ttlcache.WithTTL[string, *cart.Store](cfg.IdleTTL)),
	}
	r.stores.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *cart.Store]) {
		r.log.Debug("closing cart store", zap.String("session_id", item.Key()), zap.Int("reason", int(reason)))
		item.Value().Close()
	})
	go r.stores.Start()

	return r
}

// Get returns the store of sessionID, creating and hydrating it if needed.
// A store is only cached once its snapshot was read; when the read fails Get
// returns ErrCartUnavailable and the next call tries again, so the persisted
// cart is never overwritten by an empty one.
func (r *Registry) Get(ctx context.Context, sessionID string) (*cart.Store, error) {
	if sessionID == "" || len(sessionID) > 64 {
		return nil, ErrInvalidSessionID
	}
	if item := r.stores.Get(sessionID); item != nil {
		return item.Value(), nil
	}

	v, err, _ := r.sfg.Do(sessionID, func() (interface{}, error) {
		if item := r.stores.Get(sessionID); item != nil {
			return item.Value(), nil
		}

		s := r.newStore(sessionID)

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.HydrateTimeout)
		defer cancel()
		if err := s.Hydrate(hctx); err != nil {
			r.log.Warn("cart hydration failed", zap.String("session_id", sessionID), zap.Error(err))
			s.Close()
			return nil, fmt.Errorf("%w: %w", ErrCartUnavailable, err)
		}

		r.stores.Set(sessionID, s, ttlcache.DefaultTTL)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cart.Store), nil
}

func (r *Registry) Len() int {
	return r.stores.Len()
}

// PersistenceFailures counts failed snapshot writes across all sessions.
func (r *Registry) PersistenceFailures() int64 {
	return r.persistFailures.Load()
}

// Close flushes and closes every store.
func (r *Registry) Close() {
	r.stores.Stop()
	for _, item := range r.stores.Items() {
		item.Value().Close()
	}
	r.stores.DeleteAll()
}

func (r *Registry) newStore(sessionID string) *cart.Store {
	opts := []cart.Option{
		cart.WithSessionID(sessionID),
		cart.WithPricing(*r.cfg.Pricing),
		cart.WithLogger(r.log),
		cart.WithPersistenceErrorHandler(func(*cart.PersistenceError) {
			r.persistFailures.Add(1)
		}),
	}
	if r.cfg.WriteTimeout > 0 {
		opts = append(opts, cart.WithWriteTimeout(r.cfg.WriteTimeout))
	}
	if r.notifier != nil {
		opts = append(opts, cart.WithNotifier(r.notifier))
	}
	return cart.NewStore(repository.Bind(r.repo, sessionID, r.log), r.submitter, opts...)
}
