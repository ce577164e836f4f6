package cart

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/starshop/cart/internal/domain"
	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// Store owns one shopping cart. Mutations are serialized and each one schedules
// a write of the full line list to the local store.
type Store struct {
	mu          sync.Mutex
	lines       []domain.CartLine
	dirty       bool   // a mutation happened, hydration must not overwrite lines
	hydrated    bool
	revision    uint64 // bumped by every mutation
	checkingOut bool
	closed      bool

	// idempotency key of the last failed checkout, reused while revision is unchanged
	pendingKey      string
	pendingRevision uint64

	sessionID string
	local     LocalStore
	submitter OrderSubmitter
	notifier  CheckoutNotifier
	pricing   domain.Pricing
	log       *zap.Logger
	now       func() time.Time
	newKey    func() string
	writer    *persister
	notifyWG  sync.WaitGroup
}

type Option func(*Store)

func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

func WithPricing(p domain.Pricing) Option {
	return func(s *Store) { s.pricing = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithNotifier(n CheckoutNotifier) Option {
	return func(s *Store) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithKeyGenerator(gen func() string) Option {
	return func(s *Store) { s.newKey = gen }
}

// WithWriteTimeout bounds each local store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) { s.writer.writeTimeout = d }
}

// WithPersistenceErrorHandler is called from the writer goroutine for every failed write.
func WithPersistenceErrorHandler(fn func(*PersistenceError)) Option {
	return func(s *Store) { s.writer.onError = fn }
}

func NewStore(local LocalStore, submitter OrderSubmitter, opts ...Option) *Store {
	s := &Store{
		local:     local,
		submitter: submitter,
		pricing:   domain.DefaultPricing(),
		log:       zap.NewNop(),
		now:       time.Now,
		newKey:    uuid.NewString,
	}
	s.writer = newPersister(local, s.log, defaultWriteTimeout)
	for _, opt := range opts {
		opt(s)
	}
	if s.sessionID != "" {
		s.log = s.log.With(zap.String("session_id", s.sessionID))
	}
	s.writer.log = s.log

	return s
}

// Hydrate installs the persisted snapshot as the initial cart. It succeeds at
// most once; a failed read may be retried. If any mutation happened first, the
// snapshot is discarded.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	if s.hydrated {
		s.mu.Unlock()
		return nil
	}
	s.hydrated = true
	s.mu.Unlock()

	lines, err := s.local.Read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.hydrated = false
		return &PersistenceError{Op: "read", Err: err}
	}
	if s.dirty {
		s.log.Debug("hydration skipped, cart already mutated", zap.Int("persisted_lines", len(lines)))
		return nil
	}
	s.lines = normalizeLines(lines)
	return nil
}

// AddItem adds quantity units of product. An existing line for the same product
// id is incremented. A non-positive quantity leaves the cart unchanged.
func (s *Store) AddItem(product domain.Product, quantity int) domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quantity <= 0 {
		return s.viewLocked()
	}

	if i := s.indexLocked(product.ID); i >= 0 {
		s.lines[i].Quantity += quantity
	} else {
		s.lines = append(s.lines, domain.CartLine{
			Product:  product,
			Quantity: quantity,
			AddedAt:  s.now().UTC(),
		})
	}
	s.commitLocked()

	return s.viewLocked()
}

// AddOne adds a single unit of product.
func (s *Store) AddOne(product domain.Product) domain.Cart {
	return s.AddItem(product, 1)
}

// UpdateQuantity replaces the quantity of a line. A quantity <= 0 removes it.
// Unknown product ids are ignored.
func (s *Store) UpdateQuantity(productID int64, quantity int) domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(productID)
	if i < 0 {
		return s.viewLocked()
	}
	if quantity <= 0 {
		s.lines = slices.Delete(s.lines, i, i+1)
	} else {
		s.lines[i].Quantity = quantity
	}
	s.commitLocked()

	return s.viewLocked()
}

func (s *Store) RemoveItem(productID int64) domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(productID)
	if i < 0 {
		return s.viewLocked()
	}
	s.lines = slices.Delete(s.lines, i, i+1)
	s.commitLocked()

	return s.viewLocked()
}

func (s *Store) Clear() domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = nil
	s.commitLocked()

	return s.viewLocked()
}

// Checkout submits the cart as an order. The cart is cleared only after the
// order service accepted it; on any failure it is left as it was.
func (s *Store) Checkout(ctx context.Context, shipping domain.ShippingInfo) (domain.OrderConfirmation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.OrderConfirmation{}, ErrStoreClosed
	}
	if len(s.lines) == 0 {
		s.mu.Unlock()
		return domain.OrderConfirmation{}, ErrEmptyCart
	}
	if s.checkingOut {
		s.mu.Unlock()
		return domain.OrderConfirmation{}, ErrCheckoutInProgress
	}
	s.checkingOut = true

	orderLines := domain.OrderLines(s.lines)
	if s.pendingKey == "" || s.pendingRevision != s.revision {
		s.pendingKey = s.newKey()
		s.pendingRevision = s.revision
	}
	key := s.pendingKey
	s.mu.Unlock()

	log := s.log.With(zap.String("idempotency_key", key), zap.Int("lines", len(orderLines)))
	log.Info("submitting order")

	conf, err := s.submitter.Submit(ctx, orderLines, shipping, key)

	s.mu.Lock()
	s.checkingOut = false
	if err != nil {
		s.mu.Unlock()
		serr := asSubmissionError(err)
		log.Warn("order submission failed",
			zap.String("kind", string(serr.Kind)),
			zap.Int("status_code", serr.StatusCode),
			zap.Error(err))
		return domain.OrderConfirmation{}, serr
	}

	s.lines = nil
	s.pendingKey = ""
	s.commitLocked()
	s.mu.Unlock()

	log.Info("order accepted, cart cleared", zap.Int64("order_id", conf.ID))
	s.notify(domain.CheckoutCompleted{
		SessionID:      s.sessionID,
		OrderID:        conf.ID,
		IdempotencyKey: key,
		Items:          orderLines,
		TotalAmount:    conf.TotalAmount,
		OccurredAt:     s.now().UTC(),
	})

	return conf, nil
}

// Lines returns a copy of the cart lines in insertion order.
func (s *Store) Lines() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

// Cart returns the lines with their derived totals.
func (s *Store) Cart() domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ComputeTotals(s.lines, s.pricing)
}

// Flush blocks until every snapshot scheduled so far has reached the local store.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Close writes pending snapshots and stops the background writer. Mutations
// after Close still change the in-memory cart but are no longer persisted.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.writer.close()
	s.notifyWG.Wait()
}

func (s *Store) commitLocked() {
	s.dirty = true
	s.revision++
	if !s.writer.schedule(slices.Clone(s.lines)) {
		s.log.Warn("cart store closed, snapshot not persisted", zap.Uint64("revision", s.revision))
	}
}

func (s *Store) viewLocked() domain.Cart {
	return domain.Cart{
		Lines:  append(make([]domain.CartLine, 0, len(s.lines)), s.lines...),
		Totals: domain.ComputeTotals(s.lines, s.pricing),
	}
}

func (s *Store) indexLocked(productID int64) int {
	return slices.IndexFunc(s.lines, func(l domain.CartLine) bool {
		return l.Product.ID == productID
	})
}

func (s *Store) notify(evt domain.CheckoutCompleted) {
	if s.notifier == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.CheckoutCompleted(ctx, evt); err != nil {
			s.log.Warn("checkout notification failed", zap.Int64("order_id", evt.OrderID), zap.Error(err))
		}
	}()
}

// normalizeLines merges duplicate product ids and drops non-positive quantities
// so a hydrated cart satisfies the same invariants as a mutated one.
func normalizeLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		i := slices.IndexFunc(out, func(o domain.CartLine) bool { return o.Product.ID == l.Product.ID })
		if i >= 0 {
			out[i].Quantity += l.Quantity
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
