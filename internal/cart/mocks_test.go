package cart

import (
	"context"
	"slices"
	"sync"

	"github.com/starshop/cart/internal/domain"
)

// mockLocalStore records every write so ordering can be asserted.
type mockLocalStore struct {
	m        sync.RWMutex
	lines    []domain.CartLine
	history  [][]domain.CartLine
	readErr  error
	writeErr error
	// readGate, when set, blocks Read until it is closed
	readGate chan struct{}
}

func (m *mockLocalStore) Read(ctx context.Context) ([]domain.CartLine, error) {
	if m.readGate != nil {
		select {
		case <-m.readGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.m.RLock()
	defer m.m.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return slices.Clone(m.lines), nil
}

func (m *mockLocalStore) Write(_ context.Context, lines []domain.CartLine) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.history = append(m.history, slices.Clone(lines))
	if m.writeErr != nil {
		return m.writeErr
	}
	m.lines = slices.Clone(lines)
	return nil
}

func (m *mockLocalStore) Clear(context.Context) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.history = append(m.history, nil)
	if m.writeErr != nil {
		return m.writeErr
	}
	m.lines = nil
	return nil
}

func (m *mockLocalStore) snapshot() []domain.CartLine {
	m.m.RLock()
	defer m.m.RUnlock()
	return slices.Clone(m.lines)
}

func (m *mockLocalStore) writes() [][]domain.CartLine {
	m.m.RLock()
	defer m.m.RUnlock()
	return slices.Clone(m.history)
}

type submitCall struct {
	lines    []domain.OrderLine
	shipping domain.ShippingInfo
	key      string
}

type mockSubmitter struct {
	m     sync.Mutex
	calls []submitCall
	conf  domain.OrderConfirmation
	err   error
	// gate, when set, blocks Submit until it is closed
	gate chan struct{}
}

func (m *mockSubmitter) Submit(_ context.Context, lines []domain.OrderLine, shipping domain.ShippingInfo, key string) (domain.OrderConfirmation, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.calls = append(m.calls, submitCall{lines: lines, shipping: shipping, key: key})
	return m.conf, m.err
}

func (m *mockSubmitter) setErr(err error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.err = err
}

func (m *mockSubmitter) callList() []submitCall {
	m.m.Lock()
	defer m.m.Unlock()
	return slices.Clone(m.calls)
}

type mockNotifier struct {
	m      sync.Mutex
	events []domain.CheckoutCompleted
}

func (m *mockNotifier) CheckoutCompleted(_ context.Context, evt domain.CheckoutCompleted) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockNotifier) count() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.events)
}
