package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for unregistered symbols
var ErrNotFound = errors.New("market not found")

// Registry manages multiple markets in a thread-safe manner
// Lookups return copies so callers hold a consistent snapshot of the parameters
type Registry struct {
	mu      sync.RWMutex
	markets map[string]Market // symbol -> market
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same symbol already exists or params are invalid
func (r *Registry) Register(m Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market %s: %w", m.Symbol, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	r.markets[m.Symbol] = m
	return nil
}

// Get retrieves a market by symbol
func (r *Registry) Get(symbol string) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return Market{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return m, nil
}

// Update applies fn to a copy of the market and stores it if still valid
// Used by governance paths (closing a market, moving it to reduce-only, retuning fees)
func (r *Registry) Update(symbol string, fn func(*Market)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	fn(&m)
	m.Symbol = symbol // identity is immutable
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market %s: %w", symbol, err)
	}

	r.markets[symbol] = m
	return nil
}

// SetClosed opens or closes a market for new orders
func (r *Registry) SetClosed(symbol string, closed bool) error {
	return r.Update(symbol, func(m *Market) { m.IsClosed = closed })
}

// SetReduceOnly toggles reduce-only mode
func (r *Registry) SetReduceOnly(symbol string, reduceOnly bool) error {
	return r.Update(symbol, func(m *Market) { m.IsReduceOnly = reduceOnly })
}

// List returns all registered markets sorted by symbol
func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets
}

// Symbols returns the registered symbols in sorted order
func (r *Registry) Symbols() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Symbol
	}
	return out
}

// Count returns the total number of registered markets
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Exists checks if a market is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[symbol]
	return exists
}
