package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/uhyunpark/perpcore/pkg/util"
)

var (
	ErrUnavailable = errors.New("price unavailable")
	ErrStale       = errors.New("stale price")
	ErrDeviation   = errors.New("price deviates from reference")
)

// Price is a timestamped quote with 18 decimals
type Price struct {
	Value     *big.Int `json:"value"`
	Timestamp int64    `json:"timestamp"` // unix seconds
}

// Oracle supplies prices by feed key
type Oracle interface {
	Price(ctx context.Context, feed string) (Price, error)
}

// Feed is an in-memory Oracle written by price publishers
type Feed struct {
	mu     sync.RWMutex
	prices map[string]Price
}

func NewFeed() *Feed {
	return &Feed{prices: make(map[string]Price)}
}

// Set publishes a price for feed
func (f *Feed) Set(feed string, value *big.Int, ts int64) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("price for %s must be positive", feed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[feed] = Price{Value: util.Copy(value), Timestamp: ts}
	return nil
}

// Delete drops a feed so reads fail with ErrUnavailable
func (f *Feed) Delete(feed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, feed)
}

func (f *Feed) Price(ctx context.Context, feed string) (Price, error) {
	if err := ctx.Err(); err != nil {
		return Price{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[feed]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrUnavailable, feed)
	}
	return Price{Value: util.Copy(p.Value), Timestamp: p.Timestamp}, nil
}
