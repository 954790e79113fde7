package order

import (
	"iter"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

// Ledger holds resting orders keyed by id
// Each market keeps an ordered id index so listings can resume from any cursor
type Ledger struct {
	mu       sync.RWMutex
	orders   map[uint64]Order
	byMarket map[string]*btree.BTreeG[uint64]
	lastID   uint64 // highest id ever assigned
}

func NewLedger() *Ledger {
	return &Ledger{
		orders:   make(map[uint64]Order),
		byMarket: make(map[string]*btree.BTreeG[uint64]),
	}
}

func lessID(a, b uint64) bool { return a < b }

// ReserveIDs allocates n consecutive ids and returns the first
// Ids are never reused, even if the reservation is abandoned
func (l *Ledger) ReserveIDs(n int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	first := l.lastID + 1
	l.lastID += uint64(n)
	return first
}

// LastID returns the highest id assigned so far
func (l *Ledger) LastID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

// SetLastID restores the id counter (startup only)
func (l *Ledger) SetLastID(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id > l.lastID {
		l.lastID = id
	}
}

// Put inserts or replaces a resting order
func (l *Ledger) Put(o Order) {
	o = o.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.orders[o.ID]; ok && prev.Market != o.Market {
		l.byMarket[prev.Market].Delete(prev.ID)
	}
	l.orders[o.ID] = o

	idx, ok := l.byMarket[o.Market]
	if !ok {
		idx = btree.NewG[uint64](32, lessID)
		l.byMarket[o.Market] = idx
	}
	idx.ReplaceOrInsert(o.ID)

	if o.ID > l.lastID {
		l.lastID = o.ID
	}
}

// Remove deletes an order and returns it
func (l *Ledger) Remove(id uint64) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return Order{}, false
	}
	delete(l.orders, id)
	if idx, ok := l.byMarket[o.Market]; ok {
		idx.Delete(id)
		if idx.Len() == 0 {
			delete(l.byMarket, o.Market)
		}
	}
	return o, true
}

// Get returns a copy of a resting order
func (l *Ledger) Get(id uint64) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// Len returns the number of resting orders
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

// CountMarket returns the number of resting orders on a market
func (l *Ledger) CountMarket(market string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx, ok := l.byMarket[market]; ok {
		return idx.Len()
	}
	return 0
}

// next finds the first resting order on market with id > after
func (l *Ledger) next(market string, after uint64) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byMarket[market]
	if !ok {
		return Order{}, false
	}

	var (
		found uint64
		hit   bool
	)
	idx.AscendGreaterOrEqual(after+1, func(id uint64) bool {
		found, hit = id, true
		return false
	})
	if !hit {
		return Order{}, false
	}
	return l.orders[found].Clone(), true
}

// Resting yields the resting orders of a market in id order, starting after cursor
// The sequence is lazy: each step takes the read lock briefly, so concurrent
// inserts and removals are tolerated and iteration can resume from the last id seen
func (l *Ledger) Resting(market string, after uint64) iter.Seq[Order] {
	return func(yield func(Order) bool) {
		cursor := after
		for {
			o, ok := l.next(market, cursor)
			if !ok {
				return
			}
			if !yield(o) {
				return
			}
			cursor = o.ID
		}
	}
}

// Page returns up to limit resting orders after cursor and the cursor for the next page
// The next cursor is 0 when the listing is exhausted
func (l *Ledger) Page(market string, after uint64, limit int) ([]Order, uint64) {
	if limit <= 0 {
		limit = 100
	}

	out := make([]Order, 0, limit)
	for o := range l.Resting(market, after) {
		if len(out) == limit {
			return out, out[len(out)-1].ID
		}
		out = append(out, o)
	}
	return out, 0
}

// Select returns copies of all resting orders accepted by fn, sorted by id
func (l *Ledger) Select(fn func(Order) bool) []Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Order
	for _, o := range l.orders {
		if fn(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByUser returns the resting orders of a user
func (l *Ledger) ByUser(user common.Address) []Order {
	return l.Select(func(o Order) bool { return o.User == user })
}

// Markets returns the markets that currently have resting orders
func (l *Ledger) Markets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.byMarket))
	for m := range l.byMarket {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
