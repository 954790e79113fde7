package position

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// Key identifies a position: one per (user, collateral asset, market)
type Key struct {
	User   common.Address `json:"user"`
	Asset  common.Address `json:"asset"`
	Market string         `json:"market"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.User.Hex(), k.Asset.Hex(), k.Market)
}

// Position is an open leveraged exposure
// Size and Margin are in collateral units, Price and FundingTracker use 18 decimals
type Position struct {
	User           common.Address `json:"user"`
	Asset          common.Address `json:"asset"`
	Market         string         `json:"market"`
	IsLong         bool           `json:"isLong"`
	Size           *big.Int       `json:"size"`
	Margin         *big.Int       `json:"margin"`
	Price          *big.Int       `json:"price"`          // volume-weighted entry
	FundingTracker *big.Int       `json:"fundingTracker"` // funding index at last touch
	Timestamp      int64          `json:"timestamp"`
}

func (p Position) Key() Key {
	return Key{User: p.User, Asset: p.Asset, Market: p.Market}
}

// Clone returns a deep copy
func (p Position) Clone() Position {
	p.Size = util.Copy(p.Size)
	p.Margin = util.Copy(p.Margin)
	p.Price = util.Copy(p.Price)
	p.FundingTracker = util.Copy(p.FundingTracker)
	return p
}

// Leverage returns size/margin truncated, 0 when margin is zero
func (p Position) Leverage() int64 {
	if p.Margin == nil || p.Margin.Sign() == 0 {
		return 0
	}
	return new(big.Int).Quo(p.Size, p.Margin).Int64()
}

// Validate checks position invariants
func (p Position) Validate() error {
	if p.Size == nil || p.Size.Sign() <= 0 {
		return fmt.Errorf("position %s has non-positive size", p.Key())
	}
	if p.Margin == nil || p.Margin.Sign() < 0 {
		return fmt.Errorf("position %s has negative margin", p.Key())
	}
	if p.Price == nil || p.Price.Sign() <= 0 {
		return fmt.Errorf("position %s has non-positive entry price", p.Key())
	}
	return nil
}

// OpenInterest is the aggregate open size per side of a market
type OpenInterest struct {
	Long  *big.Int `json:"long"`
	Short *big.Int `json:"short"`
}

// Ledger stores open positions and keeps per-market open interest in step
type Ledger struct {
	mu        sync.RWMutex
	positions map[Key]Position
	oi        map[string]*OpenInterest
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[Key]Position),
		oi:        make(map[string]*OpenInterest),
	}
}

// Get returns a copy of the position at key
func (l *Ledger) Get(k Key) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[k]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// Put stores p, replacing any position at the same key
func (l *Ledger) Put(p Position) {
	p = p.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.positions[p.Key()]; ok {
		l.adjustOI(prev, -1)
	}
	l.positions[p.Key()] = p
	l.adjustOI(p, 1)
}

// Delete removes the position at key
func (l *Ledger) Delete(k Key) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[k]
	if !ok {
		return Position{}, false
	}
	delete(l.positions, k)
	l.adjustOI(p, -1)
	return p, true
}

// adjustOI adds (sign=1) or removes (sign=-1) p from open interest (assumes lock is held)
func (l *Ledger) adjustOI(p Position, sign int) {
	oi, ok := l.oi[p.Market]
	if !ok {
		oi = &OpenInterest{Long: new(big.Int), Short: new(big.Int)}
		l.oi[p.Market] = oi
	}
	side := oi.Short
	if p.IsLong {
		side = oi.Long
	}
	if sign > 0 {
		side.Add(side, p.Size)
	} else {
		side.Sub(side, p.Size)
	}
}

// OpenInterest returns the long and short open size of a market
func (l *Ledger) OpenInterest(market string) (long, short *big.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	oi, ok := l.oi[market]
	if !ok {
		return new(big.Int), new(big.Int)
	}
	return util.Copy(oi.Long), util.Copy(oi.Short)
}

func (l *Ledger) selectSorted(fn func(Position) bool) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Position
	for _, p := range l.positions {
		if fn(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// ByMarket returns all positions of a market
func (l *Ledger) ByMarket(market string) []Position {
	return l.selectSorted(func(p Position) bool { return p.Market == market })
}

// ByUser returns all positions of a user
func (l *Ledger) ByUser(user common.Address) []Position {
	return l.selectSorted(func(p Position) bool { return p.User == user })
}

// Len returns the number of open positions
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
