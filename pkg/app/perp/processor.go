package perp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/keylock"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/metrics"
	"github.com/uhyunpark/perpcore/pkg/storage"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// MarketSource resolves market parameters by symbol
type MarketSource interface {
	Get(symbol string) (market.Market, error)
}

// AssetSource resolves collateral assets
type AssetSource interface {
	Get(addr common.Address) (asset.Asset, error)
	MinOrderSize(addr common.Address) *big.Int
}

// PriceSource returns a guarded execution price or a deferral error
type PriceSource interface {
	Price(ctx context.Context, m market.Market) (*big.Int, error)
}

// Config tunes processor behavior
type Config struct {
	// MarketOrderTTL bounds how long a market order may rest; 0 keeps it until cancelled
	MarketOrderTTL time.Duration
	// LiquidationFeeBps is the share of the surviving margin paid to the liquidator
	LiquidationFeeBps int64
	// SyncMarketExecution fills market orders during submission
	SyncMarketExecution bool
}

func DefaultConfig() Config {
	return Config{
		MarketOrderTTL:      5 * time.Minute,
		LiquidationFeeBps:   1000,
		SyncMarketExecution: true,
	}
}

// Deps are the collaborators of a Processor
// Markets, Assets, Prices and Vault are required
type Deps struct {
	Markets MarketSource
	Assets  AssetSource
	Prices  PriceSource
	Vault   vault.Vault
	Gate    access.Gate        // nil allows everyone
	Store   storage.Store      // nil keeps nothing
	Events  events.Sink        // nil drops events
	Funding funding.RateSource // nil derives rates from open-interest skew
	Clock   util.Clock
	Metrics *metrics.Metrics
	Log     *zap.SugaredLogger
}

// Processor owns orders, positions and funding state and is the only writer of the vault
type Processor struct {
	cfg Config

	markets MarketSource
	assets  AssetSource
	prices  PriceSource
	vault   vault.Vault
	gate    access.Gate
	store   storage.Store
	sink    events.Sink
	clock   util.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	orders    *order.Ledger
	positions *position.Ledger
	funding   *funding.Engine
	locks     *keylock.Locker

	// commitMu serializes persistence, ledger application and publication
	commitMu sync.Mutex
	// stateMu gives readers a view that never shows half of a commit
	stateMu sync.RWMutex
	seq     uint64
	paused  atomic.Bool
}

func NewProcessor(cfg Config, d Deps) (*Processor, error) {
	switch {
	case d.Markets == nil:
		return nil, errors.New("processor: market source required")
	case d.Assets == nil:
		return nil, errors.New("processor: asset source required")
	case d.Prices == nil:
		return nil, errors.New("processor: price source required")
	case d.Vault == nil:
		return nil, errors.New("processor: vault required")
	}
	if cfg.LiquidationFeeBps < 0 || cfg.LiquidationFeeBps > util.BPS {
		return nil, fmt.Errorf("processor: liquidation fee %d bps out of range", cfg.LiquidationFeeBps)
	}

	p := &Processor{
		cfg:       cfg,
		markets:   d.Markets,
		assets:    d.Assets,
		prices:    d.Prices,
		vault:     d.Vault,
		gate:      d.Gate,
		store:     d.Store,
		sink:      d.Events,
		clock:     d.Clock,
		metrics:   d.Metrics,
		log:       util.SugarOrNop(d.Log),
		orders:    order.NewLedger(),
		positions: position.NewLedger(),
		locks:     keylock.New(),
	}
	if p.gate == nil {
		p.gate = access.AllowAll{}
	}
	if p.store == nil {
		p.store = storage.Nop{}
	}
	if p.sink == nil {
		p.sink = events.Nop{}
	}
	if p.clock == nil {
		p.clock = util.RealClock{}
	}

	rates := d.Funding
	if rates == nil {
		rates = funding.SkewRate{OI: p.positions, Factor: p.fundingFactor}
	}
	p.funding = funding.NewEngine(rates)
	return p, nil
}

func (p *Processor) fundingFactor(symbol string) (int64, bool) {
	m, err := p.markets.Get(symbol)
	if err != nil {
		return 0, false
	}
	return m.FundingFactor, true
}

// Restore loads persisted ledger state; call before serving requests
func (p *Processor) Restore(snap storage.Snapshot) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for _, o := range snap.Orders {
		p.orders.Put(o)
	}
	for _, pos := range snap.Positions {
		p.positions.Put(pos)
	}
	for m, st := range snap.Funding {
		p.funding.Restore(m, st)
	}
	p.orders.SetLastID(snap.LastOrderID)
	p.seq = snap.LastSeq
	p.paused.Store(snap.Paused)

	p.metrics.SetPaused(snap.Paused)
	p.metrics.SetOpenPositions(p.positions.Len())
	for _, m := range p.orders.Markets() {
		p.metrics.SetResting(m, p.orders.CountMarket(m))
	}

	p.log.Infow("ledger_restored",
		"orders", len(snap.Orders),
		"positions", len(snap.Positions),
		"last_order_id", snap.LastOrderID,
		"last_seq", snap.LastSeq,
		"paused", snap.Paused,
	)
}

func (p *Processor) now() int64 { return p.clock.Now().Unix() }

func (p *Processor) authorize(caller common.Address, c access.Capability) error {
	if !p.gate.IsAuthorized(caller, c) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, caller.Hex(), c)
	}
	return nil
}

// Pause stops new submissions; execution, cancellation and liquidation continue
func (p *Processor) Pause(ctx context.Context, caller common.Address) error {
	return p.setPaused(ctx, caller, true)
}

func (p *Processor) Unpause(ctx context.Context, caller common.Address) error {
	return p.setPaused(ctx, caller, false)
}

func (p *Processor) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.authorize(caller, access.Governance); err != nil {
		return err
	}

	b := p.newBatch()
	b.cs.Paused = &paused
	if err := p.commit(b); err != nil {
		return err
	}
	p.paused.Store(paused)
	p.metrics.SetPaused(paused)
	p.log.Infow("trading_paused", "paused", paused, "by", caller.Hex())
	return nil
}

func (p *Processor) Paused() bool { return p.paused.Load() }

// Queries

func (p *Processor) GetOrder(id uint64) (order.Order, error) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	o, ok := p.orders.Get(id)
	if !ok {
		return order.Order{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return o, nil
}

func (p *Processor) GetPosition(k position.Key) (position.Position, error) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	pos, ok := p.positions.Get(k)
	if !ok {
		return position.Position{}, fmt.Errorf("position %s: %w", k, ErrPositionNotFound)
	}
	return pos, nil
}

// RestingOrders iterates a market's resting orders by ascending id, starting after the given id
// Orders removed mid-iteration are skipped; orders added after the cursor are seen
func (p *Processor) RestingOrders(market string, after uint64) iter.Seq[order.Order] {
	return p.orders.Resting(market, after)
}

// ListRestingOrders returns up to limit orders after cursor and the cursor for the next page (0 when done)
func (p *Processor) ListRestingOrders(market string, cursor uint64, limit int) ([]order.Order, uint64) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.orders.Page(market, cursor, limit)
}

func (p *Processor) UserOrders(user common.Address) []order.Order {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.orders.ByUser(user)
}

func (p *Processor) UserPositions(user common.Address) []position.Position {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.positions.ByUser(user)
}

func (p *Processor) MarketPositions(market string) []position.Position {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.positions.ByMarket(market)
}

func (p *Processor) OpenInterest(market string) (long, short *big.Int) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.positions.OpenInterest(market)
}

// FundingState is the market's index as if accrued now, without storing it
func (p *Processor) FundingState(market string) funding.State {
	return p.funding.Preview(market, p.clock.Now())
}

func (p *Processor) LastOrderID() uint64 { return p.orders.LastID() }
