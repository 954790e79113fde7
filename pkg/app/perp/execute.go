package perp

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/risk"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// ExecResult describes a fill
type ExecResult struct {
	OrderID   uint64
	Price     *big.Int
	Fee       *big.Int
	PnL       *big.Int           // realized on reductions, zero when opening
	Funding   *big.Int           // settled before the fill, positive = paid by the position
	Position  *position.Position // after the fill, nil once closed
	Cancelled uint64             // one-cancels-other partner removed by this fill
}

func orderLock(id uint64) string          { return "order:" + strconv.FormatUint(id, 10) }
func positionLock(k position.Key) string { return "position:" + k.String() }

func (p *Processor) ordersOf(k position.Key) []order.Order {
	return p.orders.Select(func(o order.Order) bool {
		return o.User == k.User && o.Asset == k.Asset && o.Market == k.Market
	})
}

// lockPosition locks k's position together with every resting order of k and
// returns those orders. Submissions take the position lock, so the set cannot
// grow while it is held; an order that appeared between the select and the
// lock forces a retry.
func (p *Processor) lockPosition(k position.Key) (unlock func(), related []order.Order) {
	for {
		seen := p.ordersOf(k)
		held := make(map[uint64]bool, len(seen))
		keys := []string{positionLock(k)}
		for _, o := range seen {
			held[o.ID] = true
			keys = append(keys, orderLock(o.ID))
		}
		unlock = p.locks.Lock(keys...)

		related = p.ordersOf(k)
		covered := true
		for _, o := range related {
			if !held[o.ID] {
				covered = false
				break
			}
		}
		if covered {
			return unlock, related
		}
		unlock()
	}
}

// ExecuteOrder fills a resting order at the guarded oracle price
//
// Deferral errors leave the order resting. Terminal errors mean the order was
// removed and its escrow refunded in the same call.
func (p *Processor) ExecuteOrder(ctx context.Context, caller common.Address, id uint64) (ExecResult, error) {
	if err := p.authorize(caller, access.Executor); err != nil {
		return ExecResult{}, err
	}
	res, err := p.execute(ctx, id)
	if err != nil && Classify(err) == ClassDeferral {
		p.metrics.ExecutionDeferred(reason(err))
	}
	return res, err
}

func (p *Processor) execute(ctx context.Context, id uint64) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}

	// snapshot; no lock is held while the oracle is consulted
	o, ok := p.orders.Get(id)
	if !ok {
		return ExecResult{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}

	now := p.now()
	m, err := p.markets.Get(o.Market)
	if err != nil || m.IsClosed {
		return ExecResult{}, p.terminate(id, "market_closed", fmt.Errorf("order %d in %s: %w", id, o.Market, ErrMarketClosed))
	}
	if o.Expired(now) {
		return ExecResult{}, p.terminate(id, "expired", fmt.Errorf("order %d expired at %d: %w", id, o.Expiry, ErrOrderExpired))
	}
	if !o.IsMarket() && now-o.Timestamp < m.MinOrderAge {
		return ExecResult{}, fmt.Errorf("order %d is %ds old, needs %ds: %w", id, now-o.Timestamp, m.MinOrderAge, ErrOrderNotAged)
	}

	price, err := p.prices.Price(ctx, m)
	if err != nil {
		return ExecResult{}, err
	}
	if !o.Triggered(price) {
		return ExecResult{}, fmt.Errorf("order %d %s at %s, price %s: %w", id, o.Type, o.Price, price, ErrTriggerNotReached)
	}

	return p.fill(o, m, price)
}

// terminate removes an order with a full refund and reports cause
func (p *Processor) terminate(id uint64, why string, cause error) error {
	unlock := p.locks.Lock(orderLock(id))
	defer unlock()

	o, ok := p.orders.Get(id)
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}

	b := p.newBatch()
	if err := b.cancelOrder(o, why); err != nil {
		b.discard()
		return err
	}
	if err := p.commit(b); err != nil {
		return err
	}
	p.log.Infow("order_released", "id", id, "market", o.Market, "reason", why)
	return cause
}

func (p *Processor) fill(snap order.Order, m market.Market, price *big.Int) (ExecResult, error) {
	// the OCO partner and any order a funding liquidation cancels share the key
	key := position.Key{User: snap.User, Asset: snap.Asset, Market: snap.Market}
	unlock, related := p.lockPosition(key)
	defer unlock()

	// re-validate: a concurrent cancel or fill may have won
	o, ok := p.orders.Get(snap.ID)
	if !ok {
		return ExecResult{}, fmt.Errorf("order %d: %w", snap.ID, ErrOrderNotFound)
	}

	b := p.newBatch()
	res, outcome, err := p.stageFill(b, o, key, m, price, related)
	if err != nil {
		b.discard()
		return ExecResult{}, err
	}
	if err := p.commit(b); err != nil {
		return ExecResult{}, err
	}

	if outcome != nil {
		p.log.Infow("order_released", "id", o.ID, "market", o.Market, "err", outcome)
		return res, outcome
	}

	p.log.Infow("order_executed",
		"id", o.ID,
		"user", o.User.Hex(),
		"market", o.Market,
		"long", o.IsLong,
		"size", o.Size.String(),
		"price", price.String(),
		"pnl", res.PnL.String(),
		"funding", res.Funding.String(),
	)
	return res, nil
}

// stageFill stages the whole effect of filling o at price
// outcome is a terminal error whose staged effects (refund, liquidation) must still commit.
// related are the resting orders of key, o included, locked by the caller.
func (p *Processor) stageFill(b *batch, o order.Order, key position.Key, m market.Market, price *big.Int, related []order.Order) (res ExecResult, outcome, err error) {
	res = ExecResult{
		OrderID: o.ID,
		Price:   price,
		Fee:     o.Fee,
		PnL:     new(big.Int),
		Funding: new(big.Int),
	}

	st := p.funding.Accrue(m.Symbol, p.clock.Now())
	b.setFunding(m.Symbol, st)

	pos, exists := p.positions.Get(key)
	if exists {
		owed := funding.Owed(st.Index, pos.FundingTracker, pos.Size, pos.IsLong)
		if owed.Sign() != 0 {
			remaining := new(big.Int).Sub(pos.Margin, owed)
			if remaining.Sign() < 0 {
				if _, err := p.stageLiquidation(b, pos, price, owed, nil); err != nil {
					return res, nil, err
				}
				// o and every other order of the key go with the position
				for _, r := range related {
					if err := b.cancelOrder(r, "position_liquidated"); err != nil {
						return res, nil, err
					}
				}
				return res, fmt.Errorf("order %d: funding %s exceeds margin %s: %w", o.ID, owed, pos.Margin, ErrPositionLiquidated), nil
			}
			if err := b.tx.Settle(pos.User, pos.Asset, new(big.Int).Neg(owed)); err != nil {
				return res, nil, fmt.Errorf("settle funding: %w", err)
			}
			pos.Margin = remaining
			res.Funding = owed

			e := positionEvent(events.FundingSettled, b.now, pos)
			e.Funding = owed
			b.emit(e)
			b.funded = append(b.funded, pos.Market)
		}
		pos.FundingTracker = util.Copy(st.Index)
	}

	increase := !o.IsReduceOnly && (!exists || pos.IsLong == o.IsLong)
	switch {
	case increase:
		if err := b.tx.Settle(o.User, o.Asset, new(big.Int).Neg(o.Fee)); err != nil {
			return res, nil, fmt.Errorf("collect fee: %w", err)
		}
		if !exists {
			pos = position.Position{
				User:           o.User,
				Asset:          o.Asset,
				Market:         o.Market,
				IsLong:         o.IsLong,
				Size:           util.Copy(o.Size),
				Margin:         util.Copy(o.Margin),
				Price:          util.Copy(price),
				FundingTracker: util.Copy(st.Index),
			}
		} else {
			pos.Price = risk.EntryPrice(pos.Price, pos.Size, price, o.Size)
			pos.Size = new(big.Int).Add(pos.Size, o.Size)
			pos.Margin = new(big.Int).Add(pos.Margin, o.Margin)
		}
		pos.Timestamp = b.now
		b.putPosition(pos)
		after := pos.Clone()
		res.Position = &after

	case !exists || pos.IsLong == o.IsLong:
		// reduce-only with nothing on the other side
		if exists {
			b.putPosition(pos)
		}
		if err := b.cancelOrder(o, "nothing_to_reduce"); err != nil {
			return res, nil, err
		}
		return res, fmt.Errorf("order %d: %w", o.ID, ErrNoPositionToReduce), nil

	default:
		if o.Size.Cmp(pos.Size) > 0 {
			return res, nil, fmt.Errorf("order %d size %s, position %s: %w", o.ID, o.Size, pos.Size, ErrExcessReduceSize)
		}
		pnl, err := p.stageReduce(b, o, &pos, price)
		if err != nil {
			return res, nil, err
		}
		res.PnL = pnl
		if pos.Size.Sign() == 0 {
			b.deletePosition(key)
		} else {
			b.putPosition(pos)
			after := pos.Clone()
			res.Position = &after
		}
	}

	b.removeOrder(o.ID)
	if o.CancelOrderID != 0 {
		if partner, ok := p.orders.Get(o.CancelOrderID); ok {
			if err := b.cancelOrder(partner, "oco"); err != nil {
				return res, nil, err
			}
			res.Cancelled = partner.ID
		}
	}

	e := orderEvent(events.OrderExecuted, b.now, o)
	e.Price = price
	e.PnL = res.PnL
	e.Funding = res.Funding
	b.emit(e)
	b.executed = append(b.executed, o.Market)
	return res, nil, nil
}

// stageReduce closes o.Size of pos at price and pays out released margin plus PnL
// Losses beyond the released margin stay with the pool as bad debt
func (p *Processor) stageReduce(b *batch, o order.Order, pos *position.Position, price *big.Int) (*big.Int, error) {
	pnl := risk.PnL(pos.IsLong, price, pos.Price, o.Size)
	released := risk.Proportional(pos.Margin, o.Size, pos.Size)

	if err := b.tx.Settle(o.User, o.Asset, new(big.Int).Neg(o.Fee)); err != nil {
		return nil, fmt.Errorf("collect fee: %w", err)
	}

	payout := new(big.Int).Add(released, pnl)
	settle := pnl
	if payout.Sign() < 0 {
		p.log.Warnw("bad_debt", "user", o.User.Hex(), "market", o.Market, "amount", new(big.Int).Neg(payout).String())
		settle = new(big.Int).Neg(released)
		payout = new(big.Int)
	}
	if err := b.tx.Settle(o.User, o.Asset, settle); err != nil {
		return nil, fmt.Errorf("settle pnl: %w", err)
	}

	// an opening order used to reduce gets its own margin back too
	refund := new(big.Int).Add(payout, o.Margin)
	if err := b.tx.Release(o.User, o.Asset, refund); err != nil {
		return nil, fmt.Errorf("release payout: %w", err)
	}

	pos.Size = new(big.Int).Sub(pos.Size, o.Size)
	pos.Margin = new(big.Int).Sub(pos.Margin, released)
	pos.Timestamp = b.now
	return pnl, nil
}

func positionEvent(t events.Type, ts int64, pos position.Position) events.Event {
	e := events.New(t, ts)
	e.User = pos.User
	e.Asset = pos.Asset
	e.Market = pos.Market
	e.IsLong = pos.IsLong
	e.Margin = pos.Margin
	e.Size = pos.Size
	e.Price = pos.Price
	return e
}
