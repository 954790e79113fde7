package perp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/risk"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// LiquidationResult describes a forced close
type LiquidationResult struct {
	Key       position.Key
	Price     *big.Int
	Margin    *big.Int // forfeited to the pool
	PnL       *big.Int
	Funding   *big.Int
	Reward    *big.Int // paid to the liquidator out of the forfeited margin
	Cancelled []uint64 // resting orders of the same key
}

// Liquidate force-closes a position whose margin after losses and funding
// has fallen to the maintenance level
func (p *Processor) Liquidate(ctx context.Context, caller common.Address, key position.Key) (LiquidationResult, error) {
	if err := ctx.Err(); err != nil {
		return LiquidationResult{}, err
	}
	if err := p.authorize(caller, access.Liquidator); err != nil {
		return LiquidationResult{}, err
	}
	if _, ok := p.positions.Get(key); !ok {
		return LiquidationResult{}, fmt.Errorf("position %s: %w", key, ErrPositionNotFound)
	}

	// closed markets can still be liquidated
	m, err := p.markets.Get(key.Market)
	if err != nil {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrUnknownMarket, key.Market)
	}
	price, err := p.prices.Price(ctx, m)
	if err != nil {
		return LiquidationResult{}, err
	}

	unlock, related := p.lockPosition(key)
	defer unlock()

	pos, ok := p.positions.Get(key)
	if !ok {
		return LiquidationResult{}, fmt.Errorf("position %s: %w", key, ErrPositionNotFound)
	}

	now := p.clock.Now()
	owed := funding.Owed(p.funding.Preview(m.Symbol, now).Index, pos.FundingTracker, pos.Size, pos.IsLong)
	pnl := risk.PnL(pos.IsLong, price, pos.Price, pos.Size)
	after := risk.MarginAfterLoss(pos.Margin, pnl, owed)
	if !risk.Liquidatable(after, pos.Margin, m.LiqThreshold) {
		return LiquidationResult{}, fmt.Errorf("position %s keeps %s of %s: %w", key, after, pos.Margin, ErrNotLiquidatable)
	}

	b := p.newBatch()
	st := p.funding.Accrue(m.Symbol, now)
	b.setFunding(m.Symbol, st)
	owed = funding.Owed(st.Index, pos.FundingTracker, pos.Size, pos.IsLong)

	res, err := p.stageLiquidation(b, pos, price, owed, &caller)
	if err != nil {
		b.discard()
		return LiquidationResult{}, err
	}
	for _, o := range related {
		if err := b.cancelOrder(o, "liquidation"); err != nil {
			b.discard()
			return LiquidationResult{}, err
		}
		res.Cancelled = append(res.Cancelled, o.ID)
	}

	if err := p.commit(b); err != nil {
		return LiquidationResult{}, err
	}

	p.log.Infow("position_liquidated",
		"key", key.String(),
		"price", price.String(),
		"margin", res.Margin.String(),
		"pnl", res.PnL.String(),
		"funding", res.Funding.String(),
		"reward", res.Reward.String(),
		"liquidator", caller.Hex(),
	)
	return res, nil
}

// stageLiquidation removes pos and moves its whole margin to the pool
// A liquidator, when set, is paid LiquidationFeeBps of what survives the loss
func (p *Processor) stageLiquidation(b *batch, pos position.Position, price, owed *big.Int, liquidator *common.Address) (LiquidationResult, error) {
	pnl := risk.PnL(pos.IsLong, price, pos.Price, pos.Size)
	remaining := risk.MarginAfterLoss(pos.Margin, pnl, owed)

	reward := new(big.Int)
	if liquidator != nil && remaining.Sign() > 0 {
		reward.Mul(remaining, big.NewInt(p.cfg.LiquidationFeeBps))
		reward.Quo(reward, util.BPSInt())
		if reward.Cmp(pos.Margin) > 0 {
			reward.Set(pos.Margin)
		}
	}

	if err := b.tx.Settle(pos.User, pos.Asset, new(big.Int).Neg(pos.Margin)); err != nil {
		return LiquidationResult{}, fmt.Errorf("forfeit margin: %w", err)
	}
	if reward.Sign() > 0 {
		if err := b.tx.Settle(*liquidator, pos.Asset, reward); err != nil {
			return LiquidationResult{}, fmt.Errorf("pay liquidator: %w", err)
		}
		if err := b.tx.Release(*liquidator, pos.Asset, reward); err != nil {
			return LiquidationResult{}, fmt.Errorf("pay liquidator: %w", err)
		}
	}
	b.deletePosition(pos.Key())

	e := positionEvent(events.PositionLiquidated, b.now, pos)
	e.Price = price
	e.PnL = pnl
	e.Funding = owed
	e.Reward = reward
	if liquidator != nil {
		addr := *liquidator
		e.Liquidator = &addr
	}
	b.emit(e)
	b.liquidated = append(b.liquidated, pos.Market)

	return LiquidationResult{
		Key:     pos.Key(),
		Price:   price,
		Margin:  pos.Margin,
		PnL:     pnl,
		Funding: owed,
		Reward:  reward,
	}, nil
}
