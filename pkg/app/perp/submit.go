package perp

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/risk"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// SubmitResult describes an accepted order
type SubmitResult struct {
	OrderID      uint64
	TakeProfitID uint64 // 0 when no take-profit was requested
	StopLossID   uint64 // 0 when no stop-loss was requested
	Fee          *big.Int
	Escrowed     *big.Int // margin and fees held for all created orders
	Refund       *big.Int // native value returned to the sender
	// Execution is set when a market order filled during submission
	Execution *ExecResult
}

// SubmitOrder validates o, escrows its margin and fee and stores it as resting
//
// o.ID, o.Fee and o.Timestamp are assigned here. takeProfit and stopLoss, when
// positive, attach reduce-only child orders on the opposite side that cancel
// each other when one fills. value is the native amount sent with the
// request; it must cover the escrow of every created order and any excess is
// refunded. Orders in ERC-20 style assets escrow from the user's free vault
// balance instead.
func (p *Processor) SubmitOrder(ctx context.Context, o order.Order, takeProfit, stopLoss, value *big.Int) (SubmitResult, error) {
	return p.submitLogged(ctx, o, takeProfit, stopLoss, value, false)
}

// SubmitFromBalance is SubmitOrder for callers whose value already sits in
// the user's free native balance. The escrow is drawn from that balance in the
// same vault transaction that stores the order, so a rejected or failed
// submission leaves the balance untouched. The free balance must cover value;
// the refund is the part of value left free.
func (p *Processor) SubmitFromBalance(ctx context.Context, o order.Order, takeProfit, stopLoss, value *big.Int) (SubmitResult, error) {
	return p.submitLogged(ctx, o, takeProfit, stopLoss, value, true)
}

func (p *Processor) submitLogged(ctx context.Context, o order.Order, takeProfit, stopLoss, value *big.Int, fromBalance bool) (SubmitResult, error) {
	res, err := p.submit(ctx, o, takeProfit, stopLoss, value, fromBalance)
	if err != nil {
		p.metrics.OrderRejected(reason(err))
		p.log.Infow("order_rejected",
			"user", o.User.Hex(),
			"market", o.Market,
			"size", util.Big(o.Size).String(),
			"reason", reason(err),
			"err", err,
		)
		return SubmitResult{}, err
	}
	return res, nil
}

func (p *Processor) submit(ctx context.Context, o order.Order, takeProfit, stopLoss, value *big.Int, fromBalance bool) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	o = o.Clone()
	o.ID, o.CancelOrderID = 0, 0
	takeProfit, stopLoss, value = util.Big(takeProfit), util.Big(stopLoss), util.Big(value)
	now := p.now()

	m, a, err := p.validate(&o, takeProfit, stopLoss, now)
	if err != nil {
		return SubmitResult{}, err
	}

	o.Fee = risk.Fee(o.Size, m.FeeBps)
	o.Timestamp = now
	if o.Type == order.Market && o.Expiry == 0 && p.cfg.MarketOrderTTL > 0 {
		o.Expiry = now + int64(p.cfg.MarketOrderTTL.Seconds())
	}

	created := []order.Order{o}
	if takeProfit.Sign() > 0 {
		created = append(created, child(o, order.Limit, takeProfit))
	}
	if stopLoss.Sign() > 0 {
		created = append(created, child(o, order.Stop, stopLoss))
	}

	required := new(big.Int)
	for _, c := range created {
		required.Add(required, c.Escrow())
	}

	// holders of the position lock see a fixed set of orders for the key
	unlock := p.locks.Lock(positionLock(position.Key{User: o.User, Asset: o.Asset, Market: o.Market}))
	defer unlock()

	b := p.newBatch()
	refund, err := p.escrow(b, a, o.User, required, value, fromBalance)
	if err != nil {
		b.discard()
		return SubmitResult{}, err
	}

	first := p.orders.ReserveIDs(len(created))
	for i := range created {
		created[i].ID = first + uint64(i)
	}
	// children are linked to each other, not to the parent
	if len(created) == 3 {
		created[1].CancelOrderID = created[2].ID
		created[2].CancelOrderID = created[1].ID
	}

	res := SubmitResult{
		OrderID:  created[0].ID,
		Fee:      o.Fee,
		Escrowed: required,
		Refund:   refund,
	}
	for _, c := range created[1:] {
		if c.Type == order.Limit {
			res.TakeProfitID = c.ID
		} else {
			res.StopLossID = c.ID
		}
	}

	for _, c := range created {
		b.putOrder(c)
		b.emit(orderEvent(events.OrderCreated, now, c))
	}
	b.cs.LastOrderID = created[len(created)-1].ID

	if err := p.commit(b); err != nil {
		return SubmitResult{}, err
	}
	unlock()

	for _, c := range created {
		p.metrics.OrderSubmitted(c.Market, c.Type.String())
		p.log.Debugw("order_created",
			"id", c.ID,
			"user", c.User.Hex(),
			"market", c.Market,
			"type", c.Type.String(),
			"long", c.IsLong,
			"size", c.Size.String(),
			"margin", c.Margin.String(),
			"price", c.Price.String(),
		)
	}

	// execute skips the age check for market orders
	if o.Type == order.Market && p.cfg.SyncMarketExecution {
		exec, err := p.execute(ctx, res.OrderID)
		switch {
		case err == nil:
			res.Execution = &exec
		case Classify(err) == ClassDeferral:
			p.metrics.ExecutionDeferred(reason(err))
			p.log.Debugw("market_order_resting", "id", res.OrderID, "reason", reason(err))
		default:
			p.log.Warnw("market_order_not_filled", "id", res.OrderID, "err", err)
		}
	}

	return res, nil
}

// validate runs the submission checks in order; the first failure wins
func (p *Processor) validate(o *order.Order, takeProfit, stopLoss *big.Int, now int64) (market.Market, asset.Asset, error) {
	if p.paused.Load() {
		return market.Market{}, asset.Asset{}, ErrPaused
	}

	if floor := p.assets.MinOrderSize(o.Asset); o.Size.Cmp(floor) < 0 {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: size %s < %s", ErrMinSizeViolation, o.Size, floor)
	}

	a, err := p.assets.Get(o.Asset)
	if err != nil {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, o.Asset.Hex())
	}

	m, err := p.markets.Get(o.Market)
	if err != nil {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: %s", ErrUnknownMarket, o.Market)
	}
	if m.IsClosed {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: %s is closed", ErrUnknownMarket, o.Market)
	}
	if m.IsReduceOnly && !o.IsReduceOnly {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: %s", ErrMarketReduceOnly, o.Market)
	}

	if err := checkShape(o, takeProfit, stopLoss, now); err != nil {
		return market.Market{}, asset.Asset{}, err
	}

	if o.IsReduceOnly {
		o.Margin = new(big.Int)
	} else if err := risk.CheckLeverage(o.Margin, o.Size, m.MaxLeverage); err != nil {
		return market.Market{}, asset.Asset{}, err
	}

	if !risk.ValidTpSl(o.IsLong, takeProfit, stopLoss) {
		return market.Market{}, asset.Asset{}, fmt.Errorf("%w: tp %s sl %s for long=%t", ErrInvalidTpSl, takeProfit, stopLoss, o.IsLong)
	}

	return m, a, nil
}

func checkShape(o *order.Order, takeProfit, stopLoss *big.Int, now int64) error {
	switch {
	case !o.Type.Valid():
		return fmt.Errorf("%w: type %d", ErrInvalidOrder, o.Type)
	case o.Size.Sign() <= 0:
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	case o.Margin.Sign() < 0 || o.Price.Sign() < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidOrder)
	case o.Type == order.Market && o.Price.Sign() != 0:
		return fmt.Errorf("%w: market order with price %s", ErrInvalidOrder, o.Price)
	case o.Type != order.Market && o.Price.Sign() == 0:
		return fmt.Errorf("%w: %s order without price", ErrInvalidOrder, o.Type)
	case takeProfit.Sign() < 0 || stopLoss.Sign() < 0:
		return fmt.Errorf("%w: negative take-profit or stop-loss", ErrInvalidOrder)
	case o.IsReduceOnly && (takeProfit.Sign() > 0 || stopLoss.Sign() > 0):
		return fmt.Errorf("%w: take-profit and stop-loss need an opening order", ErrInvalidOrder)
	case o.Expiry != 0 && o.Expiry <= now:
		return fmt.Errorf("%w: %d <= %d", ErrInvalidExpiry, o.Expiry, now)
	}
	return nil
}

// child builds a reduce-only exit for parent triggering at price
func child(parent order.Order, typ order.Type, price *big.Int) order.Order {
	return order.Order{
		User:         parent.User,
		Asset:        parent.Asset,
		Market:       parent.Market,
		Margin:       new(big.Int),
		Size:         new(big.Int).Set(parent.Size),
		Price:        new(big.Int).Set(price),
		Fee:          new(big.Int).Set(parent.Fee),
		IsLong:       !parent.IsLong,
		Type:         typ,
		IsReduceOnly: true,
		Timestamp:    parent.Timestamp,
	}
}

// escrow stages the collateral for required and returns the native refund
//
// With fromBalance, value is taken from the free native balance: escrowing
// all of it and releasing the excess checks that the balance covers value.
func (p *Processor) escrow(b *batch, a asset.Asset, user common.Address, required, value *big.Int, fromBalance bool) (*big.Int, error) {
	if a.IsNative() {
		if value.Cmp(required) < 0 {
			return nil, fmt.Errorf("%w: sent %s, need %s", ErrInsufficientValue, value, required)
		}
		refund := new(big.Int).Sub(value, required)
		if fromBalance {
			if err := b.tx.Escrow(user, a.Address, value); err != nil {
				if errors.Is(err, vault.ErrInsufficientBalance) {
					return nil, fmt.Errorf("%w: %v", ErrInsufficientValue, err)
				}
				return nil, err
			}
			if refund.Sign() > 0 {
				if err := b.tx.Release(user, a.Address, refund); err != nil {
					return nil, err
				}
			}
			return refund, nil
		}
		if required.Sign() > 0 {
			if err := b.tx.Credit(user, a.Address, required); err != nil {
				return nil, err
			}
			if err := b.tx.Escrow(user, a.Address, required); err != nil {
				return nil, err
			}
		}
		return refund, nil
	}

	if required.Sign() > 0 {
		if err := b.tx.Escrow(user, a.Address, required); err != nil {
			if errors.Is(err, vault.ErrInsufficientBalance) {
				return nil, fmt.Errorf("%w: %v", ErrInsufficientValue, err)
			}
			return nil, err
		}
	}
	// native value sent alongside a token order is not consumed
	return value, nil
}
