package perp

import (
	"fmt"
	"time"

	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/storage"
)

// batch stages one operation: custody movements, ledger writes and events
// Nothing is visible until commit succeeds
type batch struct {
	now int64
	tx  vault.Tx
	cs  storage.ChangeSet

	cancelled  []string // cancel reasons, for metrics
	executed   []string // markets
	liquidated []string
	funded     []string
}

func (p *Processor) newBatch() *batch {
	return &batch{now: p.now(), tx: p.vault.Begin()}
}

func (b *batch) putOrder(o order.Order) {
	b.cs.PutOrders = append(b.cs.PutOrders, o)
}

func (b *batch) removeOrder(id uint64) {
	b.cs.DeleteOrders = append(b.cs.DeleteOrders, id)
}

func (b *batch) putPosition(pos position.Position) {
	b.cs.PutPositions = append(b.cs.PutPositions, pos)
}

func (b *batch) deletePosition(k position.Key) {
	b.cs.DeletePositions = append(b.cs.DeletePositions, k)
}

func (b *batch) setFunding(market string, st funding.State) {
	if b.cs.Funding == nil {
		b.cs.Funding = make(map[string]funding.State)
	}
	b.cs.Funding[market] = st
}

func (b *batch) emit(e events.Event) {
	b.cs.Events = append(b.cs.Events, e)
}

// cancelOrder removes o and refunds its whole escrow
func (b *batch) cancelOrder(o order.Order, reason string) error {
	if err := b.tx.Release(o.User, o.Asset, o.Escrow()); err != nil {
		return fmt.Errorf("release order %d: %w", o.ID, err)
	}
	b.removeOrder(o.ID)

	e := orderEvent(events.OrderCancelled, b.now, o)
	e.Reason = reason
	b.emit(e)
	b.cancelled = append(b.cancelled, reason)
	return nil
}

func orderEvent(t events.Type, ts int64, o order.Order) events.Event {
	e := events.New(t, ts)
	e.OrderID = o.ID
	e.User = o.User
	e.Asset = o.Asset
	e.Market = o.Market
	e.IsLong = o.IsLong
	e.Margin = o.Margin
	e.Size = o.Size
	e.Price = o.Price
	e.Fee = o.Fee
	e.OrderType = o.Type.String()
	e.IsReduceOnly = o.IsReduceOnly
	e.Expiry = o.Expiry
	e.CancelOrderID = o.CancelOrderID
	return e
}

// discard abandons a batch that will not be committed
func (b *batch) discard() {
	b.tx.Rollback()
}

// commit makes b durable and visible
//
// The vault is prepared first so a custody violation aborts before anything
// is written. The store batch is then written; only after it succeeds are the
// vault and the in-memory ledgers updated and the events published, all in
// commit order.
func (p *Processor) commit(b *batch) error {
	start := time.Now()

	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	records, err := b.tx.Prepare()
	if err != nil {
		b.tx.Rollback()
		return fmt.Errorf("vault: %w", err)
	}

	for _, pos := range b.cs.PutPositions {
		if err := pos.Validate(); err != nil {
			b.tx.Rollback()
			p.log.Errorw("invariant_violation", "critical", true, "err", err)
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
	}

	for i := range b.cs.Events {
		b.cs.Events[i].Seq = p.seq + uint64(i) + 1
	}
	b.cs.Balances = records

	// ids and funding were advanced outside commitMu; persist the values as of
	// this commit so stored state never moves backwards
	if b.cs.LastOrderID > 0 {
		b.cs.LastOrderID = p.orders.LastID()
	}
	for m := range b.cs.Funding {
		if st, ok := p.funding.State(m); ok {
			b.cs.Funding[m] = st
		}
	}

	if err := p.store.Commit(b.cs); err != nil {
		b.tx.Rollback()
		return fmt.Errorf("persist: %w", err)
	}
	b.tx.Commit()
	p.seq += uint64(len(b.cs.Events))

	p.apply(b)
	p.sink.Publish(b.cs.Events)
	p.record(b, time.Since(start))
	return nil
}

func (p *Processor) apply(b *batch) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	for _, id := range b.cs.DeleteOrders {
		p.orders.Remove(id)
	}
	for _, o := range b.cs.PutOrders {
		p.orders.Put(o)
	}
	for _, k := range b.cs.DeletePositions {
		p.positions.Delete(k)
	}
	for _, pos := range b.cs.PutPositions {
		p.positions.Put(pos)
	}
	// funding indexes were already accrued in memory while staging
}

func (p *Processor) record(b *batch, took time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveCommit(took)
	for _, r := range b.cancelled {
		p.metrics.OrderCancelled(r)
	}
	for _, m := range b.executed {
		p.metrics.OrderExecuted(m)
	}
	for _, m := range b.liquidated {
		p.metrics.Liquidated(m)
	}
	for _, m := range b.funded {
		p.metrics.FundingSettled(m)
	}

	touched := make(map[string]struct{})
	for _, o := range b.cs.PutOrders {
		touched[o.Market] = struct{}{}
	}
	for _, e := range b.cs.Events {
		if e.Market != "" {
			touched[e.Market] = struct{}{}
		}
	}
	for m := range touched {
		p.metrics.SetResting(m, p.orders.CountMarket(m))
	}
	p.metrics.SetOpenPositions(p.positions.Len())
}
