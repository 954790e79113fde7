package perp

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
)

// CancelOrder removes a resting order and refunds its escrow
// Only the owner or an executor may cancel
func (p *Processor) CancelOrder(ctx context.Context, caller common.Address, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, ok := p.orders.Get(id)
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if caller != snap.User && !p.gate.IsAuthorized(caller, access.Executor) {
		return fmt.Errorf("%w: %s cannot cancel order %d", ErrUnauthorized, caller.Hex(), id)
	}

	unlock := p.locks.Lock(orderLock(id))
	defer unlock()

	o, ok := p.orders.Get(id)
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}

	why := "user"
	if caller != o.User {
		why = "executor"
	}

	b := p.newBatch()
	if err := b.cancelOrder(o, why); err != nil {
		b.discard()
		return err
	}
	if err := p.commit(b); err != nil {
		return err
	}

	p.log.Infow("order_cancelled", "id", id, "market", o.Market, "by", caller.Hex())
	return nil
}
