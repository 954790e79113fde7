package perp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fund credits free collateral arriving from outside the engine (deposits,
// returned transaction value) and persists the new balance
func (p *Processor) Fund(ctx context.Context, account, collateral common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: fund amount must be positive", ErrInvalidOrder)
	}
	if _, err := p.assets.Get(collateral); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, collateral.Hex())
	}

	b := p.newBatch()
	if err := b.tx.Credit(account, collateral, amount); err != nil {
		b.discard()
		return fmt.Errorf("credit: %w", err)
	}
	if err := p.commit(b); err != nil {
		return err
	}
	p.log.Debugw("account_funded", "account", account.Hex(), "asset", collateral.Hex(), "amount", amount.String())
	return nil
}
