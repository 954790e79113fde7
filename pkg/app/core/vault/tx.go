package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type txState uint8

const (
	txOpen txState = iota
	txPrepared
	txDone
)

// memTx records signed deltas per balance and validates them against the
// vault only at Prepare, which keeps the vault locked until Commit or Rollback
type memTx struct {
	v      *Memory
	deltas map[balanceKey]*Balance
	order  []balanceKey
	state  txState
}

func (tx *memTx) delta(account, asset common.Address) *Balance {
	k := balanceKey{account, asset}
	d, ok := tx.deltas[k]
	if !ok {
		d = &Balance{Free: new(big.Int), Escrowed: new(big.Int)}
		tx.deltas[k] = d
		tx.order = append(tx.order, k)
	}
	return d
}

// projected returns base + delta (vault lock not held, advisory only)
func (tx *memTx) projected(account, asset common.Address) Balance {
	base := tx.v.Balance(account, asset)
	if d, ok := tx.deltas[balanceKey{account, asset}]; ok {
		base.Free.Add(base.Free, d.Free)
		base.Escrowed.Add(base.Escrowed, d.Escrowed)
	}
	return base
}

func (tx *memTx) check(amount *big.Int) error {
	if tx.state != txOpen {
		return ErrTxDone
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (tx *memTx) Credit(user, asset common.Address, amount *big.Int) error {
	if err := tx.check(amount); err != nil {
		return err
	}
	d := tx.delta(user, asset)
	d.Free.Add(d.Free, amount)
	return nil
}

func (tx *memTx) Escrow(user, asset common.Address, amount *big.Int) error {
	if err := tx.check(amount); err != nil {
		return err
	}
	if have := tx.projected(user, asset).Free; have.Cmp(amount) < 0 {
		return fmt.Errorf("escrow %s: have %s: %w", amount, have, ErrInsufficientBalance)
	}
	d := tx.delta(user, asset)
	d.Free.Sub(d.Free, amount)
	d.Escrowed.Add(d.Escrowed, amount)
	return nil
}

func (tx *memTx) Release(user, asset common.Address, amount *big.Int) error {
	if err := tx.check(amount); err != nil {
		return err
	}
	if have := tx.projected(user, asset).Escrowed; have.Cmp(amount) < 0 {
		return fmt.Errorf("release %s: have %s: %w", amount, have, ErrInsufficientEscrow)
	}
	d := tx.delta(user, asset)
	d.Escrowed.Sub(d.Escrowed, amount)
	d.Free.Add(d.Free, amount)
	return nil
}

func (tx *memTx) Settle(user, asset common.Address, delta *big.Int) error {
	if tx.state != txOpen {
		return ErrTxDone
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}

	amount := new(big.Int).Abs(delta)
	if delta.Sign() < 0 {
		if have := tx.projected(user, asset).Escrowed; have.Cmp(amount) < 0 {
			return fmt.Errorf("collect %s: have %s: %w", amount, have, ErrInsufficientEscrow)
		}
	} else if have := tx.projected(Pool, asset).Free; have.Cmp(amount) < 0 {
		return fmt.Errorf("pay %s: pool has %s: %w", amount, have, ErrPoolInsolvent)
	}

	d := tx.delta(user, asset)
	d.Escrowed.Add(d.Escrowed, delta)
	p := tx.delta(Pool, asset)
	p.Free.Sub(p.Free, delta)
	return nil
}

// Prepare locks the vault and checks that every resulting balance is non-negative
// On success the returned records are the post-commit balances of touched rows
func (tx *memTx) Prepare() ([]Record, error) {
	if tx.state != txOpen {
		return nil, ErrTxDone
	}

	tx.v.mu.Lock()
	records := make([]Record, 0, len(tx.order))
	for _, k := range tx.order {
		d := tx.deltas[k]
		b := tx.v.get(k)
		b.Free.Add(b.Free, d.Free)
		b.Escrowed.Add(b.Escrowed, d.Escrowed)
		if b.Free.Sign() < 0 || b.Escrowed.Sign() < 0 {
			tx.v.mu.Unlock()
			tx.state = txDone
			if k.account == Pool {
				return nil, ErrPoolInsolvent
			}
			return nil, fmt.Errorf("account %s asset %s would go negative: %w", k.account.Hex(), k.asset.Hex(), ErrInsufficientBalance)
		}
		records = append(records, Record{Account: k.account, Asset: k.asset, Free: b.Free, Escrowed: b.Escrowed})
	}

	tx.state = txPrepared
	return records, nil
}

// Commit applies a prepared transaction and releases the vault
func (tx *memTx) Commit() {
	if tx.state != txPrepared {
		return
	}
	for _, k := range tx.order {
		d := tx.deltas[k]
		b := tx.v.get(k)
		b.Free.Add(b.Free, d.Free)
		b.Escrowed.Add(b.Escrowed, d.Escrowed)
		tx.v.balances[k] = b
	}
	tx.state = txDone
	tx.v.mu.Unlock()
}

// Rollback discards the transaction, releasing the vault if prepared
func (tx *memTx) Rollback() {
	if tx.state == txPrepared {
		tx.v.mu.Unlock()
	}
	tx.state = txDone
}
