package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// Pool is the account that receives fees and losses and pays out profits
var Pool = common.HexToAddress("0x00000000000000000000000000000000000000ff")

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient free balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrowed balance")
	ErrPoolInsolvent       = errors.New("pool cannot cover payout")
	ErrTxDone              = errors.New("transaction already finished")
)

// Vault hands out transactions over custody balances
type Vault interface {
	Begin() Tx
}

// Tx stages balance movements and applies them all or none
// Prepare validates and locks, Commit applies, Rollback discards
type Tx interface {
	// Credit records collateral arriving from outside (native value sent with an order)
	Credit(user, asset common.Address, amount *big.Int) error
	// Escrow moves free balance into escrow
	Escrow(user, asset common.Address, amount *big.Int) error
	// Release moves escrow back to free balance
	Release(user, asset common.Address, amount *big.Int) error
	// Settle moves value between the user's escrow and the pool
	// Positive delta pays the user, negative delta collects from the user
	Settle(user, asset common.Address, delta *big.Int) error
	Prepare() ([]Record, error)
	Commit()
	Rollback()
}

// Balance is the custody state of one (account, asset)
type Balance struct {
	Free     *big.Int `json:"free"`
	Escrowed *big.Int `json:"escrowed"`
}

func (b Balance) clone() Balance {
	return Balance{Free: util.Copy(b.Free), Escrowed: util.Copy(b.Escrowed)}
}

// Record is a persisted balance row
type Record struct {
	Account  common.Address `json:"account"`
	Asset    common.Address `json:"asset"`
	Free     *big.Int       `json:"free"`
	Escrowed *big.Int       `json:"escrowed"`
}

type balanceKey struct {
	account common.Address
	asset   common.Address
}

// Memory is an in-process custody ledger
// All balance changes made by the engine go through Tx
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]Balance
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[balanceKey]Balance)}
}

func (m *Memory) get(k balanceKey) Balance {
	b, ok := m.balances[k]
	if !ok {
		return Balance{Free: new(big.Int), Escrowed: new(big.Int)}
	}
	return b.clone()
}

// Balance returns the balance of account in asset
func (m *Memory) Balance(account, asset common.Address) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(balanceKey{account, asset})
}

// Deposit credits free balance directly (bridge inflow, pool seeding)
func (m *Memory) Deposit(account, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := balanceKey{account, asset}
	b := m.get(k)
	b.Free.Add(b.Free, amount)
	m.balances[k] = b
	return nil
}

// Withdraw removes free balance
func (m *Memory) Withdraw(account, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("withdraw: %w", ErrInvalidAmount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := balanceKey{account, asset}
	b := m.get(k)
	if b.Free.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw %s: have %s: %w", amount, b.Free, ErrInsufficientBalance)
	}
	b.Free.Sub(b.Free, amount)
	m.balances[k] = b
	return nil
}

// Restore loads persisted balances (startup only)
func (m *Memory) Restore(records []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.balances[balanceKey{r.Account, r.Asset}] = Balance{Free: util.Copy(r.Free), Escrowed: util.Copy(r.Escrowed)}
	}
}

// Records returns every balance row sorted by account then asset
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.balances))
	for k, b := range m.balances {
		out = append(out, Record{Account: k.account, Asset: k.asset, Free: util.Copy(b.Free), Escrowed: util.Copy(b.Escrowed)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account.Hex() < out[j].Account.Hex()
		}
		return out[i].Asset.Hex() < out[j].Asset.Hex()
	})
	return out
}

// Total returns free plus escrowed across all accounts for an asset
// Transactions only move value, so this changes only through Deposit, Withdraw and Credit
func (m *Memory) Total(asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(big.Int)
	for k, b := range m.balances {
		if k.asset == asset {
			total.Add(total, b.Free)
			total.Add(total, b.Escrowed)
		}
	}
	return total
}

// Begin starts a transaction
func (m *Memory) Begin() Tx {
	return &memTx{v: m, deltas: make(map[balanceKey]*Balance)}
}
