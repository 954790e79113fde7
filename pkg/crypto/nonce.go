package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNonceUsed = errors.New("nonce already used")

// NonceTracker enforces strictly increasing nonces per signer so a signed
// payload cannot be replayed
type NonceTracker struct {
	mu   sync.Mutex
	last map[common.Address]*big.Int
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{last: make(map[common.Address]*big.Int)}
}

// Use consumes nonce for owner, failing unless it is above the last one used
func (t *NonceTracker) Use(owner common.Address, nonce *big.Int) error {
	if nonce == nil || nonce.Sign() <= 0 {
		return fmt.Errorf("%w: nonce must be positive", ErrNonceUsed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[owner]; ok && nonce.Cmp(last) <= 0 {
		return fmt.Errorf("%w: %s <= %s", ErrNonceUsed, nonce, last)
	}
	t.last[owner] = new(big.Int).Set(nonce)
	return nil
}

// Last returns the highest nonce used by owner, or zero
func (t *NonceTracker) Last(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[owner]; ok {
		return new(big.Int).Set(last)
	}
	return new(big.Int)
}
