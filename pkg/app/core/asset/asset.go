package asset

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// Native is the sentinel address of the chain-native collateral
var Native = common.Address{}

// ErrNotFound is returned for unregistered collateral assets
var ErrNotFound = errors.New("asset not found")

// Asset describes one collateral asset
type Asset struct {
	Address      common.Address `json:"address"`
	Symbol       string         `json:"symbol"`
	Decimals     int32          `json:"decimals"`
	MinOrderSize *big.Int       `json:"minOrderSize"`
	FeedID       string         `json:"feedId,omitempty"`
}

// IsNative reports whether the asset is the chain-native coin
func (a Asset) IsNative() bool {
	return a.Address == Native
}

// Validate checks asset parameter sanity
func (a Asset) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if a.Decimals < 0 || a.Decimals > 36 {
		return fmt.Errorf("decimals out of range: %d", a.Decimals)
	}
	if a.MinOrderSize != nil && a.MinOrderSize.Sign() < 0 {
		return fmt.Errorf("min order size cannot be negative")
	}
	return nil
}

// Defaults returns the native coin (min 0.1) and USDC (min 100)
func Defaults(usdc common.Address) []Asset {
	return []Asset{
		{Address: Native, Symbol: "ETH", Decimals: 18, MinOrderSize: util.MustUnits("0.1", 18)},
		{Address: usdc, Symbol: "USDC", Decimals: 6, MinOrderSize: util.MustUnits("100", 6)},
	}
}

// Registry is a read-mostly map of collateral assets
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]Asset
}

func NewRegistry() *Registry {
	return &Registry{assets: make(map[common.Address]Asset)}
}

// Register adds or replaces an asset
func (r *Registry) Register(a Asset) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid asset %s: %w", a.Address.Hex(), err)
	}
	a.MinOrderSize = util.Copy(a.MinOrderSize)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.Address] = a
	return nil
}

// Get returns a copy of the asset parameters
func (r *Registry) Get(addr common.Address) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[addr]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, addr.Hex())
	}
	a.MinOrderSize = util.Copy(a.MinOrderSize)
	return a, nil
}

// MinOrderSize returns the minimum size for addr, zero when unregistered
func (r *Registry) MinOrderSize(addr common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return util.Copy(r.assets[addr].MinOrderSize)
}

// List returns all assets sorted by symbol
func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		a.MinOrderSize = util.Copy(a.MinOrderSize)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) Exists(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[addr]
	return ok
}
