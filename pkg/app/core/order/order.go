package order

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// Type defines how an order triggers
type Type uint8

const (
	Market Type = iota // Fill at the oracle price as soon as possible
	Limit              // Fill when the price reaches or improves on Price
	Stop               // Fill when the price reaches or breaches Price
)

func (t Type) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known order type
func (t Type) Valid() bool {
	return t <= Stop
}

// ParseType parses "market", "limit" or "stop"
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	case "stop":
		return Stop, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Status tracks the lifecycle of an order
// Only Resting orders live in the ledger; the others are terminal
type Status uint8

const (
	New Status = iota
	Resting
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case Resting:
		return "resting"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a request to open, grow, shrink or close a position
// Amounts use the collateral asset's decimals, Price uses 18 decimals
type Order struct {
	ID            uint64         `json:"id"` // 0 = unassigned
	User          common.Address `json:"user"`
	Asset         common.Address `json:"asset"` // zero address = native
	Market        string         `json:"market"`
	Margin        *big.Int       `json:"margin"`
	Size          *big.Int       `json:"size"`
	Price         *big.Int       `json:"price"` // 0 = market order
	Fee           *big.Int       `json:"fee"`
	IsLong        bool           `json:"isLong"`
	Type          Type           `json:"type"`
	IsReduceOnly  bool           `json:"isReduceOnly"`
	Timestamp     int64          `json:"timestamp"`     // unix seconds at acceptance
	Expiry        int64          `json:"expiry"`        // 0 = never
	CancelOrderID uint64         `json:"cancelOrderId"` // one-cancels-other partner
}

// Clone returns a deep copy with nil amounts normalized to zero
func (o Order) Clone() Order {
	o.Margin = util.Copy(o.Margin)
	o.Size = util.Copy(o.Size)
	o.Price = util.Copy(o.Price)
	o.Fee = util.Copy(o.Fee)
	return o
}

// Escrow is the collateral held for a resting order
func (o Order) Escrow() *big.Int {
	return new(big.Int).Add(util.Big(o.Margin), util.Big(o.Fee))
}

// IsMarket reports whether the order has no trigger price
func (o Order) IsMarket() bool {
	return o.Type == Market
}

// Triggered reports whether price satisfies the order's trigger
// Limit buys fill at or below Price, limit sells at or above
// Stop buys fill at or above Price, stop sells at or below
func (o Order) Triggered(price *big.Int) bool {
	cmp := price.Cmp(util.Big(o.Price))
	switch o.Type {
	case Market:
		return true
	case Limit:
		if o.IsLong {
			return cmp <= 0
		}
		return cmp >= 0
	case Stop:
		if o.IsLong {
			return cmp >= 0
		}
		return cmp <= 0
	default:
		return false
	}
}

// Expired reports whether the order is past its expiry at now
func (o Order) Expired(now int64) bool {
	return o.Expiry > 0 && o.Expiry <= now
}

func (o Order) String() string {
	side := "short"
	if o.IsLong {
		side = "long"
	}
	return fmt.Sprintf("order#%d %s %s %s size=%s margin=%s price=%s", o.ID, o.Market, o.Type, side,
		util.Big(o.Size), util.Big(o.Margin), util.Big(o.Price))
}
