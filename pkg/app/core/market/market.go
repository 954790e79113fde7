package market

import (
	"fmt"

	"github.com/uhyunpark/perpcore/pkg/util"
)

// Status is the trading status derived from a market's flags
type Status int8

const (
	Active     Status = iota // New orders accepted
	ReduceOnly               // Only orders that shrink exposure
	Closed                   // No new orders, resting orders are released on execution
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case ReduceOnly:
		return "ReduceOnly"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Market holds the risk parameters of one perpetual instrument (e.g. ETH-USD)
// All ratios are in basis points unless stated otherwise
type Market struct {
	// Identity
	Symbol   string `json:"symbol" yaml:"symbol"` // "ETH-USD"
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"` // crypto, fx, commodities
	FeedID   string `json:"feedId,omitempty" yaml:"feedId"`

	// Leverage & Fees
	MaxLeverage int64 `json:"maxLeverage" yaml:"maxLeverage"` // 50 = 50x
	FeeBps      int64 `json:"fee" yaml:"fee"`                 // 10 = 0.1% of size

	// LiqThreshold is the share of margin that may be lost before liquidation
	// 9900 liquidates once less than 1% of margin remains
	LiqThreshold int64 `json:"liqThreshold" yaml:"liqThreshold"`

	// FundingFactor is the yearly funding rate at full open-interest skew
	FundingFactor int64 `json:"fundingFactor" yaml:"fundingFactor"`

	// Oracle bounds
	MaxDeviation int64 `json:"maxDeviation" yaml:"maxDeviation"` // vs reference feed
	PriceMaxAge  int64 `json:"priceMaxAge" yaml:"priceMaxAge"`   // seconds, 0 = unbounded
	MinOrderAge  int64 `json:"minOrderAge" yaml:"minOrderAge"`   // seconds before limit/stop may fill

	// AllowExternalExecution lets executions fall back to the reference feed
	// when the primary feed is stale or unavailable
	AllowExternalExecution bool `json:"allowExternalExecution" yaml:"allowExternalExecution"`

	IsReduceOnly bool `json:"isReduceOnly" yaml:"isReduceOnly"`
	IsClosed     bool `json:"isClosed" yaml:"isClosed"`
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.MaxLeverage < 1 {
		return fmt.Errorf("max leverage must be at least 1, got %d", m.MaxLeverage)
	}
	if m.FeeBps < 0 || m.FeeBps >= util.BPS {
		return fmt.Errorf("fee must be in [0, %d) bps, got %d", util.BPS, m.FeeBps)
	}
	if m.LiqThreshold <= 0 || m.LiqThreshold >= util.BPS {
		return fmt.Errorf("liquidation threshold must be in (0, %d) bps, got %d", util.BPS, m.LiqThreshold)
	}
	if m.FundingFactor < 0 {
		return fmt.Errorf("funding factor cannot be negative")
	}
	if m.MaxDeviation < 0 {
		return fmt.Errorf("max deviation cannot be negative")
	}
	if m.PriceMaxAge < 0 || m.MinOrderAge < 0 {
		return fmt.Errorf("ages cannot be negative")
	}
	return nil
}

// Status reports the trading status implied by the flags
func (m *Market) Status() Status {
	switch {
	case m.IsClosed:
		return Closed
	case m.IsReduceOnly:
		return ReduceOnly
	default:
		return Active
	}
}

// Feed returns the oracle feed key, defaulting to the symbol
func (m *Market) Feed() string {
	if m.FeedID != "" {
		return m.FeedID
	}
	return m.Symbol
}

// Defaults mirrors the production market set: crypto at 50x, fx at 100x, gold at 20x
func Defaults() []Market {
	base := Market{
		MaxDeviation:           500,
		MinOrderAge:            1,
		PriceMaxAge:            10,
		AllowExternalExecution: true,
	}

	eth := base
	eth.Symbol, eth.Name, eth.Category = "ETH-USD", "Ethereum / U.S. Dollar", "crypto"
	eth.MaxLeverage, eth.FeeBps, eth.LiqThreshold, eth.FundingFactor = 50, 10, 9900, 10000

	btc := base
	btc.Symbol, btc.Name, btc.Category = "BTC-USD", "Bitcoin / U.S. Dollar", "crypto"
	btc.MaxLeverage, btc.FeeBps, btc.LiqThreshold, btc.FundingFactor = 50, 10, 9900, 10000

	eur := base
	eur.Symbol, eur.Name, eur.Category = "EUR-USD", "Euro / U.S. Dollar", "fx"
	eur.MaxLeverage, eur.FeeBps, eur.LiqThreshold, eur.FundingFactor = 100, 3, 9900, 2000

	xau := base
	xau.Symbol, xau.Name, xau.Category = "XAU-USD", "Gold / U.S. Dollar", "commodities"
	xau.MaxLeverage, xau.FeeBps, xau.LiqThreshold, xau.FundingFactor = 20, 10, 9500, 2000

	return []Market{eth, btc, eur, xau}
}
